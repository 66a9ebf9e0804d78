// Package auth authenticates senders on the HTTP and gRPC inputs.
//
// A sender presents either a bearer token signed by the node's token
// secret or HTTP basic credentials checked against a password hash.
// Hashes are argon2id PHC strings as produced by HashPassword; bcrypt
// hashes ($2a$, $2b$, $2y$) from htpasswd files are accepted as well.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// argon2id parameters.
const (
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// ErrHashFormat reports a stored password hash in no supported format.
var ErrHashFormat = errors.New("unsupported password hash")

// HashPassword hashes a password with argon2id and returns a PHC string:
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a password against an argon2id or bcrypt hash.
func VerifyPassword(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		p, err := parsePHC(encoded)
		if err != nil {
			return false, err
		}
		candidate := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))
		return subtle.ConstantTimeCompare(p.hash, candidate) == 1, nil
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrHashFormat, err)
		}
		return true, nil
	}
	return false, ErrHashFormat
}

// ValidateHash reports whether encoded is a hash VerifyPassword accepts.
func ValidateHash(encoded string) error {
	if strings.HasPrefix(encoded, "$argon2id$") {
		_, err := parsePHC(encoded)
		return err
	}
	if _, err := bcrypt.Cost([]byte(encoded)); err != nil {
		return fmt.Errorf("%w: %w", ErrHashFormat, err)
	}
	return nil
}

type phc struct {
	salt, hash   []byte
	memory, time uint32
	threads      uint8
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return phc{}, fmt.Errorf("%w: expected 6 PHC fields, got %d", ErrHashFormat, len(parts))
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return phc{}, fmt.Errorf("%w: version: %w", ErrHashFormat, err)
	}
	if version != argon2.Version {
		return phc{}, fmt.Errorf("%w: argon2 version %d", ErrHashFormat, version)
	}

	var p phc
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return phc{}, fmt.Errorf("%w: params: %w", ErrHashFormat, err)
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return phc{}, fmt.Errorf("%w: salt: %w", ErrHashFormat, err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return phc{}, fmt.Errorf("%w: hash: %w", ErrHashFormat, err)
	}
	if len(p.hash) == 0 || p.time == 0 || p.threads == 0 {
		return phc{}, fmt.Errorf("%w: empty hash or zero cost", ErrHashFormat)
	}
	return p, nil
}
