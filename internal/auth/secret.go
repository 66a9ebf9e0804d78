package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadSecret reads a token secret file. Surrounding whitespace is ignored.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token secret: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret %s: want at least %d bytes, got %d", path, MinSecretLen, len(secret))
	}
	return secret, nil
}

// WriteSecret writes a new random secret to path with mode 0600. An
// existing file is left alone and reported as an error.
func WriteSecret(path string) error {
	raw := make([]byte, MinSecretLen)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate token secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("token secret %s already exists", path)
		}
		return err
	}
	_, err = f.WriteString(hex.EncodeToString(raw) + "\n")
	return errors.Join(err, f.Close())
}
