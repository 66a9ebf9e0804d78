package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
)

var (
	// ErrUnauthenticated reports missing or invalid credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden reports valid credentials that may not feed the input.
	ErrForbidden = errors.New("not allowed to send to this input")
)

// Config holds the credentials an Authenticator accepts.
type Config struct {
	// Tokens verifies bearer tokens. Nil rejects every bearer token.
	Tokens *TokenService

	// Users maps basic-auth user names to password hashes.
	Users map[string]string

	Logger *slog.Logger
}

// Authenticator checks the Authorization header of input requests.
type Authenticator struct {
	tokens *TokenService
	users  map[string]string
	logger *slog.Logger
}

// New creates an authenticator. Every user hash must be in a supported
// format.
func New(cfg Config) (*Authenticator, error) {
	for name, hash := range cfg.Users {
		if err := ValidateHash(hash); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
	}
	if cfg.Tokens == nil && len(cfg.Users) == 0 {
		return nil, errors.New("auth: no token secret or users configured")
	}
	return &Authenticator{
		tokens: cfg.Tokens,
		users:  cfg.Users,
		logger: logging.Default(cfg.Logger).With("component", "auth"),
	}, nil
}

// Authenticate checks an Authorization header value for input and returns
// the sender's name.
func (a *Authenticator) Authenticate(input, header string) (string, error) {
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok || cred == "" {
		return "", fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
	}

	switch strings.ToLower(scheme) {
	case "bearer":
		if a.tokens == nil {
			return "", fmt.Errorf("%w: bearer tokens not enabled", ErrUnauthenticated)
		}
		claims, err := a.tokens.Verify(cred)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		if !claims.Allows(input) {
			return claims.Subject, ErrForbidden
		}
		return claims.Subject, nil
	case "basic":
		r := http.Request{Header: http.Header{"Authorization": {header}}}
		user, pass, ok := r.BasicAuth()
		if !ok {
			return "", fmt.Errorf("%w: malformed basic credentials", ErrUnauthenticated)
		}
		hash, known := a.users[user]
		if !known {
			return "", fmt.Errorf("%w: unknown user", ErrUnauthenticated)
		}
		match, err := VerifyPassword(pass, hash)
		if err != nil || !match {
			return "", fmt.Errorf("%w: bad password", ErrUnauthenticated)
		}
		return user, nil
	}
	return "", fmt.Errorf("%w: unsupported scheme %q", ErrUnauthenticated, scheme)
}

// Middleware rejects requests to input that fail Authenticate with 401 or
// 403. Paths in open pass without credentials.
func (a *Authenticator) Middleware(input string, next http.Handler, open ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for _, p := range open {
			if req.URL.Path == p {
				next.ServeHTTP(w, req)
				return
			}
		}
		sender, err := a.Authenticate(input, req.Header.Get("Authorization"))
		switch {
		case errors.Is(err, ErrForbidden):
			a.logger.Debug("sender rejected", "input", input, "sender", sender, "remote", req.RemoteAddr)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case err != nil:
			a.logger.Debug("unauthenticated request", "input", input, "remote", req.RemoteAddr, "error", err)
			w.Header().Set("WWW-Authenticate", `Basic realm="graylogd", charset="UTF-8"`)
			http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// UnaryServerInterceptor authenticates gRPC calls to input from the
// "authorization" metadata key.
func (a *Authenticator) UnaryServerInterceptor(input string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		switch _, err := a.Authenticate(input, header); {
		case errors.Is(err, ErrForbidden):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case err != nil:
			a.logger.Debug("unauthenticated call", "input", input, "error", err)
			return nil, status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
		}
		return handler(ctx, req)
	}
}

// ForInput returns a when the input params enable authentication
// ("auth": "true") and nil when they leave it off.
func ForInput(a *Authenticator, params map[string]string) (*Authenticator, error) {
	switch v := params["auth"]; v {
	case "", "false":
		return nil, nil
	case "true":
		if a == nil {
			return nil, errors.New("auth enabled but no token secret or users configured")
		}
		return a, nil
	default:
		return nil, fmt.Errorf("invalid auth %q", v)
	}
}
