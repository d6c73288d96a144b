// Package rest provides the HTTP control API of the notifyd daemon.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware accepts only RS256 tokens signed by the configured key,
// rejects expired or not-yet-valid tokens, optionally checks the issuer and
// audience, and injects the verified claims into the request context. On
// any failure it responds with HTTP 401 and a JSON error body.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// JWTConfig holds the configuration for [JWTMiddleware].
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, must equal the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	// Logger records per-request authentication failures. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the claims injected by [JWTMiddleware].
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// LoadRSAPublicKey reads a PEM-encoded RSA public key (PKCS#1 or PKIX)
// from path.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jwt: read public key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key %q: %w", path, err)
	}
	return key, nil
}

// JWTMiddleware returns chi-compatible middleware that enforces RS256
// bearer-token authentication.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*jwt.RegisteredClaims, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
