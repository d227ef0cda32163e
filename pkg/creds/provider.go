// Package creds supplies the bearer credential and device identity used
// during the gateway handshake.
package creds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when no token is configured.
var ErrNoCredential = errors.New("no gateway credential configured")

// ErrCredentialExpired is returned when the configured token is past its
// expiry. The connection layer treats this as fatal, never retried.
var ErrCredentialExpired = errors.New("gateway credential expired")

// Provider yields the bearer token for a handshake.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticProvider serves one configured token, rejecting it once expired so a
// dead credential fails fast instead of burning reconnect attempts.
type StaticProvider struct {
	token string
}

// NewStatic builds a provider around a configured bearer token.
func NewStatic(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// Token returns the configured credential after an expiry sanity check.
func (p *StaticProvider) Token(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", ErrNoCredential
	}
	// Tokens are JWTs signed by the session service; we only read the expiry
	// claim here, verification happens server-side.
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(p.token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if time.Now().After(exp.Time) {
				return "", ErrCredentialExpired
			}
		}
	}
	return p.token, nil
}

// DeviceID returns a stable, app-scoped fingerprint for this host so the
// gateway can correlate resumed sessions.
func DeviceID() (string, error) {
	id, err := machineid.ProtectedID("sync-core")
	if err != nil {
		return "", fmt.Errorf("machine id: %w", err)
	}
	return id, nil
}
