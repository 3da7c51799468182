package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
)

// TokenStore persists the session token across runs. The config file plays
// this role in production.
type TokenStore interface {
	Token() (string, bool)
	SaveToken(token string) error
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// TokenManager owns the session-token lifecycle: load the persisted token,
// request a fresh one when there is none, and invalidate-and-reacquire when
// the origin reports expiry. It never refreshes pre-emptively — callers
// surface OutcomeTokenExpired and the manager reacts.
type TokenManager struct {
	issuer TokenIssuer
	store  TokenStore
	log    *log.Logger
	token  string
}

// NewTokenManager wires a TokenManager. A nil logger discards diagnostics.
func NewTokenManager(issuer TokenIssuer, store TokenStore, logger *log.Logger) *TokenManager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &TokenManager{issuer: issuer, store: store, log: logger}
}

// Current returns the session token, acquiring and persisting a new one when
// neither the cache nor the store holds one. A token that is not purely
// alphanumeric is a configuration error, not a retryable condition.
func (m *TokenManager) Current(ctx context.Context) (string, error) {
	if m.token != "" {
		return m.token, nil
	}
	if tok, ok := m.store.Token(); ok {
		if !tokenPattern.MatchString(tok) {
			return "", fmt.Errorf("persisted session token %q is not alphanumeric", tok)
		}
		m.token = tok
		return tok, nil
	}
	return m.acquire(ctx)
}

// Invalidate drops the cached token and clears the persisted copy so the
// next Current call reacquires from the origin.
func (m *TokenManager) Invalidate() {
	m.token = ""
	if err := m.store.SaveToken(""); err != nil {
		m.log.Printf("clearing persisted session token: %v", err)
	}
}

// Refresh forces a fresh session. An existing token is reset at the origin,
// which empties its served-question memory; without one, a new token is
// requested. The result is validated, cached and persisted.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	old := m.token
	if old == "" {
		old, _ = m.store.Token()
	}
	if old == "" {
		return m.acquire(ctx)
	}
	tok, err := m.issuer.ResetToken(ctx, old)
	if err != nil {
		m.log.Printf("resetting session token failed (%v), requesting a new one", err)
		return m.acquire(ctx)
	}
	return m.adopt(tok)
}

func (m *TokenManager) acquire(ctx context.Context) (string, error) {
	tok, err := m.issuer.RequestToken(ctx)
	if err != nil {
		return "", fmt.Errorf("request session token: %w", err)
	}
	return m.adopt(tok)
}

func (m *TokenManager) adopt(tok string) (string, error) {
	if !tokenPattern.MatchString(tok) {
		return "", fmt.Errorf("origin issued a malformed session token %q", tok)
	}
	if err := m.store.SaveToken(tok); err != nil {
		return "", fmt.Errorf("persist session token: %w", err)
	}
	m.token = tok
	return tok, nil
}
