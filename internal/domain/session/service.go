package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rpggio/chairside/internal/gateway"
)

// DefaultTimeout bounds profile revalidation.
const DefaultTimeout = 5 * time.Second

// Manager owns the process-wide authenticated session. It is created once
// and passed explicitly to whatever needs the current user.
type Manager struct {
	issuer  *Issuer
	source  ProfileSource
	cache   ProfileCache
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewManager creates a session manager. cache may be nil.
func NewManager(issuer *Issuer, source ProfileSource, cache ProfileCache, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		issuer:  issuer,
		source:  source,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
	}
}

// Issuer returns the token issuer used by the manager.
func (m *Manager) Issuer() *Issuer {
	return m.issuer
}

// Initialize verifies token and establishes the session.
//
// A cached profile is used when the authoritative source does not answer
// within the timeout; the session is then marked Stale. Without a cached
// profile the manager falls back to unauthenticated.
func (m *Manager) Initialize(ctx context.Context, token string) (Session, error) {
	claims, err := m.issuer.Parse(token)
	if err != nil {
		m.clear()
		return Session{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	profile, stale, err := m.resolveProfile(ctx, claims.Subject)
	if err != nil {
		m.clear()
		return Session{}, err
	}

	sess := Session{
		UserID:    claims.Subject,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Profile:   profile,
		Stale:     stale,
	}
	m.mu.Lock()
	m.current = &sess
	m.mu.Unlock()

	return sess, nil
}

// Refresh re-checks the current token and revalidates the profile.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return Session{}, ErrUnauthenticated
	}
	return m.Initialize(ctx, cur.Token)
}

// Teardown signs out: the session is dropped and its cached profile evicted.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur == nil || m.cache == nil {
		return nil
	}
	if err := m.cache.Delete(ctx, cur.UserID); err != nil {
		return fmt.Errorf("evicting cached profile: %w", err)
	}
	return nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Authenticate verifies a token and loads its profile without touching the
// process-wide session. Servers use it per request.
func (m *Manager) Authenticate(ctx context.Context, token string) (Session, error) {
	claims, err := m.issuer.Parse(token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	profile, stale, err := m.resolveProfile(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Subject,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Profile:   profile,
		Stale:     stale,
	}, nil
}

func (m *Manager) resolveProfile(ctx context.Context, userID string) (Profile, bool, error) {
	var (
		cached    Profile
		haveCache bool
	)
	if m.cache != nil {
		p, ok, err := m.cache.Get(ctx, userID)
		if err != nil {
			m.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
		}
		cached, haveCache = p, ok && err == nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	fresh, err := m.source.LoadProfile(loadCtx, userID)
	if err == nil {
		if m.cache != nil {
			if err := m.cache.Set(ctx, fresh); err != nil {
				m.logger.Warn("profile cache write failed", "user_id", userID, "error", err)
			}
		}
		return fresh, false, nil
	}

	switch {
	case errors.Is(err, gateway.ErrNotFound):
		if m.cache != nil && haveCache {
			_ = m.cache.Delete(ctx, userID)
		}
	case haveCache && ctx.Err() == nil:
		// Source timed out or failed transiently; the caller's context is
		// still live, so the cached copy is served and flagged.
		m.logger.Warn("profile revalidation failed, serving cached profile", "user_id", userID, "error", err)
		return cached, true, nil
	}
	return Profile{}, false, fmt.Errorf("%w: loading profile: %w", ErrUnauthenticated, err)
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
