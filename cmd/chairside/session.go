package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpggio/chairside/internal/domain/session"
)

type apiKeyResolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (string, error)
}

// processSession is the signed-in identity of a stdio server. Every MCP call
// on the process runs as its user.
type processSession struct {
	manager *session.Manager
	keys    apiKeyResolver
	apiKey  string
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// signIn exchanges apiKey for a session token, initializes the manager with
// it and refreshes the session every interval until Close.
func signIn(ctx context.Context, manager *session.Manager, keys apiKeyResolver, apiKey string, interval time.Duration, logger *slog.Logger) (*processSession, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("auth.api_key is required for stdio transport when auth is enabled")
	}
	p := &processSession{
		manager: manager,
		keys:    keys,
		apiKey:  apiKey,
		logger:  logger,
		done:    make(chan struct{}),
	}
	sess, err := p.establish(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("signed in", "user_id", sess.UserID, "expires_at", sess.ExpiresAt)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.refreshLoop(loopCtx, interval)
	return p, nil
}

func (p *processSession) establish(ctx context.Context) (session.Session, error) {
	userID, err := p.keys.ResolveAPIKey(ctx, p.apiKey)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: api key: %w", session.ErrUnauthenticated, err)
	}
	token, _, err := p.manager.Issuer().Issue(userID, "")
	if err != nil {
		return session.Session{}, err
	}
	return p.manager.Initialize(ctx, token)
}

// refreshLoop revalidates the profile on every tick. When the token has
// expired or the profile is gone, the API key is exchanged again; if that
// fails too the process stays signed out until a later tick succeeds.
func (p *processSession) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := p.manager.Refresh(ctx)
		if err == nil {
			continue
		}
		p.logger.Debug("session refresh failed", "error", err)
		if _, err := p.establish(ctx); err != nil {
			p.logger.Warn("session lost", "error", err)
		}
	}
}

// Close stops refreshing and signs the process out.
func (p *processSession) Close() error {
	p.cancel()
	<-p.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.manager.Teardown(ctx)
}
