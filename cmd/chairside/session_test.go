package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/sqlite"
	"github.com/stretchr/testify/require"
)

func newAccounts(t *testing.T) *sqlite.AccountRepository {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() { _ = db.Close() })

	accounts := sqlite.NewAccountRepository(db)
	ctx := context.Background()
	require.NoError(t, accounts.UpsertProfile(ctx, session.Profile{UserID: "u1", DisplayName: "Dr. Reyes", Role: "dentist"}))
	require.NoError(t, accounts.AddAPIKey(ctx, "cs_local", "u1", "stdio"))
	return accounts
}

func newManager(t *testing.T, accounts *sqlite.AccountRepository, ttl time.Duration, cache session.ProfileCache) *session.Manager {
	t.Helper()
	issuer, err := session.NewIssuer("test-secret", ttl)
	require.NoError(t, err)
	return session.NewManager(issuer, accounts, cache, time.Second, nil)
}

func TestSignIn_RejectsMissingOrUnknownKey(t *testing.T) {
	ctx := context.Background()
	accounts := newAccounts(t)
	manager := newManager(t, accounts, time.Hour, nil)
	logger := slog.New(slog.DiscardHandler)

	_, err := signIn(ctx, manager, accounts, "", time.Minute, logger)
	require.ErrorContains(t, err, "auth.api_key")

	_, err = signIn(ctx, manager, accounts, "cs_wrong", time.Minute, logger)
	require.ErrorIs(t, err, session.ErrUnauthenticated)
	_, ok := manager.Current()
	require.False(t, ok)
}

func TestSignIn_RefreshesUntilClosed(t *testing.T) {
	ctx := context.Background()
	accounts := newAccounts(t)
	cache := session.NewMemoryCache(time.Hour)
	manager := newManager(t, accounts, time.Hour, cache)

	ps, err := signIn(ctx, manager, accounts, "cs_local", 10*time.Millisecond, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	sess, ok := manager.Current()
	require.True(t, ok)
	require.Equal(t, "u1", sess.UserID)
	require.Equal(t, "Dr. Reyes", sess.Profile.DisplayName)

	require.NoError(t, accounts.UpsertProfile(ctx, session.Profile{UserID: "u1", DisplayName: "Dr. A. Reyes", Role: "dentist"}))
	require.Eventually(t, func() bool {
		sess, ok := manager.Current()
		return ok && sess.Profile.DisplayName == "Dr. A. Reyes"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ps.Close())
	_, ok = manager.Current()
	require.False(t, ok)
	_, cached, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, cached)
}

func TestSignIn_ReissuesExpiredToken(t *testing.T) {
	ctx := context.Background()
	accounts := newAccounts(t)
	manager := newManager(t, accounts, time.Second, nil)

	ps, err := signIn(ctx, manager, accounts, "cs_local", 50*time.Millisecond, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer ps.Close()

	first, ok := manager.Current()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		sess, ok := manager.Current()
		return ok && sess.Token != first.Token && sess.ExpiresAt.After(first.ExpiresAt)
	}, 5*time.Second, 50*time.Millisecond)
}
