package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/rpggio/chairside/internal/config"
	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/postgres"
	"github.com/rpggio/chairside/internal/sqlite"
)

// backend bundles the data gateway with the SQLite database that holds
// profiles and API keys. With the postgres driver the records live in
// Postgres while accounts stay in the local SQLite file.
type backend struct {
	gw       gateway.Gateway
	db       *sqlite.DB
	accounts *sqlite.AccountRepository
	closers  []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	if err := ensureDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	b := &backend{db: db, accounts: sqlite.NewAccountRepository(db)}
	b.closers = append(b.closers, db.Close)

	if err := db.RunMigrations(); err != nil {
		b.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	switch cfg.DB.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.DB.DSN, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open postgres gateway: %w", err)
		}
		b.gw = pg
		b.closers = append(b.closers, pg.Close)
	default:
		lite := sqlite.NewGateway(db, logger)
		b.gw = lite
		b.closers = append(b.closers, lite.Close)
	}
	logger.Info("gateway ready", "driver", cfg.DB.Driver)
	return b, nil
}

// sessionManager wires token verification, the profile source and the
// profile cache. Redis is used when configured.
func sessionManager(cfg config.Config, b *backend, logger *slog.Logger) (*session.Manager, error) {
	issuer, err := session.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	var cache session.ProfileCache = session.NewMemoryCache(cfg.Auth.CacheTTL)
	if cfg.Auth.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		b.closers = append(b.closers, client.Close)
		cache = session.NewRedisCache(client, cfg.Auth.CacheTTL)
		logger.Info("profile cache", "backend", "redis", "addr", cfg.Auth.RedisAddr)
	}

	return session.NewManager(issuer, b.accounts, cache, cfg.Auth.Timeout, logger), nil
}
