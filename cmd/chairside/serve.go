package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/chairside/internal/config"
	"github.com/rpggio/chairside/internal/fixtures"
	"github.com/rpggio/chairside/internal/mcp"
	"github.com/rpggio/chairside/internal/metrics"
	"github.com/rpggio/chairside/internal/syncstore"
	"github.com/rpggio/chairside/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API, change streams and MCP tools",
	Long: `Start chairside against the configured gateway.

In http mode the server exposes:
  /v1/collections/{collection}          query, insert, update, delete
  /v1/collections/{collection}/changes  WebSocket change events
  /v1/watch/{collection}                server-sent snapshots of a shared view
  /mcp                                  MCP tools (streamable HTTP)
  /metrics                              Prometheus metrics

In stdio mode only the MCP tools are served, on stdin/stdout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stdio := cfg.Transport.Mode == "stdio"
	logger, closeLog := newLogger(cfg, stdio)
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	seeds, err := loadSeeds(cfg)
	if err != nil {
		return err
	}
	strategies, err := parseStrategies(cfg.Sync.Strategies)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	registry := syncstore.NewRegistry(b.gw, syncstore.RegistryOptions{
		Seeds:      seeds,
		Logger:     logger,
		Metrics:    recorder,
		Strategies: strategies,
	})
	defer registry.Close()

	srvCfg := transport.Config{
		Gateway:  b.gw,
		Registry: registry,
		Metrics:  recorder,
		Logger:   logger,
	}
	mcpCfg := mcp.Config{
		Registry:      registry,
		AuthEnabled:   cfg.Auth.Enabled,
		TransportMode: cfg.Transport.Mode,
		Version:       version,
		Logger:        logger,
	}
	if cfg.Auth.Enabled {
		manager, err := sessionManager(cfg, b, logger)
		if err != nil {
			return fmt.Errorf("session setup: %w", err)
		}
		srvCfg.Auth = manager
		srvCfg.Issuer = manager.Issuer()
		srvCfg.APIKeys = b.accounts
		mcpCfg.Auth = manager

		if stdio {
			ps, err := signIn(ctx, manager, b.accounts, cfg.Auth.APIKey, cfg.Auth.RefreshInterval, logger)
			if err != nil {
				return fmt.Errorf("stdio sign-in: %w", err)
			}
			defer func() {
				if err := ps.Close(); err != nil {
					logger.Warn("sign-out failed", "error", err)
				}
			}()
			mcpCfg.Session = manager
		}
	}
	mcpServer := mcp.NewServer(mcpCfg)

	if stdio {
		return runStdio(ctx, logger, mcpServer, cfg.Auth.Enabled)
	}
	srvCfg.MCP = mcp.NewHTTPHandler(mcpServer)
	return runHTTP(ctx, cfg, logger, transport.NewServer(srvCfg))
}

func runStdio(ctx context.Context, logger *slog.Logger, server *sdkmcp.Server, auth bool) error {
	logger.Info("starting stdio transport", "auth", auth)
	// Run blocks until stdin closes or ctx is cancelled.
	if err := server.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func runHTTP(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived streams observe shutdown through their request context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr, "auth", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func loadSeeds(cfg config.Config) (syncstore.SeedProvider, error) {
	if cfg.Sync.FixturesPath == "" {
		return nil, nil
	}
	p, err := fixtures.Load(cfg.Sync.FixturesPath)
	if err != nil {
		return nil, fmt.Errorf("load fixtures: %w", err)
	}
	return p, nil
}

func parseStrategies(raw map[string]string) (map[string]syncstore.Strategy, error) {
	out := make(map[string]syncstore.Strategy, len(raw))
	for collection, name := range raw {
		s, err := syncstore.ParseStrategy(name)
		if err != nil {
			return nil, fmt.Errorf("sync.strategies[%s]: %w", collection, err)
		}
		out[collection] = s
	}
	return out, nil
}
