package mcp

import (
	"log/slog"

	"github.com/rpggio/chairside/internal/syncstore"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Config contains server configuration.
type Config struct {
	Registry      *syncstore.Registry
	Auth          Authenticator
	AuthEnabled   bool
	// Session, when set in stdio mode, is the identity every call runs as.
	Session       SessionSource
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "chairside",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       logger,
	})

	registerDocResources(server)

	// Stdio has no request headers: calls run as the process session.
	switch {
	case cfg.TransportMode == "stdio" && cfg.AuthEnabled && cfg.Session != nil:
		server.AddReceivingMiddleware(sessionMiddleware(cfg.Session))
	case cfg.TransportMode == "stdio" || !cfg.AuthEnabled || cfg.Auth == nil:
		server.AddReceivingMiddleware(noAuthMiddleware("local"))
	default:
		server.AddReceivingMiddleware(authMiddleware(cfg.Auth))
	}
	server.AddReceivingMiddleware(trafficLoggingMiddleware(logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(logger, "outbound"))

	registerTools(server, cfg.Registry, logger)

	return server
}
