// Package testserver runs a complete chairside HTTP server over an in-memory
// SQLite gateway for end-to-end tests.
package testserver

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/mcp"
	"github.com/rpggio/chairside/internal/metrics"
	"github.com/rpggio/chairside/internal/remote"
	"github.com/rpggio/chairside/internal/sqlite"
	"github.com/rpggio/chairside/internal/syncstore"
	"github.com/rpggio/chairside/internal/transport"
	"github.com/stretchr/testify/require"
)

const secret = "testserver-secret"

type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Gateway  *sqlite.Gateway
	Accounts *sqlite.AccountRepository
	Registry *syncstore.Registry
	Issuer   *session.Issuer

	// Token is a bearer token for UserID.
	Token  string
	UserID string
}

// New starts a server with authentication enabled and a profile for userID.
func New(t *testing.T, userID string) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	gw := sqlite.NewGateway(db, nil)
	accounts := sqlite.NewAccountRepository(db)
	require.NoError(t, accounts.UpsertProfile(context.Background(), session.Profile{
		UserID:      userID,
		DisplayName: "Test User",
		Role:        "staff",
	}))

	issuer, err := session.NewIssuer(secret, time.Hour)
	require.NoError(t, err)
	manager := session.NewManager(issuer, accounts, session.NewMemoryCache(time.Minute), time.Second, nil)

	registry := syncstore.NewRegistry(gw, syncstore.RegistryOptions{})
	mcpServer := mcp.NewServer(mcp.Config{
		Registry:      registry,
		Auth:          manager,
		AuthEnabled:   true,
		TransportMode: "http",
	})

	server := httptest.NewServer(transport.NewServer(transport.Config{
		Gateway:      gw,
		Registry:     registry,
		Auth:         manager,
		Issuer:       issuer,
		APIKeys:      accounts,
		Metrics:      metrics.NewRecorder(),
		MCP:          mcp.NewHTTPHandler(mcpServer),
		PingInterval: 100 * time.Millisecond,
	}))

	token, _, err := issuer.Issue(userID, "staff")
	require.NoError(t, err)

	ts := &TestServer{
		Server:   server,
		DB:       db,
		Gateway:  gw,
		Accounts: accounts,
		Registry: registry,
		Issuer:   issuer,
		Token:    token,
		UserID:   userID,
	}

	t.Cleanup(func() {
		registry.Close()
		_ = gw.Close()
		server.Close()
		_ = db.Close()
	})

	return ts
}

// AddAPIKey registers a long-lived key for userID.
func (ts *TestServer) AddAPIKey(key, userID string) error {
	return ts.Accounts.AddAPIKey(context.Background(), key, userID, "test")
}

// Client returns a remote gateway client authenticated as the server's user.
func (ts *TestServer) Client(t *testing.T) *remote.Client {
	t.Helper()
	c, err := remote.New(ts.Server.URL, ts.Token)
	require.NoError(t, err)
	return c
}
