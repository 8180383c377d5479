package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHAIRSIDE_CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.DB.Driver)
	require.Equal(t, "chairside.db", cfg.DB.Path)
	require.Equal(t, "http", cfg.Transport.Mode)
	require.Equal(t, 5*time.Second, cfg.Auth.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Auth.RefreshInterval)
	require.False(t, cfg.Auth.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chairside.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
db:
  driver: postgres
  dsn: postgres://localhost/chairside
auth:
  enabled: true
  secret: from-file
  timeout: 250ms
  refresh_interval: 30s
sync:
  fixtures_path: fixtures.yaml
  strategies:
    lab_scripts: refetch
`), 0o600))

	t.Setenv("CHAIRSIDE_CONFIG_PATH", path)
	t.Setenv("CHAIRSIDE_SERVER_PORT", "9100")
	t.Setenv("CHAIRSIDE_AUTH_SECRET", "from-env")
	t.Setenv("CHAIRSIDE_AUTH_API_KEY", "cs_local")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Driver)
	require.Equal(t, "from-env", cfg.Auth.Secret)
	require.Equal(t, 250*time.Millisecond, cfg.Auth.Timeout)
	require.Equal(t, 30*time.Second, cfg.Auth.RefreshInterval)
	require.Equal(t, "cs_local", cfg.Auth.APIKey)
	require.Equal(t, "refetch", cfg.Sync.Strategies["lab_scripts"])
	require.Equal(t, "fixtures.yaml", cfg.Sync.FixturesPath)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CHAIRSIDE_CONFIG_PATH", "")

	t.Setenv("CHAIRSIDE_SERVER_PORT", "eighty")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("CHAIRSIDE_SERVER_PORT", "")
	t.Setenv("CHAIRSIDE_DB_DRIVER", "postgres")
	_, err = Load()
	require.ErrorContains(t, err, "db.dsn")

	t.Setenv("CHAIRSIDE_DB_DRIVER", "")
	t.Setenv("CHAIRSIDE_AUTH_ENABLED", "true")
	_, err = Load()
	require.ErrorContains(t, err, "auth.secret")
}
