package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Remote    RemoteConfig    `yaml:"remote"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DBConfig selects the gateway backend. Driver is "sqlite" or "postgres".
type DBConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Secret    string        `yaml:"secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	// APIKey signs a stdio server in as the key's user. RefreshInterval
	// paces revalidation of that session.
	APIKey          string        `yaml:"api_key"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// TransportConfig selects how the MCP tool surface is served: "http" mounts
// it beside the REST API, "stdio" speaks JSON-RPC on stdin/stdout.
type TransportConfig struct {
	Mode string `yaml:"mode"`
}

type SyncConfig struct {
	FixturesPath string            `yaml:"fixtures_path"`
	Strategies   map[string]string `yaml:"strategies"`
}

// RemoteConfig points CLI commands at a running chairside server.
type RemoteConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		DB: DBConfig{
			Driver: "sqlite",
			Path:   "chairside.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
			Timeout:  5 * time.Second,
			CacheTTL: time.Hour,

			RefreshInterval: 5 * time.Minute,
		},
		Transport: TransportConfig{
			Mode: "http",
		},
		Remote: RemoteConfig{
			URL: "http://localhost:8080",
		},
	}

	if path := os.Getenv("CHAIRSIDE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("CHAIRSIDE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("CHAIRSIDE_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHAIRSIDE_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if driver := os.Getenv("CHAIRSIDE_DB_DRIVER"); driver != "" {
		cfg.DB.Driver = driver
	}
	if dbPath := os.Getenv("CHAIRSIDE_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if dsn := os.Getenv("CHAIRSIDE_DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if level := os.Getenv("CHAIRSIDE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if logPath := os.Getenv("CHAIRSIDE_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if enabled := os.Getenv("CHAIRSIDE_AUTH_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHAIRSIDE_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if secret := os.Getenv("CHAIRSIDE_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if key := os.Getenv("CHAIRSIDE_AUTH_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}
	if addr := os.Getenv("CHAIRSIDE_AUTH_REDIS_ADDR"); addr != "" {
		cfg.Auth.RedisAddr = addr
	}
	if timeout := os.Getenv("CHAIRSIDE_AUTH_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHAIRSIDE_AUTH_TIMEOUT: %w", err)
		}
		cfg.Auth.Timeout = d
	}
	if mode := os.Getenv("CHAIRSIDE_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if fixtures := os.Getenv("CHAIRSIDE_FIXTURES_PATH"); fixtures != "" {
		cfg.Sync.FixturesPath = fixtures
	}
	if url := os.Getenv("CHAIRSIDE_REMOTE_URL"); url != "" {
		cfg.Remote.URL = url
	}
	if token := os.Getenv("CHAIRSIDE_REMOTE_TOKEN"); token != "" {
		cfg.Remote.Token = token
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DB.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.DB.DSN) == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Transport.Mode {
	case "http", "stdio":
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}
	if c.Auth.RefreshInterval <= 0 {
		return fmt.Errorf("auth.refresh_interval must be positive")
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
