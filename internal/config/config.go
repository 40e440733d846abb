package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port         int    `env:"PORT"                 envDefault:"3000"`
	MasterSecret string `env:"MASTER_SECRET,required,notEmpty"`
	GinMode      string `env:"GIN_MODE"             envDefault:"release"`
	TLSCertFile  string `env:"TLS_CERT_FILE"`
	TLSKeyFile   string `env:"TLS_KEY_FILE"`
	LogLevel     string `env:"LOG_LEVEL"            envDefault:"info"`

	TokenExpirySeconds int `env:"TOKEN_EXPIRY_SECONDS" envDefault:"604800"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"./data/chat-relay.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisURL               string `env:"REDIS_URL"`
	ProfileCacheTTLSeconds int    `env:"PROFILE_CACHE_TTL_SECONDS" envDefault:"300"`

	// RequireAuth refuses realtime connections that present no token.
	RequireAuth bool `env:"REQUIRE_AUTH" envDefault:"false"`
	// CallDisconnectCleanup closes a party's in-flight calls when it goes offline.
	CallDisconnectCleanup bool `env:"CALL_DISCONNECT_CLEANUP" envDefault:"true"`

	EventRatePerSecond float64 `env:"EVENT_RATE_PER_SECOND" envDefault:"20"`
	EventBurst         int     `env:"EVENT_BURST"           envDefault:"40"`
	LoginRatePerMinute int     `env:"LOGIN_RATE_PER_MINUTE" envDefault:"10"`
}

func (c Config) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySeconds) * time.Second
}

func (c Config) ProfileCacheTTL() time.Duration {
	return time.Duration(c.ProfileCacheTTLSeconds) * time.Second
}

// SlogLevel maps LOG_LEVEL onto slog levels. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(envMap())
}

// LoadConfigFromEnv parses only the given variables, never the process env.
func LoadConfigFromEnv(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	if c.TokenExpirySeconds <= 0 {
		return fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
	}
	if c.ProfileCacheTTLSeconds < 0 {
		return fmt.Errorf("invalid PROFILE_CACHE_TTL_SECONDS")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.EventRatePerSecond < 0 || c.EventBurst < 0 || c.LoginRatePerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}
