package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(map[string]string{"MASTER_SECRET": "x"})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenExpiry())
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.ProfileCacheTTL())
	assert.True(t, cfg.CallDisconnectCleanup)
	assert.False(t, cfg.RequireAuth)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.InDelta(t, 20.0, cfg.EventRatePerSecond, 0.001)
	assert.Equal(t, 40, cfg.EventBurst)
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(map[string]string{})
	assert.Error(t, err)

	_, err = LoadConfigFromEnv(map[string]string{"MASTER_SECRET": ""})
	assert.Error(t, err)
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(map[string]string{
		"MASTER_SECRET":           "x",
		"PORT":                    "1234",
		"LOG_LEVEL":               "DEBUG",
		"STORE_DRIVER":            "sqlite",
		"SQLITE_PATH":             "/tmp/relay.db",
		"REQUIRE_AUTH":            "true",
		"CALL_DISCONNECT_CLEANUP": "false",
		"TOKEN_EXPIRY_SECONDS":    "60",
	})
	require.NoError(t, err)

	assert.Equal(t, 1234, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/relay.db", cfg.SQLitePath)
	assert.True(t, cfg.RequireAuth)
	assert.False(t, cfg.CallDisconnectCleanup)
	assert.Equal(t, time.Minute, cfg.TokenExpiry())
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"port not a number":  {"PORT": "abc"},
		"port out of range":  {"PORT": "70000"},
		"zero expiry":        {"TOKEN_EXPIRY_SECONDS": "0"},
		"unknown driver":     {"STORE_DRIVER": "mongo"},
		"postgres needs url": {"STORE_DRIVER": "postgres"},
		"half tls":           {"TLS_CERT_FILE": "cert.pem"},
		"negative burst":     {"EVENT_BURST": "-1"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			vars["MASTER_SECRET"] = "x"
			_, err := LoadConfigFromEnv(vars)
			assert.Error(t, err)
		})
	}
}
