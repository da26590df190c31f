package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(env(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvironmentThenFlags(t *testing.T) {
	// GIVEN: Values in the environment
	vars := map[string]string{
		"PORT":               "9090",
		"DB_DRIVER":          "postgres",
		"DATABASE_URL":       "postgres://localhost/ledger",
		"JWT_SECRET":         "s3cret",
		"STORE_TIMEOUT":      "2s",
		"RECONCILE_INTERVAL": "0",
		"CORS_ORIGINS":       "https://app.example.com, http://localhost:3000",
	}

	// WHEN: A flag overrides the port
	cfg, err := load(env(vars), []string{"-port", "7000"})

	// THEN: Flags win over env, env wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/ledger", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Zero(t, cfg.ReconcileInterval)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := load(env(map[string]string{"STORE_TIMEOUT": "soon"}), nil)
	assert.ErrorContains(t, err, "STORE_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory", func(c *Config) { c.DBDriver = DriverMemory }, ""},
		{"unknown driver", func(c *Config) { c.DBDriver = "mongo" }, "unknown DB_DRIVER"},
		{"postgres without url", func(c *Config) { c.DBDriver = DriverPostgres }, "DATABASE_URL"},
		{"bad port", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}
