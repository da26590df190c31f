/*
config.go - Server configuration

SOURCES (later wins):
  1. Defaults
  2. Process environment, after loading an optional .env file
  3. Command-line flags

KEYS:
  PORT                HTTP port (8080)
  DB_DRIVER           sqlite | postgres | memory (sqlite)
  DB_PATH             SQLite file, or ":memory:" (nutrition.db)
  DATABASE_URL        PostgreSQL URL, required for DB_DRIVER=postgres
  JWT_SECRET          HS256 secret of the identity provider; empty trusts X-User-ID
  STORE_TIMEOUT       Per-call store timeout (5s)
  LOG_LEVEL           debug | info | warn | error (info)
  LOG_FORMAT          console | json (console)
  RECONCILE_INTERVAL  Reconciliation queue drain interval, 0 disables (15m)
  CORS_ORIGINS        Comma-separated allowed origins (*)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port              int
	DBDriver          string
	DBPath            string
	DatabaseURL       string
	JWTSecret         string
	StoreTimeout      time.Duration
	LogLevel          string
	LogFormat         string
	ReconcileInterval time.Duration
	CORSOrigins       []string
}

func Default() Config {
	return Config{
		Port:              8080,
		DBDriver:          DriverSQLite,
		DBPath:            "nutrition.db",
		StoreTimeout:      5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		ReconcileInterval: 15 * time.Minute,
		CORSOrigins:       []string{"*"},
	}
}

// Load reads .env (if present), the environment, then args.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.Getenv, args)
}

func load(getenv func(string) string, args []string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "Store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "Per-call store timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Reconciliation interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Port = port
	}
	if v := getenv("DB_DRIVER"); v != "" {
		c.DBDriver = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	c.DatabaseURL = getenv("DATABASE_URL")
	c.JWTSecret = getenv("JWT_SECRET")
	if v := getenv("STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STORE_TIMEOUT: %w", err)
		}
		c.StoreTimeout = d
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RECONCILE_INTERVAL: %w", err)
		}
		c.ReconcileInterval = d
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must not be negative"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: zap's development config for
// console output, production config for json.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if c.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
