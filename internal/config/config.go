// Package config loads runtime configuration from the environment.  An
// optional .env file is loaded first; explicit environment variables win.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
)

// Config holds all runtime configuration values.  Each field maps to one
// environment variable.
type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	Port     string `mapstructure:"APP_PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DBDriver       string `mapstructure:"DB_DRIVER"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPass         string `mapstructure:"DB_PASS"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBName         string `mapstructure:"DB_NAME"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBAutoMigrate  bool   `mapstructure:"DB_AUTO_MIGRATE"`
	TxMaxAttempts  int    `mapstructure:"TX_MAX_ATTEMPTS"`

	JWTSecret    string `mapstructure:"JWT_SECRET"`
	AccessTTLMin int    `mapstructure:"ACCESS_TOKEN_TTL_MIN"`

	// PatientTreatmentTracking moves patients to in_treatment while seated.
	PatientTreatmentTracking bool `mapstructure:"PATIENT_TREATMENT_TRACKING"`

	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	EventsEnabled bool   `mapstructure:"EVENTS_ENABLED"`
	StockAlertLog string `mapstructure:"STOCK_ALERT_LOG"`

	CORSOrigins []string `mapstructure:"-"`

	Redis     RedisConfig     `mapstructure:"-"`
	RateLimit RateLimitConfig `mapstructure:"-"`
	Cache     CacheConfig     `mapstructure:"-"`
}

var keys = []string{
	"APP_ENV", "APP_PORT", "LOG_LEVEL",
	"DB_DRIVER", "DB_USER", "DB_PASS", "DB_HOST", "DB_PORT", "DB_NAME", "DATABASE_URL",
	"DB_MAX_OPEN_CONNS", "DB_AUTO_MIGRATE", "TX_MAX_ATTEMPTS",
	"JWT_SECRET", "ACCESS_TOKEN_TTL_MIN",
	"PATIENT_TREATMENT_TRACKING",
	"RABBITMQ_URL", "AMQP_URL", "EVENTS_ENABLED", "STOCK_ALERT_LOG",
	"CORS_ORIGINS",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_NAME", "infusion_center")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("TX_MAX_ATTEMPTS", 3)
	v.SetDefault("ACCESS_TOKEN_TTL_MIN", 60)
	v.SetDefault("PATIENT_TREATMENT_TRACKING", true)
	v.SetDefault("EVENTS_ENABLED", true)
	v.SetDefault("STOCK_ALERT_LOG", "logs/stock_alerts.log")
	v.SetDefault("CORS_ORIGINS", "*")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.RabbitMQURL == "" {
		cfg.RabbitMQURL = v.GetString("AMQP_URL")
	}
	for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	cfg.Redis = loadRedis(v)
	cfg.RateLimit = loadRateLimit(v)
	cfg.Cache = loadCache(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool { return c.Env == "development" || c.Env == "dev" }

// Dialect returns the parsed DB_DRIVER.
func (c *Config) Dialect() database.Dialect {
	d, _ := database.ParseDialect(c.DBDriver)
	return d
}

// DatabaseOptions converts the DB_* settings into database.Options.
func (c *Config) DatabaseOptions() database.Options {
	return database.Options{
		Dialect:      c.Dialect(),
		User:         c.DBUser,
		Pass:         c.DBPass,
		Host:         c.DBHost,
		Port:         c.DBPort,
		Name:         c.DBName,
		URL:          c.DatabaseURL,
		MaxOpenConns: c.DBMaxOpenConns,
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if !c.IsDev() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters outside development (APP_ENV=%q)", c.Env)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("APP_PORT must be numeric, got %q", c.Port)
	}
	d, err := database.ParseDialect(c.DBDriver)
	if err != nil {
		return err
	}
	if d == database.SQLite && c.DatabaseURL == "" && c.DBName == "" {
		return errors.New("DATABASE_URL or DB_NAME is required for sqlite")
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1, got %d", c.TxMaxAttempts)
	}
	if c.AccessTTLMin < 1 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MIN must be at least 1, got %d", c.AccessTTLMin)
	}
	return nil
}
