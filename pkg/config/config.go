package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"caseace/pkg/logger"
)

// Config holds every runtime setting. Values come from an optional YAML file
// and are then overridden by environment variables.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	AppURL   string `yaml:"app_url"`

	// DBDSN is a Postgres DSN. When empty the server runs on the SQLite
	// file at DBSQLitePath.
	DBDSN         string `yaml:"db_dsn"`
	DBSQLitePath  string `yaml:"db_sqlite_path"`
	DBAutoMigrate bool   `yaml:"db_auto_migrate"`

	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	CookieSecure    bool          `yaml:"cookie_secure"`

	UploadBase  string `yaml:"upload_base"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
	DocumentOCR bool   `yaml:"document_ocr"`

	// TaxRate is the flat rate applied to invoice subtotals.
	TaxRate    decimal.Decimal `yaml:"-"`
	TaxRateRaw string          `yaml:"tax_rate"`

	SMTP SMTPConfig `yaml:"smtp"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogTimeFormat string `yaml:"log_time_format"`
	LogOutput     string `yaml:"log_output"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled reports whether outgoing mail is configured.
func (s SMTPConfig) Enabled() bool { return s.Host != "" && s.From != "" }

const devJWTSecret = "dev-insecure-secret-change"

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		HTTPAddr:        ":8081",
		AppURL:          "http://localhost:3000",
		DBSQLitePath:    "caseace.db",
		DBAutoMigrate:   true,
		JWTSecret:       devJWTSecret,
		AccessTokenTTL:  24 * time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		UploadBase:      "uploads",
		MaxUploadMB:     20,
		TaxRateRaw:      "0.10",
		TaxRate:         decimal.RequireFromString("0.10"),
		SMTP:            SMTPConfig{Port: 587},
		LogLevel:        "info",
		LogFormat:       "console",
		LogTimeFormat:   time.RFC3339,
		LogOutput:       "stdout",
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(cfg.TaxRateRaw)
	if err != nil {
		return nil, fmt.Errorf("TAX_RATE: %w", err)
	}
	cfg.TaxRate = rate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.AppURL = getEnv("APP_URL", c.AppURL)
	c.DBDSN = getEnv("DB_DSN", c.DBDSN)
	c.DBSQLitePath = getEnv("DB_SQLITE_PATH", c.DBSQLitePath)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.UploadBase = getEnv("UPLOAD_BASE", c.UploadBase)
	c.TaxRateRaw = getEnv("TAX_RATE", c.TaxRateRaw)
	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Username = getEnv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.From)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogTimeFormat = getEnv("LOG_TIME_FORMAT", c.LogTimeFormat)
	c.LogOutput = getEnv("LOG_OUTPUT", c.LogOutput)

	var err error
	if c.DBAutoMigrate, err = getBool("DB_AUTO_MIGRATE", c.DBAutoMigrate); err != nil {
		return err
	}
	if c.CookieSecure, err = getBool("COOKIE_SECURE", c.CookieSecure); err != nil {
		return err
	}
	if c.DocumentOCR, err = getBool("DOCUMENT_OCR", c.DocumentOCR); err != nil {
		return err
	}
	if c.AccessTokenTTL, err = getDuration("ACCESS_TOKEN_TTL", c.AccessTokenTTL); err != nil {
		return err
	}
	if c.RefreshTokenTTL, err = getDuration("REFRESH_TOKEN_TTL", c.RefreshTokenTTL); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		c.SMTP.Port = p
	}
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		c.MaxUploadMB = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.SMTP.Host != "" && (c.SMTP.Port <= 0 || c.SMTP.Port > 65535) {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTP.Port)
	}
	if c.TaxRate.IsNegative() {
		return fmt.Errorf("TAX_RATE must not be negative")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	return nil
}

// UsesDevSecret is true when JWT_SECRET was never set.
func (c *Config) UsesDevSecret() bool { return c.JWTSecret == devJWTSecret }

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return def, fmt.Errorf("%s: invalid boolean %q", key, v)
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
