package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Provider is the read-only view of the configuration handed to the rest of
// the application. Consumers depend on this interface, not on the concrete
// Config, so tests can substitute fixed values.
type Provider interface {
	GetHTTPAddr() string
	GetDataDir() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBAccess() string
	GetRequestTimeout() time.Duration
}

// Config holds all configuration for the application.
type Config struct {
	HTTPAddr       string `validate:"required"`
	DataDir        string `validate:"required"`
	DBURL          string `validate:"required,url"`
	DBNs           string `validate:"required"`
	DBDb           string `validate:"required"`
	DBAccess       string `validate:"required"`
	RequestTimeout time.Duration
}

// New loads configuration from the environment. A .env file is honored when
// present but never required.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DataDir:  getEnv("DATA_DIR", "data"),
		DBURL:    os.Getenv("SURREAL_URL"),
		DBNs:     os.Getenv("SURREAL_NS"),
		DBDb:     os.Getenv("SURREAL_DB"),
		DBAccess: getEnv("SURREAL_ACCESS", "account"),
	}

	timeout := getEnv("REQUEST_TIMEOUT", "15s")
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT %q: %w", timeout, err)
	}
	cfg.RequestTimeout = d

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) GetHTTPAddr() string              { return c.HTTPAddr }
func (c *Config) GetDataDir() string               { return c.DataDir }
func (c *Config) GetDBURL() string                 { return c.DBURL }
func (c *Config) GetDBNs() string                  { return c.DBNs }
func (c *Config) GetDBDb() string                  { return c.DBDb }
func (c *Config) GetDBAccess() string              { return c.DBAccess }
func (c *Config) GetRequestTimeout() time.Duration { return c.RequestTimeout }
