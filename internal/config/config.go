package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory  = "memory"
	BackendSurreal = "surreal"
)

// Status tracking modes. Auto probes the store.
const (
	StatusTrackingAuto = "auto"
	StatusTrackingOn   = "on"
	StatusTrackingOff  = "off"
)

// Provider is the read-only view of the configuration that components depend on.
type Provider interface {
	GetAppAddr() string
	GetStoreBackend() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
	GetTypingIdleTimeout() time.Duration
	GetPresenceStaleAfter() time.Duration
	GetStatusTracking() string
	GetTracingEnabled() bool
	GetTracingServiceName() string
	GetTracingZipkinURL() string
}

// Config holds all configuration for the application.
type Config struct {
	AppAddr      string `validate:"required"`
	StoreBackend string `validate:"oneof=memory surreal"`

	DBUrl  string `validate:"required_if=StoreBackend surreal"`
	DBNs   string `validate:"required_if=StoreBackend surreal"`
	DBDb   string `validate:"required_if=StoreBackend surreal"`
	DBUser string
	DBPass string

	DBQueryTimeout   time.Duration `validate:"gt=0"`
	DBExecuteTimeout time.Duration `validate:"gt=0"`

	TypingIdleTimeout  time.Duration `validate:"gt=0"`
	PresenceStaleAfter time.Duration `validate:"gt=0"`
	StatusTracking     string        `validate:"oneof=auto on off"`

	TracingEnabled     bool
	TracingServiceName string
	TracingZipkinURL   string `validate:"omitempty,url"`
}

// New loads configuration from a .env file, if present, and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv reads configuration from the environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		AppAddr:        getEnv("APP_ADDR", ":8080"),
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DBUrl:          os.Getenv("SURREAL_URL"),
		DBNs:           os.Getenv("SURREAL_NS"),
		DBDb:           os.Getenv("SURREAL_DB"),
		DBUser:         os.Getenv("SURREAL_USER"),
		DBPass:         os.Getenv("SURREAL_PASS"),
		StatusTracking: strings.ToLower(getEnv("STATUS_TRACKING", StatusTrackingAuto)),

		TracingServiceName: getEnv("PUBSUB_TRACING_SERVICE_NAME", "dmsync"),
		TracingZipkinURL:   getEnv("PUBSUB_TRACING_ZIPKIN_URL", "http://localhost:9411/api/v2/spans"),
	}

	var err error
	if raw := strings.TrimSpace(os.Getenv("PUBSUB_TRACING_ENABLED")); raw != "" {
		if cfg.TracingEnabled, err = strconv.ParseBool(raw); err != nil {
			return nil, fmt.Errorf("PUBSUB_TRACING_ENABLED: %w", err)
		}
	}
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"DB_QUERY_TIMEOUT", 5 * time.Second, &cfg.DBQueryTimeout},
		{"DB_EXECUTE_TIMEOUT", 10 * time.Second, &cfg.DBExecuteTimeout},
		{"TYPING_IDLE_TIMEOUT", 2 * time.Second, &cfg.TypingIdleTimeout},
		{"PRESENCE_STALE_AFTER", 10 * time.Second, &cfg.PresenceStaleAfter},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) GetAppAddr() string                   { return c.AppAddr }
func (c *Config) GetStoreBackend() string              { return c.StoreBackend }
func (c *Config) GetDBURL() string                     { return c.DBUrl }
func (c *Config) GetDBNs() string                      { return c.DBNs }
func (c *Config) GetDBDb() string                      { return c.DBDb }
func (c *Config) GetDBUser() string                    { return c.DBUser }
func (c *Config) GetDBPass() string                    { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration     { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration   { return c.DBExecuteTimeout }
func (c *Config) GetTypingIdleTimeout() time.Duration  { return c.TypingIdleTimeout }
func (c *Config) GetPresenceStaleAfter() time.Duration { return c.PresenceStaleAfter }
func (c *Config) GetStatusTracking() string            { return c.StatusTracking }
func (c *Config) GetTracingEnabled() bool              { return c.TracingEnabled }
func (c *Config) GetTracingServiceName() string        { return c.TracingServiceName }
func (c *Config) GetTracingZipkinURL() string          { return c.TracingZipkinURL }

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("2s") or a bare number of milliseconds.
func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
