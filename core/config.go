package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoggingConfig governs the ambient logger. Format "" auto-detects.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:""`
}

// StoreConfig is the Job Store's connection surface.
type StoreConfig struct {
	DriverName   string `env:"STORE_DRIVER" default:"postgres"`
	DSN          string `env:"STORE_DSN" default:""`
	MaxOpenConns int    `env:"STORE_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns int    `env:"STORE_MAX_IDLE_CONNS" default:"5"`
}

// Config is the engine's single configuration surface (§6). Fields carry
// env/default tags that document each variable and default; the tags are not
// read at runtime. DefaultConfig sets the defaults, LoadFromEnv reads the
// recognised variables by name, then functional Options override (highest
// priority). STORE_DRIVER, STORE_MAX_OPEN_CONNS and STORE_MAX_IDLE_CONNS are
// not read from the environment.
type Config struct {
	// MaxConcurrentTargets caps the per-Execution Branch Executor semaphore.
	MaxConcurrentTargets int `env:"MAX_CONCURRENT_TARGETS" default:"50"`

	// ConnectionTimeout bounds establishing a transport session.
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" default:"30s"`

	// CommandTimeout bounds a single Remote Executor.Execute call.
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" default:"300s"`

	// EnableRetry toggles the Retry Policy; when false, RetriableFailure
	// classifications degrade to FatalFailure.
	EnableRetry bool `env:"ENABLE_RETRY" default:"true"`

	// MaxRetries caps retriable attempts per action.
	MaxRetries int `env:"MAX_RETRIES" default:"3"`

	// RetryBackoffBase is the base of base**k second delays.
	RetryBackoffBase float64 `env:"RETRY_BACKOFF_BASE" default:"2.0"`

	ServiceName string `env:"SERVICE_NAME" default:"fleet-conductor"`
	Logging     LoggingConfig
	Store       StoreConfig

	logger Logger
}

// Option mutates a Config after defaults and environment have been applied.
type Option func(*Config) error

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTargets: 50,
		ConnectionTimeout:    30 * time.Second,
		CommandTimeout:       300 * time.Second,
		EnableRetry:          true,
		MaxRetries:           3,
		RetryBackoffBase:     2.0,
		ServiceName:          "fleet-conductor",
		Logging:              LoggingConfig{Level: "info"},
		Store: StoreConfig{
			DriverName:   "postgres",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
	}
}

// LoadFromEnv overlays recognised environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MAX_CONCURRENT_TARGETS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONCURRENT_TARGETS: %w", err)
		}
		c.MaxConcurrentTargets = n
	}
	if v := os.Getenv("CONNECTION_TIMEOUT"); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("CONNECTION_TIMEOUT: %w", err)
		}
		c.ConnectionTimeout = d
	}
	if v := os.Getenv("COMMAND_TIMEOUT"); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("COMMAND_TIMEOUT: %w", err)
		}
		c.CommandTimeout = d
	}
	if v := os.Getenv("ENABLE_RETRY"); v != "" {
		c.EnableRetry = v == "true" || v == "1"
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv("RETRY_BACKOFF_BASE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RETRY_BACKOFF_BASE: %w", err)
		}
		c.RetryBackoffBase = f
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	return nil
}

func parseSecondsOrDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Validate checks the invariants the rest of the engine assumes hold.
func (c *Config) Validate() error {
	if c.MaxConcurrentTargets < 1 {
		return NewValidationError("Config.Validate", "max_concurrent_targets must be >= 1")
	}
	if c.ConnectionTimeout <= 0 {
		return NewValidationError("Config.Validate", "connection_timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return NewValidationError("Config.Validate", "command_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return NewValidationError("Config.Validate", "max_retries must be >= 0")
	}
	if c.RetryBackoffBase <= 1.0 {
		return NewValidationError("Config.Validate", "retry_backoff_base must be > 1.0")
	}
	return nil
}

// NewConfig builds a Config: defaults, then environment, then Options.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.ServiceName)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Logger returns the configured Logger, defaulting to ProductionLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NewProductionLogger(c.Logging, c.ServiceName)
	}
	return c.logger
}

func WithMaxConcurrentTargets(n int) Option {
	return func(c *Config) error { c.MaxConcurrentTargets = n; return nil }
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) error { c.ConnectionTimeout = d; return nil }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) error { c.CommandTimeout = d; return nil }
}

func WithRetry(enabled bool, maxRetries int, backoffBase float64) Option {
	return func(c *Config) error {
		c.EnableRetry = enabled
		c.MaxRetries = maxRetries
		c.RetryBackoffBase = backoffBase
		return nil
	}
}

func WithStoreDSN(driver, dsn string) Option {
	return func(c *Config) error {
		c.Store.DriverName = driver
		c.Store.DSN = dsn
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

func WithServiceName(name string) Option {
	return func(c *Config) error { c.ServiceName = name; return nil }
}
