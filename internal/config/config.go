// Package config loads the optional YAML tuning of genq.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the tuning of the task runtime. Zero values use the component defaults.
type Config struct {
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	UploadCache UploadCacheConfig `yaml:"upload_cache"`
	Queue       QueueConfig       `yaml:"queue"`
	Batch       BatchConfig       `yaml:"batch"`
	Provider    ProviderConfig    `yaml:"provider"`
	Server      ServerConfig      `yaml:"server"`
}

// RetryConfig is the retry policy of the provider submissions and uploads.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0,lte=20"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
	Base         float64       `yaml:"base" validate:"omitempty,gte=1"`
	// Jitter is enabled unless explicitly disabled.
	Jitter *bool `yaml:"jitter"`
}

// BreakerConfig is the circuit breaker policy per provider endpoint.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" validate:"gte=0"`
}

// UploadCacheConfig bounds the uploaded inputs cache.
type UploadCacheConfig struct {
	MaxSize int `yaml:"max_size" validate:"gte=0"`
	// TTL of the entries, negative disables expiration.
	TTL time.Duration `yaml:"ttl"`
}

// QueueConfig is the task manager configuration.
type QueueConfig struct {
	// MaxDuration of a task, negative disables the watchdog.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// BatchConfig is the batch submission configuration.
type BatchConfig struct {
	// Concurrency is the number of batch items submitted at the same time.
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=10"`
}

// ProviderConfig is the fal provider configuration.
type ProviderConfig struct {
	QueueURL          string        `yaml:"queue_url" validate:"omitempty,url"`
	StorageURL        string        `yaml:"storage_url" validate:"omitempty,url"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

// ServerConfig is the HTTP API server configuration.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"omitempty,hostname_port"`
}

// JitterEnabled returns if the retries use jitter.
func (c RetryConfig) JitterEnabled() bool { return c.Jitter == nil || *c.Jitter }

// YAMLRepository loads the configuration from YAML files.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository creates a new YAML config repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetConfig loads the configuration from a YAML file and validates it.
func (r *YAMLRepository) GetConfig(ctx context.Context, path string) (Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return Config{}, ctx.Err()
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads the configuration from a YAML file path. A missing file is
// not an error, the zero configuration is returned.
func LoadFile(ctx context.Context, path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not resolve config path: %w", err)
	}

	return NewYAMLRepository(os.DirFS(filepath.Dir(abs))).GetConfig(ctx, filepath.Base(abs))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry max_delay (%s) can't be lower than initial_delay (%s)", c.Retry.MaxDelay, c.Retry.InitialDelay)
	}
	return nil
}
