package lib

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/config"
	"github.com/h2a-dev/genq/internal/conventions"
	"github.com/h2a-dev/genq/internal/log"
)

// Config configures the SDK client.
//
// All fields are optional and have sensible defaults. At minimum, an empty
// Config{} will use ~/.genq/genq.db for storage and the fal provider with the
// key from the FAL_KEY environment variable.
type Config struct {
	// DataDir is the base directory for genq data (database, configuration).
	// Default: ~/.genq.
	DataDir string

	// DBPath is the SQLite database path.
	// Default: <DataDir>/genq.db.
	DBPath string

	// InMemory keeps the tasks in memory instead of the SQLite database. They
	// are lost when the client is closed.
	InMemory bool

	// ConfigFile is the YAML tuning of the runtime (retries, circuit breaker,
	// upload cache...). A missing file uses the defaults.
	// Default: <DataDir>/config.yaml.
	ConfigFile string

	// Provider selects the provider implementation.
	// Default: [ProviderFal].
	Provider ProviderType

	// FalKey is the fal API key.
	// Default: the FAL_KEY environment variable.
	FalKey string

	// FakeEventInterval is the time between the events of the fake provider.
	// Only used when Provider is [ProviderFake].
	FakeEventInterval time.Duration

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		c.DataDir = conventions.HomeDataDir()
	}

	if c.DBPath == "" {
		c.DBPath = conventions.DBPath(c.DataDir)
	}

	if c.ConfigFile == "" {
		c.ConfigFile = conventions.ConfigPath(c.DataDir)
	}

	if c.Provider == "" {
		c.Provider = ProviderFal
	}

	if c.FalKey == "" {
		c.FalKey = os.Getenv(conventions.FalKeyEnv)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Client is the main SDK entry point for managing generation tasks.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	app    *app.App
	logger log.Logger
}

// New creates a new SDK client.
//
// The caller must call [Client.Close] when done to stop the background
// tracking and release the database connection. Typically used with defer:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	settings, err := config.LoadFile(ctx, cfg.ConfigFile)
	if err != nil {
		return nil, mapError(fmt.Errorf("could not load config: %w", err))
	}

	dbPath := cfg.DBPath
	if cfg.InMemory {
		dbPath = ""
	} else if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data dir: %w", err)
	}

	a, err := app.Open(ctx, app.OpenConfig{
		Provider:          string(cfg.Provider),
		FalKey:            cfg.FalKey,
		FakeEventInterval: cfg.FakeEventInterval,
		DBPath:            dbPath,
		Settings:          settings,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &Client{
		app:    a,
		logger: cfg.Logger,
	}, nil
}

// Recover resumes the background tracking of the stored tasks that didn't
// finish in a previous run. It returns the number of resumed tasks.
func (c *Client) Recover(ctx context.Context) (int, error) {
	n, err := c.app.Recover(ctx)
	return n, mapError(err)
}

// Close stops the background tracking and releases the database connection.
// Unfinished tasks are kept and can be resumed with [Client.Recover].
// After Close returns, the client must not be used.
func (c *Client) Close() error {
	return c.app.Close()
}
