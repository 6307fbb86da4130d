package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/h2a-dev/genq/internal/config"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/provider/fake"
	"github.com/h2a-dev/genq/internal/provider/fal"
	"github.com/h2a-dev/genq/internal/storage"
	"github.com/h2a-dev/genq/internal/storage/memory"
	"github.com/h2a-dev/genq/internal/storage/sqlite"
)

const (
	ProviderFal  = "fal"
	ProviderFake = "fake"
)

// OpenConfig selects the provider and the storage of the runtime.
type OpenConfig struct {
	// Provider is the provider type, fal by default.
	Provider string
	// FalKey is the fal API key, required by the fal provider.
	FalKey string
	// FakeEventInterval is the time between the events of the fake provider.
	FakeEventInterval time.Duration
	// DBPath is the SQLite task database, tasks are kept in memory if empty.
	DBPath   string
	Kinds    *kind.Registry
	Settings config.Config
	Logger   log.Logger
}

func (c *OpenConfig) defaults() error {
	if c.Provider == "" {
		c.Provider = ProviderFal
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

// Open builds the provider, the task storage and the runtime. Closing the
// returned App closes the storage too.
func Open(ctx context.Context, cfg OpenConfig) (*App, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}

	var repo storage.TaskRepository
	var closeRepo func() error
	if cfg.DBPath != "" {
		r, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: cfg.DBPath, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create repository: %w", err)
		}
		repo, closeRepo = r, r.Close
	} else {
		r, err := memory.NewRepository(memory.RepositoryConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create repository: %w", err)
		}
		repo = r
	}

	a, err := New(Config{
		Provider:   p,
		Repository: repo,
		Kinds:      cfg.Kinds,
		Settings:   cfg.Settings,
		Logger:     cfg.Logger,
	})
	if err != nil {
		if closeRepo != nil {
			_ = closeRepo()
		}
		return nil, err
	}
	a.closeRepo = closeRepo

	return a, nil
}

func newProvider(cfg OpenConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case ProviderFal:
		if cfg.FalKey == "" {
			return nil, fmt.Errorf("fal key is missing: %w", model.ErrAuthentication)
		}
		p, err := fal.NewProvider(fal.ProviderConfig{
			APIKey:            cfg.FalKey,
			QueueURL:          cfg.Settings.Provider.QueueURL,
			StorageURL:        cfg.Settings.Provider.StorageURL,
			PollInterval:      cfg.Settings.Provider.PollInterval,
			RequestsPerSecond: cfg.Settings.Provider.RequestsPerSecond,
			Logger:            cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create fal provider: %w", err)
		}
		return p, nil

	case ProviderFake:
		p, err := fake.NewProvider(fake.ProviderConfig{
			EventInterval: cfg.FakeEventInterval,
			Logger:        cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create fake provider: %w", err)
		}
		return p, nil
	}

	return nil, fmt.Errorf("unknown provider %q: %w", cfg.Provider, model.ErrNotValid)
}

// closeAll closes the manager and then the storage.
func (a *App) closeAll() error {
	err := a.manager.Close()
	if a.closeRepo != nil {
		err = errors.Join(err, a.closeRepo())
	}
	return err
}
