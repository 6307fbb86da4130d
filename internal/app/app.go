// Package app wires the task runtime and exposes the caller facing operations
// shared by the CLI, the HTTP API and the public library.
package app

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/h2a-dev/genq/internal/breaker"
	"github.com/h2a-dev/genq/internal/config"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/queue"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/retry"
	"github.com/h2a-dev/genq/internal/storage"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// ActiveStatuses are the statuses listed when the caller doesn't ask for finished tasks.
var ActiveStatuses = []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress}

// Config is the configuration of the application.
type Config struct {
	Provider provider.Provider
	// Repository stores the tasks, in memory if missing.
	Repository storage.TaskRepository
	// Kinds are the supported job kinds, the builtin ones by default.
	Kinds *kind.Registry
	// Settings is the runtime tuning, zero values use the component defaults.
	Settings config.Config
	// Sleep replaces the retry waits, used by tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if c.Kinds == nil {
		c.Kinds = kind.NewBuiltinRegistry()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

// App is the task runtime: the queue manager and the resilient client on top of a provider.
type App struct {
	manager   *queue.Manager
	client    *resilient.Client
	cache     *uploadcache.Cache
	closeRepo func() error
	logger    log.Logger
}

// New builds the runtime from the configuration.
func New(cfg Config) (*App, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := cfg.Settings

	rty, err := retry.NewExecutor(retry.Config{
		MaxAttempts:  s.Retry.MaxAttempts,
		InitialDelay: s.Retry.InitialDelay,
		MaxDelay:     s.Retry.MaxDelay,
		Base:         s.Retry.Base,
		Jitter:       s.Retry.JitterEnabled(),
		Retryable:    model.IsRetryable,
		DelayHint:    model.RetryAfter,
		Sleep:        cfg.Sleep,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create retry executor: %w", err)
	}

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: s.Breaker.FailureThreshold,
		RecoveryTimeout:  s.Breaker.RecoveryTimeout,
		IsFailure:        resilient.IsProviderHealthFailure,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create circuit breaker: %w", err)
	}

	cache, err := uploadcache.New(uploadcache.Config{
		MaxSize: s.UploadCache.MaxSize,
		TTL:     s.UploadCache.TTL,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create upload cache: %w", err)
	}

	manager, err := queue.NewManager(queue.ManagerConfig{
		Provider:    cfg.Provider,
		Repository:  cfg.Repository,
		MaxDuration: s.Queue.MaxDuration,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create task manager: %w", err)
	}

	client, err := resilient.NewClient(resilient.ClientConfig{
		Provider: cfg.Provider,
		Manager:  manager,
		Kinds:    cfg.Kinds,
		Breaker:  brk,
		Retry:    rty,
		Cache:    cache,
		Logger:   cfg.Logger,

		BatchConcurrency: s.Batch.Concurrency,
	})
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("could not create resilient client: %w", err)
	}

	return &App{
		manager: manager,
		client:  client,
		cache:   cache,
		logger:  cfg.Logger.WithValues(log.Kv{"svc": "app.App"}),
	}, nil
}

// SubmitRequest is a task submission.
type SubmitRequest struct {
	Kind      string
	Arguments map[string]any
	Metadata  map[string]any
}

// SubmitTask validates and submits a generation task, it returns the task as
// soon as the provider accepted it.
func (a *App) SubmitTask(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	return a.client.Submit(ctx, req.Kind, req.Arguments, req.Metadata)
}

// SubmitBatch submits several tasks at once. Every request gets its own
// result, failed requests don't stop the others.
func (a *App) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]resilient.BatchResult, error) {
	items := make([]resilient.BatchItem, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, resilient.BatchItem{Kind: r.Kind, Arguments: r.Arguments, Metadata: r.Metadata})
	}
	return a.client.SubmitBatch(ctx, items)
}

// GetStatus returns the current snapshot of a task.
func (a *App) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	return a.manager.GetStatus(ctx, id)
}

// ListRequest filters the listed tasks.
type ListRequest struct {
	ProjectID string
	Statuses  []model.TaskStatus
	// IncludeCompleted lists finished tasks too when no status filter is set.
	IncludeCompleted bool
}

// ListTasks lists the tasks, newest first. Without filters only active tasks are listed.
func (a *App) ListTasks(ctx context.Context, req ListRequest) ([]model.Task, error) {
	for _, st := range req.Statuses {
		if !st.IsValid() {
			return nil, fmt.Errorf("unknown status %q: %w", st, model.ErrNotValid)
		}
	}

	statuses := req.Statuses
	if len(statuses) == 0 && !req.IncludeCompleted {
		statuses = slices.Clone(ActiveStatuses)
	}

	return a.manager.ListTasks(ctx, queue.ListFilter{ProjectID: req.ProjectID, Statuses: statuses})
}

// CancelTask cancels a task, it returns false if the task had already finished.
func (a *App) CancelTask(ctx context.Context, id string) (bool, error) {
	return a.manager.CancelTask(ctx, id)
}

// AwaitResult blocks until the task finishes.
func (a *App) AwaitResult(ctx context.Context, id string, pollInterval time.Duration) (*model.Task, error) {
	return a.client.AwaitResult(ctx, id, pollInterval)
}

// StreamUpdates yields the task snapshots until it finishes.
func (a *App) StreamUpdates(ctx context.Context, id string) iter.Seq2[model.Task, error] {
	return a.client.StreamUpdates(ctx, id)
}

// UploadInput uploads content once per fingerprint.
func (a *App) UploadInput(ctx context.Context, name string, content []byte) (uploadcache.Result, error) {
	return a.client.UploadInput(ctx, name, content)
}

// UploadFile uploads a local file once per fingerprint.
func (a *App) UploadFile(ctx context.Context, path string) (uploadcache.Result, error) {
	return a.client.UploadFile(ctx, path)
}

// Stats is the state of the runtime.
type Stats struct {
	Queue       model.QueueStats
	Breakers    []model.BreakerState
	UploadCache model.UploadCacheStats
}

// Stats returns the queue, circuit breaker and upload cache stats.
func (a *App) Stats(ctx context.Context) (*Stats, error) {
	qs, err := a.manager.Stats(ctx)
	if err != nil {
		return nil, err
	}

	breakers := a.client.BreakerStates()
	slices.SortFunc(breakers, func(x, y model.BreakerState) int {
		switch {
		case x.Key < y.Key:
			return -1
		case x.Key > y.Key:
			return 1
		}
		return 0
	})

	return &Stats{
		Queue:       *qs,
		Breakers:    breakers,
		UploadCache: a.client.UploadCacheStats(),
	}, nil
}

// Purge deletes the finished tasks older than the duration.
func (a *App) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("older than can't be negative: %w", model.ErrNotValid)
	}
	return a.manager.Purge(ctx, olderThan)
}

// ClearUploadCache forgets every uploaded input.
func (a *App) ClearUploadCache() { a.cache.Clear() }

// Kinds returns the supported job kinds sorted by name.
func (a *App) Kinds() []kind.Kind { return a.client.Kinds() }

// Recover resumes the tracking of the stored unfinished tasks.
func (a *App) Recover(ctx context.Context) (int, error) {
	n, err := a.manager.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not recover tasks: %w", err)
	}
	if n > 0 {
		a.logger.Infof("Recovered %d unfinished tasks", n)
	}
	return n, nil
}

// RecoverTask resumes tracking a single stored task, other unfinished tasks
// are left to the processes driving them.
func (a *App) RecoverTask(ctx context.Context, id string) (bool, error) {
	ok, err := a.manager.RecoverTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("could not recover task: %w", err)
	}
	return ok, nil
}

// Close stops tracking the tasks. Stored tasks can be recovered later.
func (a *App) Close() error {
	return a.closeAll()
}
