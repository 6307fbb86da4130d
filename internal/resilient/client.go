// Package resilient is the entry point to run generation tasks against an
// unreliable provider.
//
// Submissions and uploads are validated, guarded by a per endpoint circuit
// breaker and retried with backoff, then the accepted requests are tracked by
// the task manager until they reach a terminal state.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2a-dev/genq/internal/breaker"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/queue"
	"github.com/h2a-dev/genq/internal/retry"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// UploadBreakerKey is the circuit breaker key of the provider upload endpoint.
const UploadBreakerKey = "upload"

// DefaultPollInterval is the AwaitResult default poll interval.
const DefaultPollInterval = time.Second

// ClientConfig is the configuration of the resilient client.
type ClientConfig struct {
	Provider provider.Provider
	Manager  *queue.Manager
	// Kinds are the supported job kinds, the builtin ones by default.
	Kinds   *kind.Registry
	Breaker *breaker.Breaker
	Retry   *retry.Executor
	Cache   *uploadcache.Cache
	// BatchConcurrency is the number of batch items submitted at the same
	// time, DefaultBatchConcurrency by default.
	BatchConcurrency int
	Logger           log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Manager == nil {
		return fmt.Errorf("task manager is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "resilient.Client"})

	if c.Kinds == nil {
		c.Kinds = kind.NewBuiltinRegistry()
	}
	if c.BatchConcurrency < 0 {
		return fmt.Errorf("batch concurrency can't be negative")
	}
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = DefaultBatchConcurrency
	}

	var err error
	if c.Breaker == nil {
		c.Breaker, err = breaker.New(breaker.Config{IsFailure: IsProviderHealthFailure, Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create circuit breaker: %w", err)
		}
	}
	if c.Retry == nil {
		c.Retry, err = retry.NewExecutor(retry.Config{
			Jitter:    true,
			Retryable: model.IsRetryable,
			DelayHint: model.RetryAfter,
			Logger:    c.Logger,
		})
		if err != nil {
			return fmt.Errorf("could not create retry executor: %w", err)
		}
	}
	if c.Cache == nil {
		c.Cache, err = uploadcache.New(uploadcache.Config{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create upload cache: %w", err)
		}
	}

	return nil
}

// IsProviderHealthFailure returns true for the errors that tell the provider
// is degraded. Rejected requests and cancellations don't count.
func IsProviderHealthFailure(err error) bool {
	switch model.KindOf(err) {
	case model.ErrorKindValidation,
		model.ErrorKindAuthentication,
		model.ErrorKindCancelled,
		model.ErrorKindNotFound,
		model.ErrorKindCircuitOpen:
		return false
	}
	return true
}

// Client submits tasks and uploads inputs through a circuit breaker and retries.
type Client struct {
	provider provider.Provider
	manager  *queue.Manager
	kinds    *kind.Registry
	breaker  *breaker.Breaker
	retry    *retry.Executor
	cache    *uploadcache.Cache
	logger   log.Logger

	batchConcurrency int
}

// NewClient returns a new resilient client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		provider: cfg.Provider,
		manager:  cfg.Manager,
		kinds:    cfg.Kinds,
		breaker:  cfg.Breaker,
		retry:    cfg.Retry,
		cache:    cfg.Cache,
		logger:   cfg.Logger,

		batchConcurrency: cfg.BatchConcurrency,
	}, nil
}

// Submit validates the arguments for the kind, submits the request to the
// provider and returns the queued task tracking it. Only the submission is
// retried, not the generation.
func (c *Client) Submit(ctx context.Context, kindName string, args, metadata map[string]any) (*model.Task, error) {
	k, err := c.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}

	args, err = c.resolveLocalInputs(ctx, args)
	if err != nil {
		return nil, err
	}

	providerArgs, err := k.Prepare(args)
	if err != nil {
		return nil, err
	}
	cost, err := k.Cost(args)
	if err != nil {
		return nil, err
	}

	modelID := k.ModelID()
	h, err := breaker.Do(ctx, c.breaker, modelID, func(ctx context.Context) (provider.Handle, error) {
		return retry.Execute(ctx, c.retry, func(ctx context.Context) (provider.Handle, error) {
			return c.provider.Submit(ctx, modelID, providerArgs)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("could not submit %s request: %w", kindName, err)
	}

	task, err := c.manager.Track(ctx, queue.SubmitRequest{
		Kind:          kindName,
		ModelID:       modelID,
		Arguments:     providerArgs,
		Metadata:      metadata,
		EstimatedCost: cost,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("could not track request %s: %w", h.RequestID, err)
	}

	c.logger.Infof("Submitted %s task %s (request: %s, estimated cost: $%.3f)", kindName, task.ID, h.RequestID, cost)
	return task, nil
}

// AwaitResult polls the task until it's terminal and returns its final state.
func (c *Client) AwaitResult(ctx context.Context, taskID string, pollInterval time.Duration) (*model.Task, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.manager.GetStatus(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.IsTerminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamUpdates returns the lazy sequence of snapshots of a task. The sequence
// ends after the terminal snapshot, on a context error or when the task can't
// be found, the latter two yielded as the error. A task not tracked by this
// client only yields its stored snapshot.
func (c *Client) StreamUpdates(ctx context.Context, taskID string) iter.Seq2[model.Task, error] {
	return func(yield func(model.Task, error) bool) {
		sub, err := c.manager.Watch(ctx, taskID)
		if err != nil {
			yield(model.Task{}, err)
			return
		}
		defer sub.Close()

		for {
			t, err := sub.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(model.Task{}, err)
				return
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// UploadInput uploads the content unless the same content was already uploaded.
func (c *Client) UploadInput(ctx context.Context, name string, content []byte) (uploadcache.Result, error) {
	res, err := c.cache.GetOrUpload(ctx, content, c.uploadFunc(name))
	if err != nil {
		return uploadcache.Result{}, fmt.Errorf("could not upload %s: %w", name, err)
	}
	return res, nil
}

// UploadFile uploads the file unless a file with the same content was already uploaded.
func (c *Client) UploadFile(ctx context.Context, path string) (uploadcache.Result, error) {
	res, err := c.cache.GetOrUploadFile(ctx, path, c.uploadFunc(filepath.Base(path)))
	if err != nil {
		return uploadcache.Result{}, fmt.Errorf("could not upload %s: %w", path, err)
	}
	return res, nil
}

func (c *Client) uploadFunc(name string) uploadcache.UploadFunc {
	return func(ctx context.Context, content []byte) (string, error) {
		return breaker.Do(ctx, c.breaker, UploadBreakerKey, func(ctx context.Context) (string, error) {
			return retry.Execute(ctx, c.retry, func(ctx context.Context) (string, error) {
				return c.provider.Upload(ctx, name, content)
			})
		})
	}
}

// resolveLocalInputs uploads the local files referenced by the URL arguments
// ("*_url" keys with a file:// URL or a path to an existing file) and replaces
// them with the uploaded URLs.
func (c *Client) resolveLocalInputs(ctx context.Context, args map[string]any) (map[string]any, error) {
	var resolved map[string]any
	for key, v := range args {
		s, ok := v.(string)
		if !ok || !strings.HasSuffix(key, "_url") {
			continue
		}
		path, ok := localPath(s)
		if !ok {
			continue
		}

		res, err := c.UploadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("could not upload %s input: %w", key, err)
		}
		if resolved == nil {
			resolved = make(map[string]any, len(args))
			for k, v := range args {
				resolved[k] = v
			}
		}
		resolved[key] = res.URL
		c.logger.Debugf("Resolved %s local input %s to %s (cached: %t)", key, path, res.URL, res.Cached)
	}

	if resolved == nil {
		return args, nil
	}
	return resolved, nil
}

func localPath(s string) (string, bool) {
	if strings.HasPrefix(s, "file://") {
		u, err := url.Parse(s)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	}
	if strings.Contains(s, "://") {
		return "", false
	}
	info, err := os.Stat(s)
	if err != nil || info.IsDir() {
		return "", false
	}
	return s, true
}

// Kinds returns the supported job kinds.
func (c *Client) Kinds() []kind.Kind { return c.kinds.List() }

// BreakerStates returns the circuit breaker state of every known endpoint.
func (c *Client) BreakerStates() []model.BreakerState { return c.breaker.States() }

// UploadCacheStats returns the upload cache statistics.
func (c *Client) UploadCacheStats() model.UploadCacheStats { return c.cache.Stats() }
