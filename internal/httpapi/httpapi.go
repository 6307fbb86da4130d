// Package httpapi serves the task operations over HTTP. Every response body
// is an envelope.
package httpapi

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// DefaultMaxUploadBytes is the default max size of an uploaded input.
const DefaultMaxUploadBytes = 100 << 20

// Service is the task runtime served by the API.
type Service interface {
	SubmitTask(ctx context.Context, req app.SubmitRequest) (*model.Task, error)
	SubmitBatch(ctx context.Context, reqs []app.SubmitRequest) ([]resilient.BatchResult, error)
	GetStatus(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, req app.ListRequest) ([]model.Task, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	StreamUpdates(ctx context.Context, id string) iter.Seq2[model.Task, error]
	UploadInput(ctx context.Context, name string, content []byte) (uploadcache.Result, error)
	Stats(ctx context.Context) (*app.Stats, error)
	Kinds() []kind.Kind
}

var _ Service = (*app.App)(nil)

// HandlerConfig is the configuration of the API handler.
type HandlerConfig struct {
	Service        Service
	MaxUploadBytes int64
	Now            func() time.Time
	Logger         log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "httpapi.Handler"})
	return nil
}

type handler struct {
	svc            Service
	maxUploadBytes int64
	now            func() time.Time
	validate       *validator.Validate
	logger         log.Logger
}

// NewHandler returns the HTTP handler of the API.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		svc:            cfg.Service,
		maxUploadBytes: cfg.MaxUploadBytes,
		now:            cfg.Now,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(h.logRequests)
	r.Use(h.recoverer)

	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", h.submitTask)
		r.Post("/tasks/batch", h.submitBatch)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)
		r.Get("/tasks/{id}/events", h.streamTask)
		r.Post("/uploads", h.upload)
		r.Get("/stats", h.stats)
		r.Get("/kinds", h.kinds)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r, nil
}
