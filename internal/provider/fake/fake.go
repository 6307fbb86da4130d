package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
)

// ProviderConfig is the configuration for the fake provider.
type ProviderConfig struct {
	// Scripts are the events returned for a model ID. Models without script use
	// DefaultScript.
	Scripts map[string][]model.Event
	// EventInterval is the time between events.
	EventInterval time.Duration
	// SubmitErrors are returned in order by the first Submit calls.
	SubmitErrors []error
	// UploadErrors are returned in order by the first Upload calls.
	UploadErrors []error
	// StreamError is returned by the event streams after the scripted events
	// instead of io.EOF when the script has no terminal event.
	StreamError error
	Logger      log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.Scripts == nil {
		c.Scripts = map[string][]model.Event{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.Fake"})
	return nil
}

// DefaultScript is a short successful generation.
func DefaultScript() []model.Event {
	return []model.Event{
		model.QueuedEvent(1),
		model.QueuedEvent(0),
		model.InProgressEvent(-1, model.LogEntry{Message: "generating 25%"}),
		model.InProgressEvent(-1, model.LogEntry{Message: "generating 25%"}, model.LogEntry{Message: "generating 75%"}),
		model.CompletedEvent(map[string]any{"url": "https://fake.genq.dev/result.bin"}),
	}
}

// Provider is a fake implementation of the provider.Provider interface.
// It simulates the provider queue with scripted events without network calls.
type Provider struct {
	cfg    ProviderConfig
	logger log.Logger

	mu           sync.Mutex
	requests     map[string]*request
	submitCalls  int
	uploadCalls  int
	cancelCalls  int
	uploads      map[string][]byte
	submitErrors []error
	uploadErrors []error
}

type request struct {
	handle    provider.Handle
	args      map[string]any
	cancelled bool
}

// NewProvider creates a new fake provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{
		cfg:          cfg,
		logger:       cfg.Logger,
		requests:     map[string]*request{},
		uploads:      map[string][]byte{},
		submitErrors: append([]error(nil), cfg.SubmitErrors...),
		uploadErrors: append([]error(nil), cfg.UploadErrors...),
	}, nil
}

// Submit accepts a request.
func (p *Provider) Submit(ctx context.Context, modelID string, args map[string]any) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitCalls++
	if len(p.submitErrors) > 0 {
		err := p.submitErrors[0]
		p.submitErrors = p.submitErrors[1:]
		if err != nil {
			return provider.Handle{}, err
		}
	}

	h := provider.Handle{RequestID: ulid.Make().String(), ModelID: modelID}
	p.requests[h.RequestID] = &request{handle: h, args: args}
	p.logger.Infof("Accepted fake request %s for %s", h.RequestID, modelID)

	return h, nil
}

// Events returns the scripted event stream of a request.
func (p *Provider) Events(ctx context.Context, h provider.Handle) (provider.EventStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.requests[h.RequestID]; !ok {
		return nil, fmt.Errorf("request %s: %w", h.RequestID, model.ErrNotFound)
	}

	script, ok := p.cfg.Scripts[h.ModelID]
	if !ok {
		script = DefaultScript()
	}

	return &eventStream{
		provider:  p,
		requestID: h.RequestID,
		events:    script,
		interval:  p.cfg.EventInterval,
		endErr:    p.cfg.StreamError,
	}, nil
}

// Cancel marks a request as cancelled, its stream ends.
func (p *Provider) Cancel(ctx context.Context, h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelCalls++
	r, ok := p.requests[h.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", h.RequestID, model.ErrNotFound)
	}
	r.cancelled = true
	p.logger.Infof("Cancelled fake request %s", h.RequestID)

	return nil
}

// Upload stores the content and returns a fake URL.
func (p *Provider) Upload(ctx context.Context, name string, content []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploadCalls++
	if len(p.uploadErrors) > 0 {
		err := p.uploadErrors[0]
		p.uploadErrors = p.uploadErrors[1:]
		if err != nil {
			return "", err
		}
	}

	url := fmt.Sprintf("https://fake.genq.dev/uploads/%d/%s", p.uploadCalls, name)
	p.uploads[url] = content

	return url, nil
}

// SubmitCalls returns the number of Submit calls.
func (p *Provider) SubmitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCalls
}

// UploadCalls returns the number of Upload calls.
func (p *Provider) UploadCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadCalls
}

// CancelCalls returns the number of Cancel calls.
func (p *Provider) CancelCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelCalls
}

func (p *Provider) isCancelled(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[requestID]
	return ok && r.cancelled
}

type eventStream struct {
	provider  *Provider
	requestID string
	events    []model.Event
	interval  time.Duration
	endErr    error
	done      bool
}

func (s *eventStream) Next(ctx context.Context) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	if s.done || s.provider.isCancelled(s.requestID) {
		return model.Event{}, io.EOF
	}

	if len(s.events) == 0 {
		s.done = true
		if s.endErr != nil {
			return model.Event{}, s.endErr
		}
		return model.Event{}, io.EOF
	}

	if s.interval > 0 {
		t := time.NewTimer(s.interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-t.C:
		}
	}

	ev := s.events[0]
	s.events = s.events[1:]
	if ev.IsTerminal() {
		s.done = true
	}

	return ev, nil
}

func (s *eventStream) Close() error { return nil }
