package provider

import (
	"context"

	"github.com/h2a-dev/genq/internal/model"
)

// Handle identifies a request accepted by the provider.
type Handle struct {
	RequestID string
	ModelID   string
}

// EventStream is a lazy, ordered and non restartable sequence of provider events
// for a single request.
type EventStream interface {
	// Next blocks until the next event is available. It returns io.EOF once the
	// terminal event has been returned.
	Next(ctx context.Context) (model.Event, error)
	Close() error
}

// Provider is the external generation service.
type Provider interface {
	Submit(ctx context.Context, modelID string, args map[string]any) (Handle, error)
	Events(ctx context.Context, h Handle) (EventStream, error)
	Cancel(ctx context.Context, h Handle) error
	Upload(ctx context.Context, name string, content []byte) (string, error)
}
