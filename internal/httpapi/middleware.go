package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
)

// RequestIDHeader is the header that carries the request ID.
const RequestIDHeader = "X-Request-Id"

type contextKey string

const requestIDKey = contextKey("request-id")

// RequestIDFromContext returns the request ID of a request context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID reuses the caller request ID or generates a new one, and exposes it
// in the response and the log values.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = log.CtxWithValues(ctx, log.Kv{"request_id": id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := h.logger.WithCtxValues(r.Context()).WithValues(log.Kv{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		})
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			logger.Errorf("Request failed")
		case ww.Status() == http.StatusTooManyRequests:
			logger.Warningf("Request throttled")
		default:
			logger.Debugf("Request served")
		}
	})
}

func (h handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.WithCtxValues(r.Context()).Errorf("Handler panicked: %v\n%s", rec, debug.Stack())
			h.respond(w, r, envelope.FromError(fmt.Errorf("handler panicked: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

func (h handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, envelope.FromError(fmt.Errorf("route %s %s: %w", r.Method, r.URL.Path, model.ErrNotFound)))
}

func (h handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	env := envelope.FromError(fmt.Errorf("method %s is not allowed on %s: %w", r.Method, r.URL.Path, model.ErrNotValid))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	h.encode(w, r, env)
}
