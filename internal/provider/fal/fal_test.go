package fal_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/provider/fal"
)

const testModel = "fal-ai/imagen4/preview"

func newProvider(t *testing.T, srv *httptest.Server) *fal.Provider {
	t.Helper()
	p, err := fal.NewProvider(fal.ProviderConfig{
		APIKey:            "test-key",
		QueueURL:          srv.URL,
		StorageURL:        srv.URL,
		PollInterval:      time.Millisecond,
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return p
}

func TestProviderSubmit(t *testing.T) {
	tests := map[string]struct {
		handler      http.HandlerFunc
		expRequestID string
		expErrIs     error
		expRetryHint time.Duration
	}{
		"A successful submit should return the request handle.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"request_id":"req-1","status_url":"x"}`))
			},
			expRequestID: "req-1",
		},

		"A 401 should be an authentication error.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail":"Invalid key"}`))
			},
			expErrIs: model.ErrAuthentication,
		},

		"A 422 should be a validation error.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"detail":[{"loc":["body","prompt"],"msg":"field required"}]}`))
			},
			expErrIs: model.ErrNotValid,
		},

		"A 429 should be a rate limit error with the retry hint.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "4")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			expErrIs:     model.ErrRateLimited,
			expRetryHint: 4 * time.Second,
		},

		"A 503 should be a transient error.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			expErrIs: model.ErrTransient,
		},

		"A response without request id should fail.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
			expErrIs: model.ErrProviderFailure,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var gotAuth, gotPath string
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotPath = r.URL.Path
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				test.handler(w, r)
			}))
			defer srv.Close()

			p := newProvider(t, srv)
			h, err := p.Submit(context.Background(), testModel, map[string]any{"prompt": "a cat"})

			assert.Equal("Key test-key", gotAuth)
			assert.Equal("/"+testModel, gotPath)
			assert.Equal(map[string]any{"prompt": "a cat"}, gotBody)

			if test.expErrIs != nil {
				assert.ErrorIs(err, test.expErrIs)
				if test.expRetryHint > 0 {
					d, ok := model.RetryAfter(err)
					assert.True(ok)
					assert.Equal(test.expRetryHint, d)
				}
				return
			}
			assert.NoError(err)
			assert.Equal(provider.Handle{RequestID: test.expRequestID, ModelID: testModel}, h)
		})
	}
}

// queueServer serves a sequence of status responses for req-1 and a result.
type queueServer struct {
	mu          sync.Mutex
	statuses    []string
	resultCode  int
	result      string
	cancelled   bool
	statusCalls int
}

func (q *queueServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/fal-ai/imagen4/requests/req-1/status":
		idx := min(q.statusCalls, len(q.statuses)-1)
		q.statusCalls++
		if q.statuses[idx] == "503" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(q.statuses[idx]))
	case r.Method == http.MethodGet && r.URL.Path == "/fal-ai/imagen4/requests/req-1":
		if q.resultCode != 0 {
			w.WriteHeader(q.resultCode)
		}
		_, _ = w.Write([]byte(q.result))
	case r.Method == http.MethodPut && r.URL.Path == "/fal-ai/imagen4/requests/req-1/cancel":
		q.cancelled = true
		_, _ = w.Write([]byte(`{"status":"CANCELLATION_REQUESTED"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func collect(t *testing.T, s provider.EventStream) ([]model.Event, error) {
	t.Helper()
	var evs []model.Event
	for {
		ev, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return evs, nil
		}
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}

func TestProviderEvents(t *testing.T) {
	tests := map[string]struct {
		server    *queueServer
		expEvents func(t *testing.T, evs []model.Event)
		expErr    bool
	}{
		"A successful request should emit queued, in progress and completed events.": {
			server: &queueServer{
				statuses: []string{
					`{"status":"IN_QUEUE","queue_position":2}`,
					`{"status":"IN_PROGRESS","logs":[{"message":"step 1","level":"INFO","timestamp":"2026-03-10T12:00:00Z"}]}`,
					`{"status":"COMPLETED","logs":[{"message":"step 1"},{"message":"done"}]}`,
				},
				result: `{"images":[{"url":"https://fal.media/out.png"}]}`,
			},
			expEvents: func(t *testing.T, evs []model.Event) {
				require.Len(t, evs, 3)
				assert.Equal(t, model.EventTypeQueued, evs[0].Type)
				assert.Equal(t, 2, *evs[0].Position)
				assert.Equal(t, model.EventTypeInProgress, evs[1].Type)
				assert.Equal(t, "step 1", evs[1].Logs[0].Message)
				assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), evs[1].Logs[0].Timestamp)
				assert.Equal(t, model.EventTypeCompleted, evs[2].Type)
				assert.Len(t, evs[2].Logs, 2)
				assert.Contains(t, evs[2].Result, "images")
			},
		},

		"Transient poll failures should be tolerated.": {
			server: &queueServer{
				statuses: []string{"503", "503", `{"status":"COMPLETED"}`},
				result:   `{"audio":{"url":"https://fal.media/out.wav"}}`,
			},
			expEvents: func(t *testing.T, evs []model.Event) {
				require.Len(t, evs, 1)
				assert.Equal(t, model.EventTypeCompleted, evs[0].Type)
			},
		},

		"Too many transient poll failures should fail the stream.": {
			server: &queueServer{statuses: []string{"503"}},
			expErr: true,
		},

		"A completed request with an error should emit a failed event.": {
			server: &queueServer{
				statuses: []string{`{"status":"COMPLETED","error":"content policy violation"}`},
			},
			expEvents: func(t *testing.T, evs []model.Event) {
				require.Len(t, evs, 1)
				assert.Equal(t, model.EventTypeFailed, evs[0].Type)
				assert.Equal(t, "content policy violation", evs[0].Message)
			},
		},

		"A rejected result should emit a failed event.": {
			server: &queueServer{
				statuses:   []string{`{"status":"COMPLETED"}`},
				resultCode: http.StatusUnprocessableEntity,
				result:     `{"detail":"image too large"}`,
			},
			expEvents: func(t *testing.T, evs []model.Event) {
				require.Len(t, evs, 1)
				assert.Equal(t, model.EventTypeFailed, evs[0].Type)
				assert.Contains(t, evs[0].Message, "image too large")
			},
		},

		"An unknown status should fail the stream.": {
			server: &queueServer{statuses: []string{`{"status":"WEIRD"}`}},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(test.server)
			defer srv.Close()

			p := newProvider(t, srv)
			s, err := p.Events(context.Background(), provider.Handle{RequestID: "req-1", ModelID: testModel})
			require.NoError(t, err)
			defer s.Close()

			evs, err := collect(t, s)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.expEvents(t, evs)
		})
	}
}

func TestProviderCancel(t *testing.T) {
	qs := &queueServer{}
	srv := httptest.NewServer(qs)
	defer srv.Close()

	p := newProvider(t, srv)
	err := p.Cancel(context.Background(), provider.Handle{RequestID: "req-1", ModelID: testModel})
	require.NoError(t, err)
	assert.True(t, qs.cancelled)
}

func TestProviderUpload(t *testing.T) {
	var uploaded []byte
	var uploadedType string
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/storage/upload/initiate", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "input.txt", req["file_name"])
		_, _ = w.Write([]byte(`{"upload_url":"` + srv.URL + `/put/abc","file_url":"https://fal.media/files/abc"}`))
	})
	mux.HandleFunc("/put/abc", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		uploadedType = r.Header.Get("Content-Type")
		uploaded, _ = io.ReadAll(r.Body)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := newProvider(t, srv)
	u, err := p.Upload(context.Background(), "input.txt", []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, "https://fal.media/files/abc", u)
	assert.Equal(t, []byte("hello"), uploaded)
	assert.Contains(t, uploadedType, "text/plain")
}

func TestNewProviderRequiresKey(t *testing.T) {
	_, err := fal.NewProvider(fal.ProviderConfig{})
	assert.Error(t, err)
}
