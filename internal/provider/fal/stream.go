package fal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
)

const (
	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
)

type statusLog struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
}

type statusResponse struct {
	Status        string      `json:"status"`
	QueuePosition *int        `json:"queue_position"`
	Logs          []statusLog `json:"logs"`
	Error         string      `json:"error"`
}

var errUnknownStatus = errors.New("unknown request status")

// eventStream polls the request status and turns every poll into an event.
type eventStream struct {
	provider *Provider
	handle   provider.Handle
	polled   bool
	failures int
	done     bool
}

func (s *eventStream) Next(ctx context.Context) (model.Event, error) {
	if s.done {
		return model.Event{}, io.EOF
	}

	for {
		if s.polled {
			if err := wait(ctx, s.provider.cfg.PollInterval); err != nil {
				return model.Event{}, err
			}
		}
		s.polled = true

		ev, err := s.poll(ctx)
		if err == nil {
			s.failures = 0
			if ev.IsTerminal() {
				s.done = true
			}
			return ev, nil
		}

		if !model.IsRetryable(err) || s.failures >= s.provider.cfg.MaxPollFailures {
			return model.Event{}, err
		}
		s.failures++
		s.provider.logger.Warningf("Poll of request %s failed (%d/%d): %s", s.handle.RequestID, s.failures, s.provider.cfg.MaxPollFailures, err)
	}
}

func (s *eventStream) Close() error { return nil }

func (s *eventStream) poll(ctx context.Context) (model.Event, error) {
	var st statusResponse
	err := s.provider.doJSON(ctx, http.MethodGet, s.provider.requestURL(s.handle)+"/status?logs=1", nil, &st)
	if err != nil {
		return model.Event{}, fmt.Errorf("could not get request status: %w", err)
	}

	switch st.Status {
	case statusInQueue:
		pos := 0
		if st.QueuePosition != nil {
			pos = *st.QueuePosition
		}
		return model.QueuedEvent(pos), nil
	case statusInProgress:
		return model.InProgressEvent(-1, toLogEntries(st.Logs)...), nil
	case statusCompleted:
		if st.Error != "" {
			return model.FailedEvent(st.Error), nil
		}
		return s.result(ctx, st.Logs)
	}

	return model.Event{}, fmt.Errorf("%w %q", errUnknownStatus, st.Status)
}

func (s *eventStream) result(ctx context.Context, logs []statusLog) (model.Event, error) {
	var res map[string]any
	err := s.provider.doJSON(ctx, http.MethodGet, s.provider.requestURL(s.handle), nil, &res)
	if err != nil {
		// The request finished but the provider rejected it.
		if errors.Is(err, model.ErrNotValid) || errors.Is(err, model.ErrProviderFailure) {
			ev := model.FailedEvent(err.Error())
			ev.Logs = toLogEntries(logs)
			return ev, nil
		}
		return model.Event{}, fmt.Errorf("could not get request result: %w", err)
	}

	ev := model.CompletedEvent(res)
	ev.Logs = toLogEntries(logs)
	return ev, nil
}

func toLogEntries(logs []statusLog) []model.LogEntry {
	if len(logs) == 0 {
		return nil
	}
	entries := make([]model.LogEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, model.LogEntry{
			Message:   l.Message,
			Level:     l.Level,
			Timestamp: parseTimestamp(l.Timestamp),
		})
	}
	return entries
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
