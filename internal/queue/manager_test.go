package queue_test

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/queue"
	"github.com/h2a-dev/genq/internal/storage/memory"
	"github.com/h2a-dev/genq/internal/storage/sqlite"
)

type streamItem struct {
	ev  model.Event
	err error
}

// testProvider is a provider whose event streams are fed by the tests.
type testProvider struct {
	mu          sync.Mutex
	submitErr   error
	eventsPanic bool
	submits     int
	cancels     []string
	streams     map[string]chan streamItem
}

func newTestProvider() *testProvider {
	return &testProvider{streams: map[string]chan streamItem{}}
}

func (p *testProvider) stream(requestID string) chan streamItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.streams[requestID]
	if !ok {
		ch = make(chan streamItem, 32)
		p.streams[requestID] = ch
	}
	return ch
}

func (p *testProvider) send(requestID string, evs ...model.Event) {
	for _, ev := range evs {
		p.stream(requestID) <- streamItem{ev: ev}
	}
}

func (p *testProvider) sendErr(requestID string, err error) {
	p.stream(requestID) <- streamItem{err: err}
}

func (p *testProvider) Submit(ctx context.Context, modelID string, args map[string]any) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if p.submitErr != nil {
		return provider.Handle{}, p.submitErr
	}
	return provider.Handle{RequestID: fmt.Sprintf("req-%d", p.submits), ModelID: modelID}, nil
}

func (p *testProvider) Events(ctx context.Context, h provider.Handle) (provider.EventStream, error) {
	p.mu.Lock()
	shouldPanic := p.eventsPanic
	p.mu.Unlock()
	if shouldPanic {
		panic("boom")
	}
	return &testStream{ch: p.stream(h.RequestID)}, nil
}

func (p *testProvider) Cancel(ctx context.Context, h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, h.RequestID)
	return nil
}

func (p *testProvider) Upload(ctx context.Context, name string, content []byte) (string, error) {
	return "https://cdn.test/" + name, nil
}

func (p *testProvider) cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancels...)
}

type testStream struct{ ch chan streamItem }

func (s *testStream) Next(ctx context.Context) (model.Event, error) {
	select {
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	case it := <-s.ch:
		return it.ev, it.err
	}
}

func (s *testStream) Close() error { return nil }

func newManager(t *testing.T, p provider.Provider, cfg queue.ManagerConfig) *queue.Manager {
	t.Helper()
	cfg.Provider = p
	m, err := queue.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitTask(t *testing.T, m *queue.Manager, id string, cond func(model.Task) bool) model.Task {
	t.Helper()
	var last model.Task
	require.Eventually(t, func() bool {
		task, err := m.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		last = *task
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, "last task state: %+v", last)
	return last
}

func isStatus(s model.TaskStatus) func(model.Task) bool {
	return func(t model.Task) bool { return t.Status == s }
}

func TestManagerSubmit(t *testing.T) {
	tests := map[string]struct {
		submitErr    error
		events       func(p *testProvider)
		expStatus    model.TaskStatus
		expErrorKind model.ErrorKind
		expError     string
		expResult    map[string]any
	}{
		"A successful run should complete the task.": {
			events: func(p *testProvider) {
				p.send("req-1",
					model.QueuedEvent(2),
					model.InProgressEvent(-1, model.LogEntry{Message: "50%"}),
					model.CompletedEvent(map[string]any{"url": "https://cdn.test/a.png"}),
				)
			},
			expStatus: model.TaskStatusCompleted,
			expResult: map[string]any{"url": "https://cdn.test/a.png"},
		},

		"A provider failure should fail the task.": {
			events: func(p *testProvider) {
				p.send("req-1", model.InProgressEvent(0.2), model.FailedEvent("content policy violation"))
			},
			expStatus:    model.TaskStatusFailed,
			expErrorKind: model.ErrorKindProviderTerminalFailure,
			expError:     "content policy violation",
		},

		"A rejected submission should fail the task with the error kind.": {
			submitErr:    fmt.Errorf("invalid key: %w", model.ErrAuthentication),
			expStatus:    model.TaskStatusFailed,
			expErrorKind: model.ErrorKindAuthentication,
			expError:     "could not submit request: invalid key: authentication failed",
		},

		"A local stream error should fail the task preserving the message.": {
			events: func(p *testProvider) {
				p.send("req-1", model.QueuedEvent(0))
				p.sendErr("req-1", fmt.Errorf("could not decode status"))
			},
			expStatus:    model.TaskStatusFailed,
			expErrorKind: model.ErrorKindInternal,
			expError:     "could not decode status",
		},

		"A stream ending without terminal event should fail the task.": {
			events: func(p *testProvider) {
				p.sendErr("req-1", io.EOF)
			},
			expStatus:    model.TaskStatusFailed,
			expErrorKind: model.ErrorKindInternal,
			expError:     "event stream ended before a terminal event",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			p := newTestProvider()
			p.submitErr = test.submitErr
			if test.events != nil {
				test.events(p)
			}
			m := newManager(t, p, queue.ManagerConfig{})

			task, err := m.Submit(context.Background(), queue.SubmitRequest{
				Kind:      "imagen4",
				ModelID:   "fal-ai/imagen4/preview",
				Arguments: map[string]any{"prompt": "a cat"},
				Metadata:  map[string]any{model.MetadataProjectID: "p1"},
			})
			require.NoError(err)
			assert.Equal(model.TaskStatusQueued, task.Status)
			assert.NotEmpty(task.ID)

			got := waitTask(t, m, task.ID, func(t model.Task) bool { return t.IsTerminal() })
			assert.Equal(test.expStatus, got.Status)
			assert.Equal(test.expErrorKind, got.ErrorKind)
			assert.Equal(test.expError, got.Error)
			assert.Equal(test.expResult, got.Result)
			assert.Nil(got.QueuePosition)
			assert.NotNil(got.StartedAt)
			assert.NotNil(got.CompletedAt)
			assert.Equal("p1", got.ProjectID())
			if test.expStatus == model.TaskStatusCompleted {
				require.NotNil(got.Progress)
				assert.Equal(1.0, *got.Progress)
				assert.Equal("req-1", got.RequestID)
			}
		})
	}
}

func TestManagerTrack(t *testing.T) {
	p := newTestProvider()
	m := newManager(t, p, queue.ManagerConfig{})

	task, err := m.Track(context.Background(), queue.SubmitRequest{Kind: "lyria2"}, provider.Handle{RequestID: "req-x", ModelID: "fal-ai/lyria2"})
	require.NoError(t, err)
	assert.Equal(t, "req-x", task.RequestID)
	assert.Equal(t, "fal-ai/lyria2", task.ModelID)

	p.send("req-x", model.CompletedEvent(map[string]any{"audio": "x"}))
	got := waitTask(t, m, task.ID, isStatus(model.TaskStatusCompleted))
	assert.Equal(t, map[string]any{"audio": "x"}, got.Result)

	p.mu.Lock()
	assert.Equal(t, 0, p.submits)
	p.mu.Unlock()
}

func TestManagerWatch(t *testing.T) {
	require := require.New(t)
	p := newTestProvider()
	m := newManager(t, p, queue.ManagerConfig{})
	ctx := context.Background()

	task, err := m.Track(ctx, queue.SubmitRequest{Kind: "imagen4", ModelID: "m"}, provider.Handle{RequestID: "req-1", ModelID: "m"})
	require.NoError(err)

	sub, err := m.Watch(ctx, task.ID)
	require.NoError(err)
	defer sub.Close()

	first, err := sub.Next(ctx)
	require.NoError(err)
	assert.Equal(t, model.TaskStatusQueued, first.Status)

	p.send("req-1", model.InProgressEvent(0.3), model.InProgressEvent(0.6), model.CompletedEvent(map[string]any{"ok": true}))

	// Intermediate snapshots may be coalesced but progress never regresses and
	// the sequence always ends with the terminal snapshot.
	var last model.Task
	progress := 0.0
	for {
		snap, err := sub.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(err)
		if snap.Progress != nil {
			assert.GreaterOrEqual(t, *snap.Progress, progress)
			progress = *snap.Progress
		}
		last = snap
	}
	assert.Equal(t, model.TaskStatusCompleted, last.Status)
	assert.Equal(t, 1.0, progress)

	// Watching a terminal task returns its final state only.
	sub2, err := m.Watch(ctx, task.ID)
	require.NoError(err)
	snap, err := sub2.Next(ctx)
	require.NoError(err)
	assert.Equal(t, model.TaskStatusCompleted, snap.Status)
	_, err = sub2.Next(ctx)
	assert.Equal(t, io.EOF, err)

	_, err = m.Watch(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManagerCancelTask(t *testing.T) {
	t.Run("Cancelling an active task should mark it as cancelled.", func(t *testing.T) {
		assert := assert.New(t)
		require := require.New(t)
		p := newTestProvider()
		m := newManager(t, p, queue.ManagerConfig{})
		ctx := context.Background()

		task, err := m.Submit(ctx, queue.SubmitRequest{Kind: "imagen4", ModelID: "m"})
		require.NoError(err)
		p.send("req-1", model.InProgressEvent(0.5))
		waitTask(t, m, task.ID, isStatus(model.TaskStatusInProgress))

		ok, err := m.CancelTask(ctx, task.ID)
		require.NoError(err)
		assert.True(ok)

		got, err := m.GetStatus(ctx, task.ID)
		require.NoError(err)
		assert.Equal(model.TaskStatusCancelled, got.Status)
		assert.Equal(model.ErrorKindCancelled, got.ErrorKind)
		assert.Equal(model.CancelledByUserMessage, got.Error)
		assert.NotNil(got.CompletedAt)
		assert.Equal([]string{"req-1"}, p.cancelled())

		// Late events have no effect.
		p.send("req-1", model.CompletedEvent(map[string]any{"url": "late"}))
		time.Sleep(20 * time.Millisecond)
		got, err = m.GetStatus(ctx, task.ID)
		require.NoError(err)
		assert.Equal(model.TaskStatusCancelled, got.Status)
		assert.Nil(got.Result)

		ok, err = m.CancelTask(ctx, task.ID)
		require.NoError(err)
		assert.False(ok)
	})

	t.Run("Cancelling a completed task should not change it.", func(t *testing.T) {
		assert := assert.New(t)
		require := require.New(t)
		p := newTestProvider()
		m := newManager(t, p, queue.ManagerConfig{})
		ctx := context.Background()

		task, err := m.Submit(ctx, queue.SubmitRequest{Kind: "imagen4", ModelID: "m"})
		require.NoError(err)
		p.send("req-1", model.CompletedEvent(map[string]any{"url": "u"}))
		before := waitTask(t, m, task.ID, isStatus(model.TaskStatusCompleted))

		ok, err := m.CancelTask(ctx, task.ID)
		require.NoError(err)
		assert.False(ok)

		after, err := m.GetStatus(ctx, task.ID)
		require.NoError(err)
		assert.Equal(before, *after)
		assert.Empty(p.cancelled())
	})

	t.Run("Cancelling a missing task should fail.", func(t *testing.T) {
		m := newManager(t, newTestProvider(), queue.ManagerConfig{})
		_, err := m.CancelTask(context.Background(), "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestManagerMaxDuration(t *testing.T) {
	assert := assert.New(t)
	p := newTestProvider()
	m := newManager(t, p, queue.ManagerConfig{MaxDuration: 50 * time.Millisecond})

	task, err := m.Submit(context.Background(), queue.SubmitRequest{Kind: "kling_2.1", ModelID: "m"})
	require.NoError(t, err)
	p.send("req-1", model.QueuedEvent(4))

	got := waitTask(t, m, task.ID, isStatus(model.TaskStatusFailed))
	assert.Equal(model.ErrorKindTransientNetwork, got.ErrorKind)
	assert.Equal("task exceeded max duration of 50ms", got.Error)
	assert.Eventually(func() bool { return len(p.cancelled()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestManagerRecoversPanics(t *testing.T) {
	p := newTestProvider()
	p.eventsPanic = true
	m := newManager(t, p, queue.ManagerConfig{})

	task, err := m.Submit(context.Background(), queue.SubmitRequest{Kind: "imagen4", ModelID: "m"})
	require.NoError(t, err)

	got := waitTask(t, m, task.ID, isStatus(model.TaskStatusFailed))
	assert.Equal(t, model.ErrorKindInternal, got.ErrorKind)
	assert.Equal(t, "task run panicked: boom", got.Error)
}

func TestManagerListTasks(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider()
	var mu sync.Mutex
	now := time.Now()
	m := newManager(t, p, queue.ManagerConfig{
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		},
	})

	ids := []string{}
	for i, project := range []string{"p1", "p2", "p1"} {
		h := provider.Handle{RequestID: fmt.Sprintf("req-%d", i+1), ModelID: "m"}
		task, err := m.Track(ctx, queue.SubmitRequest{Kind: "imagen4", Metadata: map[string]any{model.MetadataProjectID: project}}, h)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	p.send("req-3", model.CompletedEvent(nil))
	waitTask(t, m, ids[2], isStatus(model.TaskStatusCompleted))

	tasks, err := m.ListTasks(ctx, queue.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[2], tasks[0].ID)
	assert.Equal(t, ids[0], tasks[1].ID)

	tasks, err = m.ListTasks(ctx, queue.ListFilter{Statuses: []model.TaskStatus{model.TaskStatusCompleted}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[2], tasks[0].ID)
}

func TestManagerStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider()
	var mu sync.Mutex
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	m := newManager(t, p, queue.ManagerConfig{Now: clock, MaxDuration: -1})

	done, err := m.Track(ctx, queue.SubmitRequest{Kind: "imagen4"}, provider.Handle{RequestID: "req-1", ModelID: "m"})
	require.NoError(t, err)
	_, err = m.Track(ctx, queue.SubmitRequest{Kind: "lyria2"}, provider.Handle{RequestID: "req-2", ModelID: "m2"})
	require.NoError(t, err)

	advance(2 * time.Second)
	p.send("req-1", model.InProgressEvent(0.1))
	waitTask(t, m, done.ID, isStatus(model.TaskStatusInProgress))
	advance(4 * time.Second)
	p.send("req-1", model.CompletedEvent(map[string]any{"url": "u"}))
	waitTask(t, m, done.ID, isStatus(model.TaskStatusCompleted))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.ByStatus[model.TaskStatusCompleted])
	assert.Equal(t, 1, stats.ByKind["lyria2"])
	assert.Equal(t, 2*time.Second, stats.AverageWaitTime)
	assert.Equal(t, 4*time.Second, stats.AverageProcessingTime)

	n, err := m.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	advance(2 * time.Hour)
	n, err = m.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetStatus(ctx, done.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManagerRecover(t *testing.T) {
	ctx := context.Background()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	now := time.Now()
	running := model.NewTask("t-running", "kling_2.1", "m", nil, nil, now)
	running.RequestID = "req-running"
	running.Apply(model.InProgressEvent(0.4), now)
	require.NoError(t, repo.CreateTask(ctx, running))

	orphan := model.NewTask("t-orphan", "imagen4", "m", nil, nil, now)
	require.NoError(t, repo.CreateTask(ctx, orphan))

	p := newTestProvider()
	m := newManager(t, p, queue.ManagerConfig{Repository: repo})

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetStatus(ctx, "t-orphan")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, model.ErrorKindInternal, got.ErrorKind)

	p.send("req-running", model.InProgressEvent(0.8), model.CompletedEvent(map[string]any{"video": "v"}))
	resumed := waitTask(t, m, "t-running", isStatus(model.TaskStatusCompleted))
	assert.Equal(t, map[string]any{"video": "v"}, resumed.Result)
}

func TestManagerRecoverTask(t *testing.T) {
	ctx := context.Background()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	now := time.Now()
	for _, id := range []string{"a", "b"} {
		task := model.NewTask("t-"+id, "kling_2.1", "m", nil, nil, now)
		task.RequestID = "req-" + id
		task.Apply(model.InProgressEvent(0.4), now)
		require.NoError(t, repo.CreateTask(ctx, task))
	}
	done := model.NewTask("t-done", "imagen4", "m", nil, nil, now)
	done.RequestID = "req-done"
	done.Apply(model.CompletedEvent(nil), now)
	require.NoError(t, repo.CreateTask(ctx, done))

	p := newTestProvider()
	m := newManager(t, p, queue.ManagerConfig{Repository: repo})

	ok, err := m.RecoverTask(ctx, "t-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.RecoverTask(ctx, "t-a")
	require.NoError(t, err)
	assert.False(t, ok, "already running")

	ok, err = m.RecoverTask(ctx, "t-done")
	require.NoError(t, err)
	assert.False(t, ok, "terminal")

	_, err = m.RecoverTask(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	p.send("req-a", model.CompletedEvent(map[string]any{"video": "v"}))
	waitTask(t, m, "t-a", isStatus(model.TaskStatusCompleted))

	// The other unfinished task was not resumed.
	sub, err := m.Watch(ctx, "t-b")
	require.NoError(t, err)
	snap, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, snap.Status)
	_, err = sub.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestManagerWatchUntrackedTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	now := time.Now()
	task := model.NewTask("t1", "imagen4", "m", nil, nil, now)
	task.RequestID = "req-1"
	task.Apply(model.InProgressEvent(0.3), now)
	require.NoError(t, repo.CreateTask(ctx, task))

	m := newManager(t, newTestProvider(), queue.ManagerConfig{Repository: repo})

	// Nothing drives the task, the sequence ends after the stored snapshot.
	sub, err := m.Watch(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	snap, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, snap.Status)

	_, err = sub.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestManagerTaskFinishedByOtherProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Two managers over the same database, like a "genq serve" and a
	// "genq cancel" running at the same time.
	path := filepath.Join(t.TempDir(), "genq.db")
	newRepo := func() *sqlite.Repository {
		repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	}
	p := newTestProvider()
	driver := newManager(t, p, queue.ManagerConfig{Repository: newRepo()})
	other := newManager(t, p, queue.ManagerConfig{Repository: newRepo()})

	task, err := driver.Track(ctx, queue.SubmitRequest{Kind: "kling_2.1", ModelID: "m"}, provider.Handle{RequestID: "req-1", ModelID: "m"})
	require.NoError(t, err)

	sub, err := driver.Watch(ctx, task.ID)
	require.NoError(t, err)
	defer sub.Close()

	p.send("req-1", model.InProgressEvent(0.2))
	waitTask(t, driver, task.ID, isStatus(model.TaskStatusInProgress))

	cancelled, err := other.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, []string{"req-1"}, p.cancelled())

	// Late events reach the driver, they can't revive the task.
	p.send("req-1", model.InProgressEvent(0.5), model.CompletedEvent(map[string]any{"url": "x"}))

	var last model.Task
	for {
		snap, err := sub.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		last = snap
	}
	assert.Equal(t, model.TaskStatusCancelled, last.Status)

	for _, m := range []*queue.Manager{driver, other} {
		got, err := m.GetStatus(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, got.Status)
		assert.Equal(t, model.ErrorKindCancelled, got.ErrorKind)
		assert.Nil(t, got.Result)
	}

	// The driver stopped tracking it.
	ok, err := driver.RecoverTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second cancel is a no-op on both sides.
	for _, m := range []*queue.Manager{driver, other} {
		cancelled, err := m.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)
	}
}

func TestManagerClosed(t *testing.T) {
	m := newManager(t, newTestProvider(), queue.ManagerConfig{})
	require.NoError(t, m.Close())

	_, err := m.Submit(context.Background(), queue.SubmitRequest{Kind: "imagen4", ModelID: "m"})
	assert.Error(t, err)
}
