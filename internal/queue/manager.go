// Package queue owns the lifecycle of the generation tasks.
//
// Every task accepted by the Manager is driven by its own goroutine that
// consumes the provider event stream of the task and applies the events to
// the task record, the only other writers are cancellation and the max
// duration watchdog, both serialized with the task loop.
//
// Other processes may share the same repository. A task that was finished
// elsewhere (e.g. cancelled from another CLI invocation) is never overwritten,
// its run adopts the stored terminal state and stops.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/storage"
	"github.com/h2a-dev/genq/internal/storage/memory"
)

// DefaultMaxDuration is the default wall clock limit of a task.
const DefaultMaxDuration = 10 * time.Minute

// ManagerConfig is the configuration for the task manager.
type ManagerConfig struct {
	Provider provider.Provider
	// Repository stores the tasks, by default an in-memory one.
	Repository storage.TaskRepository
	// MaxDuration is the maximum time since creation a task can take before
	// being failed, a negative value disables the watchdog.
	MaxDuration time.Duration
	// NewID returns new task IDs, ULIDs by default.
	NewID  func() string
	Now    func() time.Time
	Logger log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Manager"})

	if c.Repository == nil {
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create memory repository: %w", err)
		}
		c.Repository = repo
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Manager tracks generation tasks from submission to a terminal state.
type Manager struct {
	provider    provider.Provider
	repo        storage.TaskRepository
	maxDuration time.Duration
	newID       func() string
	now         func() time.Time
	logger      log.Logger
	hub         *hub

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the active execution of a task. The task is only mutated holding mu.
type run struct {
	mu     sync.Mutex
	task   model.Task
	cancel context.CancelFunc
	logger log.Logger
}

// NewManager returns a new task manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:    cfg.Provider,
		repo:        cfg.Repository,
		maxDuration: cfg.MaxDuration,
		newID:       cfg.NewID,
		now:         cfg.Now,
		logger:      cfg.Logger,
		hub:         newHub(),
		baseCtx:     ctx,
		baseCancel:  cancel,
		runs:        map[string]*run{},
	}, nil
}

// SubmitRequest is a request to track a new task.
type SubmitRequest struct {
	Kind          string
	ModelID       string
	Arguments     map[string]any
	Metadata      map[string]any
	EstimatedCost float64
	// Handle is the provider request when it was already submitted, otherwise
	// the task run submits it.
	Handle *provider.Handle
}

// Submit creates a queued task and starts its run without waiting for it.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("model id is required: %w", model.ErrNotValid)
	}

	task := model.NewTask(m.newID(), req.Kind, req.ModelID, req.Arguments, req.Metadata, m.now())
	task.EstimatedCost = req.EstimatedCost
	if req.Handle != nil {
		task.RequestID = req.Handle.RequestID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("task manager is closed")
	}

	if err := m.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not store task: %w", err)
	}
	m.startLocked(task)

	m.logger.Infof("Task %s submitted (kind: %s, model: %s)", task.ID, task.Kind, task.ModelID)

	snapshot := task.Clone()
	return &snapshot, nil
}

// Track starts tracking a request already accepted by the provider.
func (m *Manager) Track(ctx context.Context, req SubmitRequest, h provider.Handle) (*model.Task, error) {
	req.Handle = &h
	if req.ModelID == "" {
		req.ModelID = h.ModelID
	}
	return m.Submit(ctx, req)
}

// startLocked starts the task run, m.mu must be held.
func (m *Manager) startLocked(task model.Task) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.maxDuration > 0 {
		ctx, cancel = context.WithDeadline(m.baseCtx, task.CreatedAt.Add(m.maxDuration))
	} else {
		ctx, cancel = context.WithCancel(m.baseCtx)
	}

	r := &run{
		task:   task.Clone(),
		cancel: cancel,
		logger: m.logger.WithValues(log.Kv{"task-id": task.ID}),
	}
	m.runs[task.ID] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.removeRun(task.ID)
		defer cancel()
		m.loop(ctx, r)
	}()
}

func (m *Manager) removeRun(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
}

// loop drives a task until it reaches a terminal state or its context ends.
func (m *Manager) loop(ctx context.Context, r *run) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Task run panicked: %v", rec)
			m.fail(r, model.ErrorKindInternal, fmt.Sprintf("task run panicked: %v", rec))
		}
	}()

	r.mu.Lock()
	handle := provider.Handle{RequestID: r.task.RequestID, ModelID: r.task.ModelID}
	args := r.task.Arguments
	r.mu.Unlock()

	if handle.RequestID == "" {
		h, err := m.provider.Submit(ctx, handle.ModelID, args)
		if err != nil {
			m.stop(ctx, r, fmt.Errorf("could not submit request: %w", err))
			return
		}
		handle = h
		err = m.update(r, func(t *model.Task) bool {
			t.RequestID = h.RequestID
			return true
		})
		if err != nil {
			if !errors.Is(err, model.ErrTaskFinished) {
				m.fail(r, model.ErrorKindInternal, err.Error())
			}
			return
		}
		r.logger.Debugf("Request submitted to provider: %s", h.RequestID)
	}

	stream, err := m.provider.Events(ctx, handle)
	if err != nil {
		m.stop(ctx, r, fmt.Errorf("could not open event stream: %w", err))
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("event stream ended before a terminal event")
			}
			m.stop(ctx, r, err)
			return
		}

		err = m.update(r, func(t *model.Task) bool { return t.Apply(ev, m.now()) })
		if err != nil {
			if !errors.Is(err, model.ErrTaskFinished) {
				m.fail(r, model.ErrorKindInternal, err.Error())
			}
			return
		}

		if ev.IsTerminal() {
			r.logger.Infof("Task finished: %s", ev.Type)
			return
		}
	}
}

// stop ends a run that could not continue because of err.
func (m *Manager) stop(ctx context.Context, r *run, err error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("task exceeded max duration of %s", m.maxDuration)
		if m.fail(r, model.ErrorKindTransientNetwork, msg) {
			r.logger.Warningf("Task exceeded max duration of %s", m.maxDuration)
			m.cancelRemote(r)
		}
	case ctx.Err() != nil:
		// Cancelled by the user or the manager is closing, the task keeps its
		// state for a later recover.
		r.logger.Debugf("Task run stopped: %s", ctx.Err())
	default:
		r.logger.Warningf("Task failed: %s", err)
		m.fail(r, model.KindOf(err), err.Error())
	}
}

// update applies fn to the run task, storing and publishing it when it changed.
func (m *Manager) update(r *run, fn func(t *model.Task) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.task.Clone()
	if !fn(&next) {
		return nil
	}

	// Store with a context not bound to the run so cancellations can be stored.
	if err := m.repo.UpdateTask(context.Background(), next); err != nil {
		if errors.Is(err, model.ErrTaskFinished) {
			m.adoptLocked(r)
		}
		return fmt.Errorf("could not store task: %w", err)
	}
	r.task = next
	m.hub.publish(next)

	return nil
}

// adoptLocked takes the stored state of a task finished outside the run and
// stops the run, r.mu must be held.
func (m *Manager) adoptLocked(r *run) {
	r.cancel()

	stored, err := m.repo.GetTask(context.Background(), r.task.ID)
	if err != nil {
		r.logger.Errorf("Could not get task finished elsewhere: %s", err)
		return
	}
	r.task = *stored
	m.hub.publish(*stored)
	r.logger.Infof("Task finished elsewhere: %s", stored.Status)
}

// fail marks the task as failed, it returns false if it was already terminal.
func (m *Manager) fail(r *run, kind model.ErrorKind, msg string) bool {
	failed := false
	err := m.update(r, func(t *model.Task) bool {
		failed = t.Fail(kind, msg, m.now())
		return failed
	})
	if err != nil {
		if !errors.Is(err, model.ErrTaskFinished) {
			r.logger.Errorf("Could not store failed task: %s", err)
		}
		return false
	}
	return failed
}

func (m *Manager) cancelRemote(r *run) {
	r.mu.Lock()
	h := provider.Handle{RequestID: r.task.RequestID, ModelID: r.task.ModelID}
	r.mu.Unlock()
	if h.RequestID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.Cancel(ctx, h); err != nil {
		r.logger.Warningf("Could not cancel provider request %s: %s", h.RequestID, err)
	}
}

// GetStatus returns the current state of a task.
func (m *Manager) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	task, err := m.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return task, nil
}

// ListFilter filters the listed tasks, zero values don't filter.
type ListFilter struct {
	ProjectID string
	Statuses  []model.TaskStatus
}

// ListTasks returns the tasks that match the filter, newest first.
func (m *Manager) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, error) {
	tasks, err := m.repo.ListTasks(ctx, storage.TaskListOpts{ProjectID: f.ProjectID, Statuses: f.Statuses})
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return tasks, nil
}

// CancelTask cancels a non terminal task. The task is marked as cancelled
// regardless of the provider acknowledging the cancellation. It returns false
// if the task was already terminal.
func (m *Manager) CancelTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()

	if !ok {
		return m.cancelStored(ctx, id)
	}

	cancelled := false
	err := m.update(r, func(t *model.Task) bool {
		cancelled = t.Cancel(m.now())
		return cancelled
	})
	if errors.Is(err, model.ErrTaskFinished) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	r.cancel()
	r.logger.Infof("Task cancelled")
	m.cancelRemote(r)

	return true, nil
}

// cancelStored cancels a task without an active run.
func (m *Manager) cancelStored(ctx context.Context, id string) (bool, error) {
	task, err := m.repo.GetTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("could not get task: %w", err)
	}
	if !task.Cancel(m.now()) {
		return false, nil
	}
	err = m.repo.UpdateTask(ctx, *task)
	if errors.Is(err, model.ErrTaskFinished) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not store task: %w", err)
	}
	m.hub.publish(*task)

	if task.RequestID != "" {
		h := provider.Handle{RequestID: task.RequestID, ModelID: task.ModelID}
		if err := m.provider.Cancel(ctx, h); err != nil {
			m.logger.Warningf("Could not cancel provider request %s: %s", h.RequestID, err)
		}
	}

	return true, nil
}

// Watch returns the sequence of snapshots of a task. When no run of this
// manager drives the task the sequence only has the stored snapshot.
func (m *Manager) Watch(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()

	// Subscribing while holding the run lock ensures no update is missed
	// between the current snapshot and the subscription.
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		sub, unsubscribe := m.hub.subscribe(id)
		sub.offer(r.task.Clone())
		return &Subscription{sub: sub, unsubscribe: unsubscribe}, nil
	}

	task, err := m.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	return singleSubscription(*task), nil
}

// Stats returns the aggregated statistics of all the tasks.
func (m *Manager) Stats(ctx context.Context) (*model.QueueStats, error) {
	tasks, err := m.repo.ListTasks(ctx, storage.TaskListOpts{})
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	stats := model.NewQueueStats(tasks)
	return &stats, nil
}

// Purge deletes the terminal tasks that finished more than olderThan ago and
// returns how many were deleted.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := m.repo.ListTasks(ctx, storage.TaskListOpts{
		Statuses: []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled},
	})
	if err != nil {
		return 0, fmt.Errorf("could not list tasks: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	purged := 0
	for _, t := range tasks {
		if t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := m.repo.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return purged, fmt.Errorf("could not delete task %s: %w", t.ID, err)
		}
		purged++
	}

	if purged > 0 {
		m.logger.Infof("Purged %d tasks", purged)
	}
	return purged, nil
}

// Recover resumes the runs of the stored non terminal tasks. Tasks that never
// reached the provider can't be resumed and are failed. It returns the number
// of resumed tasks.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	tasks, err := m.repo.ListTasks(ctx, storage.TaskListOpts{
		Statuses: []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("could not list tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("task manager is closed")
	}

	resumed := 0
	for _, t := range tasks {
		ok, err := m.resumeLocked(ctx, t)
		if err != nil {
			return resumed, err
		}
		if ok {
			resumed++
		}
	}

	if resumed > 0 {
		m.logger.Infof("Resumed %d tasks", resumed)
	}
	return resumed, nil
}

// RecoverTask resumes the run of a single stored task. It returns false when
// the task is terminal, already running or can't be resumed.
func (m *Manager) RecoverTask(ctx context.Context, id string) (bool, error) {
	task, err := m.repo.GetTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("could not get task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, fmt.Errorf("task manager is closed")
	}
	if task.IsTerminal() {
		return false, nil
	}

	ok, err := m.resumeLocked(ctx, *task)
	if ok {
		m.logger.Infof("Resumed task %s", id)
	}
	return ok, err
}

// resumeLocked starts the run of a stored non terminal task, m.mu must be held.
func (m *Manager) resumeLocked(ctx context.Context, t model.Task) (bool, error) {
	if _, ok := m.runs[t.ID]; ok {
		return false, nil
	}

	if t.RequestID == "" {
		t.Fail(model.ErrorKindInternal, "task was interrupted before reaching the provider", m.now())
		err := m.repo.UpdateTask(ctx, t)
		if err != nil && !errors.Is(err, model.ErrTaskFinished) {
			return false, fmt.Errorf("could not store task %s: %w", t.ID, err)
		}
		return false, nil
	}

	m.startLocked(t)
	return true, nil
}

// Close stops all the task runs and waits for them. Stopped tasks keep their
// state.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
	return nil
}
