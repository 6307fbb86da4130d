package lib

import (
	"errors"
	"time"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// ProviderType identifies the generation provider implementation.
type ProviderType string

const (
	// ProviderFal uses the fal.ai queue API. Requires an API key.
	ProviderFal ProviderType = app.ProviderFal

	// ProviderFake uses an in-memory simulation (no network calls).
	// Use this for unit testing without credentials.
	ProviderFake ProviderType = app.ProviderFake
)

// TaskStatus represents the lifecycle state of a task.
//
// The typical lifecycle is:
//
//	queued -> in_progress -> completed
//
// A task can also end as failed or cancelled from any non final state.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting in the provider queue.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusInProgress indicates the provider is generating the result.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished with a result.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task finished with an error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsFinal returns true when the task will not change anymore.
func (s TaskStatus) IsFinal() bool { return model.TaskStatus(s).IsTerminal() }

// ErrorKind is the stable classification of an error, shared with the CLI
// and the HTTP API.
type ErrorKind string

const (
	ErrorKindValidation              ErrorKind = ErrorKind(model.ErrorKindValidation)
	ErrorKindAuthentication          ErrorKind = ErrorKind(model.ErrorKindAuthentication)
	ErrorKindRateLimit               ErrorKind = ErrorKind(model.ErrorKindRateLimit)
	ErrorKindTransientNetwork        ErrorKind = ErrorKind(model.ErrorKindTransientNetwork)
	ErrorKindProviderTerminalFailure ErrorKind = ErrorKind(model.ErrorKindProviderTerminalFailure)
	ErrorKindCircuitOpen             ErrorKind = ErrorKind(model.ErrorKindCircuitOpen)
	ErrorKindCancelled               ErrorKind = ErrorKind(model.ErrorKindCancelled)
	ErrorKindNotFound                ErrorKind = ErrorKind(model.ErrorKindNotFound)
	ErrorKindInternal                ErrorKind = ErrorKind(model.ErrorKindInternal)
)

// LogEntry is a log line emitted by the provider while generating.
type LogEntry struct {
	Message   string
	Level     string
	Timestamp time.Time
}

// Task represents a generation task returned by the SDK.
//
// This is a read-only snapshot of the task state at the time of the API call.
// Use [Client.GetStatus] to get the latest state.
type Task struct {
	// ID is the unique identifier (ULID) assigned at submission.
	ID string
	// RequestID is the provider request ID.
	RequestID string
	// Kind is the job kind name (e.g. "flux_pro").
	Kind string
	// ModelID is the provider model endpoint of the kind.
	ModelID string
	// Status is the current lifecycle state.
	Status TaskStatus
	// QueuePosition is the position in the provider queue. Nil when unknown.
	QueuePosition *int
	// Progress is the completion ratio between 0 and 1. Nil when unknown.
	Progress *float64
	// Logs are the provider log lines, oldest first.
	Logs []LogEntry
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time
	// StartedAt is when the provider started generating. Nil if not started.
	StartedAt *time.Time
	// CompletedAt is when the task finished. Nil if not finished.
	CompletedAt *time.Time
	// Result is the provider output of a completed task.
	Result map[string]any
	// Error is the failure message of a failed or cancelled task.
	Error string
	// ErrorKind classifies Error.
	ErrorKind ErrorKind
	// Arguments are the caller arguments of the submission.
	Arguments map[string]any
	// Metadata is the caller metadata (project_id, scene_id...).
	Metadata map[string]any
	// EstimatedCost is the estimated cost in USD.
	EstimatedCost float64
}

// ProjectID returns the project the task is linked to, if any.
func (t Task) ProjectID() string { return toInternalTask(t).ProjectID() }

// SceneID returns the scene the task is linked to, if any.
func (t Task) SceneID() string { return toInternalTask(t).SceneID() }

// SubmitTaskOpts are the options for [Client.SubmitTask].
type SubmitTaskOpts struct {
	// Kind is the job kind name. Required. See [Client.Kinds].
	Kind string
	// Arguments are the kind arguments. Local file paths are uploaded.
	Arguments map[string]any
	// Metadata is stored with the task. project_id and scene_id link the task
	// with a project and are used by [Client.ListTasks].
	Metadata map[string]any
}

// BatchResult is the outcome of an item of [Client.SubmitBatch]. Index is the
// position of the item in the batch, either Task or Err is set.
type BatchResult struct {
	Index int
	Task  *Task
	Err   error
}

// MaxBatchItems is the maximum number of items of [Client.SubmitBatch].
const MaxBatchItems = resilient.MaxBatchItems

// ListTasksOpts filters [Client.ListTasks].
type ListTasksOpts struct {
	// ProjectID only lists the tasks of a project.
	ProjectID string
	// Statuses only lists the tasks in one of the statuses.
	Statuses []TaskStatus
	// IncludeCompleted lists the finished tasks too when no status is set.
	// By default only queued and in progress tasks are listed.
	IncludeCompleted bool
}

// AwaitResultOpts are the options for [Client.AwaitResult].
type AwaitResultOpts struct {
	// PollInterval is the time between checks.
	// Default: 1s.
	PollInterval time.Duration
}

// Upload is the remote reference of an uploaded input.
type Upload struct {
	// URL is the provider URL of the content.
	URL string
	// Hash is the content fingerprint.
	Hash string
	// Cached is true when the content had already been uploaded.
	Cached bool
}

// BreakerMode is the mode of a circuit breaker.
type BreakerMode string

const (
	BreakerModeClosed   BreakerMode = BreakerMode(model.BreakerModeClosed)
	BreakerModeOpen     BreakerMode = BreakerMode(model.BreakerModeOpen)
	BreakerModeHalfOpen BreakerMode = BreakerMode(model.BreakerModeHalfOpen)
)

// BreakerState is the circuit breaker state of a provider endpoint.
type BreakerState struct {
	Key         string
	Mode        BreakerMode
	Failures    int
	LastFailure time.Time
}

// UploadCacheStats is the state of the upload cache.
type UploadCacheStats struct {
	Size        int
	MaxSize     int
	TTL         time.Duration
	OldestEntry *time.Time
	Hits        int
	Misses      int
}

// Stats is the state of the task runtime.
type Stats struct {
	// Total is the number of stored tasks.
	Total int
	// Active is the number of queued and in progress tasks.
	Active   int
	ByStatus map[TaskStatus]int
	ByKind   map[string]int
	// AverageWaitTime is the average time completed tasks waited in the queue.
	AverageWaitTime time.Duration
	// AverageProcessingTime is the average generation time of completed tasks.
	AverageProcessingTime time.Duration
	Breakers              []BreakerState
	UploadCache           UploadCacheStats
}

// Kind describes a supported job kind.
type Kind struct {
	Name        string
	ModelID     string
	Category    string
	Description string
}

// Errors returned by the SDK, inspect them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotValid        = errors.New("not valid")
	ErrAuthentication  = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransient       = errors.New("transient network error")
	ErrProviderFailure = errors.New("provider failure")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrCancelled       = errors.New("cancelled")
)

// ErrorKindOf classifies an error returned by the SDK.
func ErrorKindOf(err error) ErrorKind {
	return ErrorKind(model.KindOf(err))
}

// --- Conversion helpers ---

func fromInternalTask(t model.Task) Task {
	task := Task{
		ID:            t.ID,
		RequestID:     t.RequestID,
		Kind:          t.Kind,
		ModelID:       t.ModelID,
		Status:        TaskStatus(t.Status),
		QueuePosition: t.QueuePosition,
		Progress:      t.Progress,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Result:        t.Result,
		Error:         t.Error,
		ErrorKind:     ErrorKind(t.ErrorKind),
		Arguments:     t.Arguments,
		Metadata:      t.Metadata,
		EstimatedCost: t.EstimatedCost,
	}

	for _, l := range t.Logs {
		task.Logs = append(task.Logs, LogEntry{Message: l.Message, Level: l.Level, Timestamp: l.Timestamp})
	}

	return task
}

func toInternalTask(t Task) model.Task {
	return model.Task{ID: t.ID, Kind: t.Kind, Status: model.TaskStatus(t.Status), Metadata: t.Metadata}
}

func fromInternalBatch(rs []resilient.BatchResult) []BatchResult {
	res := make([]BatchResult, 0, len(rs))
	for _, r := range rs {
		br := BatchResult{Index: r.Index}
		if r.Err != nil {
			br.Err = mapError(r.Err)
		} else {
			t := fromInternalTask(*r.Task)
			br.Task = &t
		}
		res = append(res, br)
	}
	return res
}

func fromInternalTaskList(ts []model.Task) []Task {
	result := make([]Task, len(ts))
	for i, t := range ts {
		result[i] = fromInternalTask(t)
	}
	return result
}

func toInternalStatuses(ss []TaskStatus) []model.TaskStatus {
	if len(ss) == 0 {
		return nil
	}
	result := make([]model.TaskStatus, len(ss))
	for i, s := range ss {
		result[i] = model.TaskStatus(s)
	}
	return result
}

func fromInternalUpload(r uploadcache.Result) Upload {
	return Upload{URL: r.URL, Hash: r.Hash, Cached: r.Cached}
}

func fromInternalStats(s app.Stats) Stats {
	stats := Stats{
		Total:                 s.Queue.Total,
		Active:                s.Queue.Active,
		ByStatus:              map[TaskStatus]int{},
		ByKind:                s.Queue.ByKind,
		AverageWaitTime:       s.Queue.AverageWaitTime,
		AverageProcessingTime: s.Queue.AverageProcessingTime,
		UploadCache: UploadCacheStats{
			Size:        s.UploadCache.Size,
			MaxSize:     s.UploadCache.MaxSize,
			TTL:         s.UploadCache.TTL,
			OldestEntry: s.UploadCache.OldestEntry,
			Hits:        s.UploadCache.Hits,
			Misses:      s.UploadCache.Misses,
		},
	}

	for st, n := range s.Queue.ByStatus {
		stats.ByStatus[TaskStatus(st)] = n
	}

	for _, b := range s.Breakers {
		stats.Breakers = append(stats.Breakers, BreakerState{
			Key:         b.Key,
			Mode:        BreakerMode(b.Mode),
			Failures:    b.Failures,
			LastFailure: b.LastFailure,
		})
	}

	return stats
}

func fromInternalKinds(ks []kind.Kind) []Kind {
	result := make([]Kind, len(ks))
	for i, k := range ks {
		result[i] = Kind{
			Name:        k.Name(),
			ModelID:     k.ModelID(),
			Category:    string(k.Category()),
			Description: k.Description(),
		}
	}
	return result
}

var errorMappings = []struct {
	internal error
	public   error
}{
	{model.ErrNotFound, ErrNotFound},
	{model.ErrAlreadyExists, ErrAlreadyExists},
	{model.ErrNotValid, ErrNotValid},
	{model.ErrAuthentication, ErrAuthentication},
	{model.ErrRateLimited, ErrRateLimited},
	{model.ErrCircuitOpen, ErrCircuitOpen},
	{model.ErrCancelled, ErrCancelled},
	{model.ErrTransient, ErrTransient},
	{model.ErrProviderFailure, ErrProviderFailure},
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.internal) {
			return joinErrors(err, m.public)
		}
	}
	return err
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
