package envelope

import (
	"math"
	"time"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// MaxTaskLogs is the number of most recent log lines included in a task payload.
const MaxTaskLogs = 10

// Task is the caller facing view of a task.
type Task struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id,omitempty"`
	Kind           string           `json:"kind"`
	Model          string           `json:"model"`
	Status         model.TaskStatus `json:"status"`
	QueuePosition  *int             `json:"queue_position"`
	Progress       *float64         `json:"progress"`
	ElapsedTime    float64          `json:"elapsed_time"`
	ProcessingTime *float64         `json:"processing_time"`
	ProjectID      string           `json:"project_id,omitempty"`
	SceneID        string           `json:"scene_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at"`
	Result         map[string]any   `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      model.ErrorKind  `json:"error_kind,omitempty"`
	EstimatedCost  float64          `json:"estimated_cost"`
	Logs           []model.LogEntry `json:"logs"`
}

// NewTask returns the view of a task, times are in seconds.
func NewTask(t model.Task, now time.Time) Task {
	v := Task{
		ID:            t.ID,
		RequestID:     t.RequestID,
		Kind:          t.Kind,
		Model:         t.ModelID,
		Status:        t.Status,
		QueuePosition: t.QueuePosition,
		Progress:      t.Progress,
		ElapsedTime:   seconds(t.ElapsedTime(now)),
		ProjectID:     t.ProjectID(),
		SceneID:       t.SceneID(),
		CreatedAt:     t.CreatedAt.UTC(),
		StartedAt:     utc(t.StartedAt),
		CompletedAt:   utc(t.CompletedAt),
		Result:        t.Result,
		Error:         t.Error,
		ErrorKind:     t.ErrorKind,
		EstimatedCost: t.EstimatedCost,
		Logs:          []model.LogEntry{},
	}

	if d, ok := t.ProcessingTime(); ok {
		s := seconds(d)
		v.ProcessingTime = &s
	}

	if n := len(t.Logs); n > 0 {
		v.Logs = append(v.Logs, t.Logs[max(n-MaxTaskLogs, 0):]...)
	}

	return v
}

// TaskPayload is the payload of the single task operations.
type TaskPayload struct {
	Task Task `json:"task"`
}

// NewTaskPayload returns the payload of a task.
func NewTaskPayload(t model.Task, now time.Time) TaskPayload {
	return TaskPayload{Task: NewTask(t, now)}
}

// TaskListPayload is the payload of the task listing.
type TaskListPayload struct {
	TotalTasks int                      `json:"total_tasks"`
	Tasks      []Task                   `json:"tasks"`
	ByStatus   map[model.TaskStatus]int `json:"by_status"`
}

// NewTaskListPayload returns the payload of a task listing.
func NewTaskListPayload(tasks []model.Task, now time.Time) TaskListPayload {
	p := TaskListPayload{
		TotalTasks: len(tasks),
		Tasks:      make([]Task, 0, len(tasks)),
		ByStatus:   map[model.TaskStatus]int{},
	}
	for _, t := range tasks {
		p.Tasks = append(p.Tasks, NewTask(t, now))
		p.ByStatus[t.Status]++
	}
	return p
}

// BatchItem is the outcome of a single submission of a batch, failed items
// carry the same error fields as an error envelope.
type BatchItem struct {
	Index      int             `json:"index"`
	Success    bool            `json:"success"`
	Task       *Task           `json:"task,omitempty"`
	ErrorKind  model.ErrorKind `json:"error_kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// BatchPayload is the payload of a batch submission.
type BatchPayload struct {
	TotalRequests      int         `json:"total_requests"`
	Succeeded          int         `json:"succeeded"`
	Failed             int         `json:"failed"`
	TotalEstimatedCost float64     `json:"total_estimated_cost"`
	Results            []BatchItem `json:"results"`
}

// NewBatchPayload returns the payload of the batch results.
func NewBatchPayload(results []resilient.BatchResult, now time.Time) BatchPayload {
	p := BatchPayload{
		TotalRequests: len(results),
		Results:       make([]BatchItem, 0, len(results)),
	}

	cost := 0.0
	for _, r := range results {
		if r.Err != nil {
			e := FromError(r.Err)
			p.Failed++
			p.Results = append(p.Results, BatchItem{
				Index:      r.Index,
				ErrorKind:  e.ErrorKind,
				Message:    e.Message,
				Suggestion: e.Suggestion,
			})
			continue
		}

		t := NewTask(*r.Task, now)
		p.Succeeded++
		cost += r.Task.EstimatedCost
		p.Results = append(p.Results, BatchItem{Index: r.Index, Success: true, Task: &t})
	}
	p.TotalEstimatedCost = math.Round(cost*1000) / 1000

	return p
}

// CancelPayload is the payload of a task cancellation.
type CancelPayload struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// NewCancelPayload returns the payload of a cancellation.
func NewCancelPayload(id string, cancelled bool) CancelPayload {
	msg := "task cancelled"
	if !cancelled {
		msg = "task already finished, nothing to cancel"
	}
	return CancelPayload{TaskID: id, Cancelled: cancelled, Message: msg}
}

// UploadPayload is the payload of an input upload.
type UploadPayload struct {
	URL    string `json:"url"`
	Hash   string `json:"hash"`
	Cached bool   `json:"cached"`
	Size   int64  `json:"size,omitempty"`
}

// NewUploadPayload returns the payload of an upload result.
func NewUploadPayload(r uploadcache.Result, size int64) UploadPayload {
	return UploadPayload{URL: r.URL, Hash: r.Hash, Cached: r.Cached, Size: size}
}

// Breaker is the view of a circuit breaker key.
type Breaker struct {
	Key         string            `json:"key"`
	Mode        model.BreakerMode `json:"mode"`
	Failures    int               `json:"failures"`
	LastFailure *time.Time        `json:"last_failure,omitempty"`
}

// UploadCache is the view of the upload cache state.
type UploadCache struct {
	Size        int        `json:"size"`
	MaxSize     int        `json:"max_size"`
	TTL         float64    `json:"ttl"`
	Hits        int        `json:"hits"`
	Misses      int        `json:"misses"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
}

// StatsPayload is the payload of the runtime stats.
type StatsPayload struct {
	TotalTasks            int                      `json:"total_tasks"`
	ActiveCount           int                      `json:"active_count"`
	ByStatus              map[model.TaskStatus]int `json:"by_status"`
	ByKind                map[string]int           `json:"by_kind"`
	AverageWaitTime       float64                  `json:"average_wait_time"`
	AverageProcessingTime float64                  `json:"average_processing_time"`
	Breakers              []Breaker                `json:"circuit_breakers"`
	UploadCache           UploadCache              `json:"upload_cache"`
}

// NewStatsPayload returns the payload of the runtime stats.
func NewStatsPayload(s app.Stats) StatsPayload {
	p := StatsPayload{
		TotalTasks:            s.Queue.Total,
		ActiveCount:           s.Queue.Active,
		ByStatus:              s.Queue.ByStatus,
		ByKind:                s.Queue.ByKind,
		AverageWaitTime:       seconds(s.Queue.AverageWaitTime),
		AverageProcessingTime: seconds(s.Queue.AverageProcessingTime),
		Breakers:              make([]Breaker, 0, len(s.Breakers)),
		UploadCache: UploadCache{
			Size:        s.UploadCache.Size,
			MaxSize:     s.UploadCache.MaxSize,
			TTL:         seconds(s.UploadCache.TTL),
			Hits:        s.UploadCache.Hits,
			Misses:      s.UploadCache.Misses,
			OldestEntry: utc(s.UploadCache.OldestEntry),
		},
	}

	for _, b := range s.Breakers {
		v := Breaker{Key: b.Key, Mode: b.Mode, Failures: b.Failures}
		if !b.LastFailure.IsZero() {
			v.LastFailure = utc(&b.LastFailure)
		}
		p.Breakers = append(p.Breakers, v)
	}

	return p
}

// PurgePayload is the payload of a purge.
type PurgePayload struct {
	Purged int `json:"purged"`
}

// Kind is the view of a job kind.
type Kind struct {
	Name        string        `json:"name"`
	Model       string        `json:"model"`
	Category    kind.Category `json:"category"`
	Description string        `json:"description"`
}

// KindsPayload is the payload of the kinds listing.
type KindsPayload struct {
	Kinds []Kind `json:"kinds"`
}

// NewKindsPayload returns the payload of the supported kinds.
func NewKindsPayload(kinds []kind.Kind) KindsPayload {
	p := KindsPayload{Kinds: make([]Kind, 0, len(kinds))}
	for _, k := range kinds {
		p.Kinds = append(p.Kinds, Kind{
			Name:        k.Name(),
			Model:       k.ModelID(),
			Category:    k.Category(),
			Description: k.Description(),
		})
	}
	return p
}

// KindOptions returns the valid options hint of an unknown kind error.
func KindOptions(kinds []kind.Kind) map[string]any {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.Name())
	}
	return map[string]any{"kinds": names}
}

// StatusOptions returns the valid options hint of an unknown status error.
func StatusOptions() map[string]any {
	return map[string]any{"statuses": model.TaskStatuses}
}

func seconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond)) / float64(time.Second)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
