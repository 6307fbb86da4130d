package model

import (
	"regexp"
	"strconv"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskStatuses are all the known task statuses in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusInProgress,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// IsTerminal returns true when the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValid returns true if the status is a known one.
func (s TaskStatus) IsValid() bool {
	for _, st := range TaskStatuses {
		if s == st {
			return true
		}
	}
	return false
}

const (
	// MetadataProjectID is the metadata key that links a task with a project.
	MetadataProjectID = "project_id"
	// MetadataSceneID is the metadata key that links a task with a scene.
	MetadataSceneID = "scene_id"

	// CancelledByUserMessage is the error recorded on user cancellations.
	CancelledByUserMessage = "task cancelled by user"

	// maxRunningProgress keeps 1.0 reserved for completed tasks.
	maxRunningProgress = 0.99
)

// LogEntry is a single log line emitted by the provider for a task.
type LogEntry struct {
	Message   string    `json:"message"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Task is a tracked unit of generation work.
type Task struct {
	ID            string
	RequestID     string
	Kind          string
	ModelID       string
	Status        TaskStatus
	QueuePosition *int
	Progress      *float64
	Logs          []LogEntry
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        map[string]any
	Error         string
	ErrorKind     ErrorKind
	Arguments     map[string]any
	Metadata      map[string]any
	EstimatedCost float64
}

// NewTask returns a new queued task.
func NewTask(id, kind, modelID string, args, metadata map[string]any, now time.Time) Task {
	return Task{
		ID:        id,
		Kind:      kind,
		ModelID:   modelID,
		Status:    TaskStatusQueued,
		CreatedAt: now.UTC(),
		Arguments: args,
		Metadata:  metadata,
	}
}

// IsTerminal returns true when the task is completed, failed or cancelled.
func (t Task) IsTerminal() bool { return t.Status.IsTerminal() }

// ProjectID returns the project recorded in the task metadata, if any.
func (t Task) ProjectID() string { return t.metadataString(MetadataProjectID) }

// SceneID returns the scene recorded in the task metadata, if any.
func (t Task) SceneID() string { return t.metadataString(MetadataSceneID) }

func (t Task) metadataString(key string) string {
	v, ok := t.Metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}

// ElapsedTime returns the time since the task was created, or its total
// duration if it already finished.
func (t Task) ElapsedTime(now time.Time) time.Duration {
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(t.CreatedAt)
}

// WaitTime returns how long the task waited before the provider started it.
func (t Task) WaitTime() (time.Duration, bool) {
	if t.StartedAt == nil {
		return 0, false
	}
	return t.StartedAt.Sub(t.CreatedAt), true
}

// ProcessingTime returns how long the provider took once it started the task.
func (t Task) ProcessingTime() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// Clone returns a copy of the task that shares no mutable state with the original.
func (t Task) Clone() Task {
	c := t
	if t.QueuePosition != nil {
		p := *t.QueuePosition
		c.QueuePosition = &p
	}
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Logs != nil {
		c.Logs = append([]LogEntry(nil), t.Logs...)
	}
	c.Result = cloneMap(t.Result)
	c.Arguments = cloneMap(t.Arguments)
	c.Metadata = cloneMap(t.Metadata)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Apply applies a provider event to the task and returns true if the task changed.
// Terminal tasks ignore every event.
func (t *Task) Apply(ev Event, now time.Time) bool {
	if t.IsTerminal() {
		return false
	}

	now = now.UTC()
	switch ev.Type {
	case EventTypeQueued:
		// A late queued event can't move the task back.
		if t.Status != TaskStatusQueued || ev.Position == nil {
			return false
		}
		pos := max(*ev.Position, 0)
		if t.QueuePosition != nil && *t.QueuePosition == pos {
			return false
		}
		t.QueuePosition = &pos
		return true

	case EventTypeInProgress:
		changed := t.leaveQueue(now)
		if t.Status != TaskStatusInProgress {
			t.Status = TaskStatusInProgress
			changed = true
		}

		newLogs := t.appendLogs(ev.Logs)
		if len(newLogs) > 0 {
			changed = true
		}

		progress := ev.Progress
		if progress == nil {
			progress = progressFromLogs(newLogs)
		}
		if progress != nil && t.raiseProgress(min(*progress, maxRunningProgress)) {
			changed = true
		}
		return changed

	case EventTypeCompleted:
		t.leaveQueue(now)
		t.appendLogs(ev.Logs)
		t.Status = TaskStatusCompleted
		t.Result = ev.Result
		if t.Result == nil {
			t.Result = map[string]any{}
		}
		done := 1.0
		t.Progress = &done
		t.CompletedAt = &now
		t.Error = ""
		t.ErrorKind = ""
		return true

	case EventTypeFailed:
		t.appendLogs(ev.Logs)
		msg := ev.Message
		if msg == "" {
			msg = "provider reported a failure"
		}
		return t.Fail(ErrorKindProviderTerminalFailure, msg, now)
	}

	return false
}

// Fail marks the task as failed. It returns false if the task was already terminal.
func (t *Task) Fail(kind ErrorKind, msg string, now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	now = now.UTC()
	t.leaveQueue(now)
	t.Status = TaskStatusFailed
	t.Error = msg
	t.ErrorKind = kind
	t.Result = nil
	t.CompletedAt = &now
	return true
}

// Cancel marks the task as cancelled. It returns false if the task was already terminal.
func (t *Task) Cancel(now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	now = now.UTC()
	t.leaveQueue(now)
	t.Status = TaskStatusCancelled
	t.Error = CancelledByUserMessage
	t.ErrorKind = ErrorKindCancelled
	t.Result = nil
	t.CompletedAt = &now
	return true
}

// leaveQueue clears the queue position and sets the start time once.
func (t *Task) leaveQueue(now time.Time) bool {
	changed := false
	if t.QueuePosition != nil {
		t.QueuePosition = nil
		changed = true
	}
	if t.StartedAt == nil {
		t.StartedAt = &now
		changed = true
	}
	return changed
}

// appendLogs appends the part of a cumulative log delivery not already recorded.
func (t *Task) appendLogs(logs []LogEntry) []LogEntry {
	if len(logs) <= len(t.Logs) {
		return nil
	}
	newLogs := logs[len(t.Logs):]
	t.Logs = append(t.Logs, newLogs...)
	return newLogs
}

func (t *Task) raiseProgress(p float64) bool {
	p = max(p, 0)
	if t.Progress != nil && p <= *t.Progress {
		return false
	}
	t.Progress = &p
	return true
}

var progressRegexp = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)

// progressFromLogs returns the most recent percentage found in the logs.
func progressFromLogs(logs []LogEntry) *float64 {
	for i := len(logs) - 1; i >= 0; i-- {
		matches := progressRegexp.FindAllStringSubmatch(logs[i].Message, -1)
		if len(matches) == 0 {
			continue
		}
		pct, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
		if err != nil || pct > 100 {
			continue
		}
		p := pct / 100
		return &p
	}
	return nil
}

// QueueStats is an aggregated view over the task table.
type QueueStats struct {
	Total                 int
	ByStatus              map[TaskStatus]int
	ByKind                map[string]int
	Active                int
	AverageWaitTime       time.Duration
	AverageProcessingTime time.Duration
}

// NewQueueStats aggregates the stats of a set of tasks. Average times are
// computed over completed tasks.
func NewQueueStats(tasks []Task) QueueStats {
	stats := QueueStats{
		Total:    len(tasks),
		ByStatus: map[TaskStatus]int{},
		ByKind:   map[string]int{},
	}
	for _, st := range TaskStatuses {
		stats.ByStatus[st] = 0
	}

	var completed int
	var totalWait, totalProcessing time.Duration
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		stats.ByKind[t.Kind]++
		if !t.IsTerminal() {
			stats.Active++
		}
		if t.Status != TaskStatusCompleted {
			continue
		}
		completed++
		if d, ok := t.WaitTime(); ok {
			totalWait += d
		}
		if d, ok := t.ProcessingTime(); ok {
			totalProcessing += d
		}
	}

	if completed > 0 {
		stats.AverageWaitTime = totalWait / time.Duration(completed)
		stats.AverageProcessingTime = totalProcessing / time.Duration(completed)
	}

	return stats
}
