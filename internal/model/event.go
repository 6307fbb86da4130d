package model

// EventType is the tag of a provider event.
type EventType string

const (
	EventTypeQueued     EventType = "queued"
	EventTypeInProgress EventType = "in_progress"
	EventTypeCompleted  EventType = "completed"
	EventTypeFailed     EventType = "failed"
)

// Event is a provider event for a single request. Only the fields of its type are set:
//
//   - Queued: Position.
//   - InProgress: Progress (optional) and Logs (cumulative).
//   - Completed: Result.
//   - Failed: Message.
type Event struct {
	Type     EventType
	Position *int
	Progress *float64
	Logs     []LogEntry
	Result   map[string]any
	Message  string
}

// IsTerminal returns true if no event can follow this one.
func (e Event) IsTerminal() bool {
	return e.Type == EventTypeCompleted || e.Type == EventTypeFailed
}

// QueuedEvent returns a queued event.
func QueuedEvent(position int) Event {
	return Event{Type: EventTypeQueued, Position: &position}
}

// InProgressEvent returns an in progress event. A negative progress means unknown.
func InProgressEvent(progress float64, logs ...LogEntry) Event {
	ev := Event{Type: EventTypeInProgress, Logs: logs}
	if progress >= 0 {
		ev.Progress = &progress
	}
	return ev
}

// CompletedEvent returns a completed event.
func CompletedEvent(result map[string]any) Event {
	return Event{Type: EventTypeCompleted, Result: result}
}

// FailedEvent returns a failed event.
func FailedEvent(msg string) Event {
	return Event{Type: EventTypeFailed, Message: msg}
}
