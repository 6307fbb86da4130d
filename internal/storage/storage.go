package storage

import (
	"context"

	"github.com/h2a-dev/genq/internal/model"
)

// TaskListOpts filters the listed tasks, zero values don't filter.
type TaskListOpts struct {
	ProjectID string
	Statuses  []model.TaskStatus
}

// Matches returns true if the task passes the filter.
func (o TaskListOpts) Matches(t model.Task) bool {
	if o.ProjectID != "" && t.ProjectID() != o.ProjectID {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// TaskRepository is the interface for task persistence.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// ListTasks returns the tasks newest first.
	ListTasks(ctx context.Context, opts TaskListOpts) ([]model.Task, error)
	// UpdateTask replaces a stored task. Terminal tasks are never overwritten,
	// they return model.ErrTaskFinished.
	UpdateTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id string) error
}
