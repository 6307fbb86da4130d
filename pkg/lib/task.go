package lib

import (
	"context"
	"iter"
	"time"

	"github.com/h2a-dev/genq/internal/app"
)

// SubmitTask validates and submits a generation task.
//
// The task is returned as soon as the provider accepts it and it's tracked in
// the background from then on. Returns [ErrNotValid] if the kind is unknown or
// the arguments are invalid.
func (c *Client) SubmitTask(ctx context.Context, opts SubmitTaskOpts) (*Task, error) {
	t, err := c.app.SubmitTask(ctx, app.SubmitRequest{
		Kind:      opts.Kind,
		Arguments: opts.Arguments,
		Metadata:  opts.Metadata,
	})
	if err != nil {
		return nil, mapError(err)
	}

	task := fromInternalTask(*t)
	return &task, nil
}

// SubmitBatch submits several tasks concurrently. Every item gets its own
// result in the batch order, a failing item doesn't stop the others.
//
// Returns [ErrNotValid] if the batch is empty or has more than
// [MaxBatchItems] items.
func (c *Client) SubmitBatch(ctx context.Context, items []SubmitTaskOpts) ([]BatchResult, error) {
	reqs := make([]app.SubmitRequest, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, app.SubmitRequest{Kind: it.Kind, Arguments: it.Arguments, Metadata: it.Metadata})
	}

	results, err := c.app.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalBatch(results), nil
}

// GetStatus returns the current snapshot of a task.
//
// Returns [ErrNotFound] if the task does not exist.
func (c *Client) GetStatus(ctx context.Context, id string) (*Task, error) {
	t, err := c.app.GetStatus(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	task := fromInternalTask(*t)
	return &task, nil
}

// ListTasks lists the tasks, newest first. Pass nil opts to list the active tasks.
//
// Returns [ErrNotValid] if a status filter is unknown.
func (c *Client) ListTasks(ctx context.Context, opts *ListTasksOpts) ([]Task, error) {
	req := app.ListRequest{}
	if opts != nil {
		req = app.ListRequest{
			ProjectID:        opts.ProjectID,
			Statuses:         toInternalStatuses(opts.Statuses),
			IncludeCompleted: opts.IncludeCompleted,
		}
	}

	tasks, err := c.app.ListTasks(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalTaskList(tasks), nil
}

// CancelTask cancels a task. It returns false without error if the task had
// already finished.
//
// Returns [ErrNotFound] if the task does not exist.
func (c *Client) CancelTask(ctx context.Context, id string) (bool, error) {
	cancelled, err := c.app.CancelTask(ctx, id)
	return cancelled, mapError(err)
}

// AwaitResult blocks until the task finishes and returns its final state.
// Failed and cancelled tasks are returned without error, check the status.
//
// Use a context deadline to bound the wait.
func (c *Client) AwaitResult(ctx context.Context, id string, opts *AwaitResultOpts) (*Task, error) {
	var interval time.Duration
	if opts != nil {
		interval = opts.PollInterval
	}

	t, err := c.app.AwaitResult(ctx, id, interval)
	if err != nil {
		return nil, mapError(err)
	}

	task := fromInternalTask(*t)
	return &task, nil
}

// StreamUpdates returns the sequence of snapshots of a task, one per change.
// The sequence ends after the final snapshot. Errors (unknown task, context
// cancellation) are yielded once and end the sequence. Tasks this client
// doesn't track (see Client.Recover) only yield their stored snapshot.
func (c *Client) StreamUpdates(ctx context.Context, id string) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		for t, err := range c.app.StreamUpdates(ctx, id) {
			if err != nil {
				yield(Task{}, mapError(err))
				return
			}
			if !yield(fromInternalTask(t), nil) {
				return
			}
		}
	}
}

// UploadInput uploads content to the provider storage. The same content is
// only uploaded once while it's cached.
func (c *Client) UploadInput(ctx context.Context, name string, content []byte) (*Upload, error) {
	res, err := c.app.UploadInput(ctx, name, content)
	if err != nil {
		return nil, mapError(err)
	}

	up := fromInternalUpload(res)
	return &up, nil
}

// UploadFile uploads a local file to the provider storage. The same content
// is only uploaded once while it's cached.
//
// Returns [ErrNotValid] if the file can't be read.
func (c *Client) UploadFile(ctx context.Context, path string) (*Upload, error) {
	res, err := c.app.UploadFile(ctx, path)
	if err != nil {
		return nil, mapError(err)
	}

	up := fromInternalUpload(res)
	return &up, nil
}

// Stats returns the task, circuit breaker and upload cache stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	s, err := c.app.Stats(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	stats := fromInternalStats(*s)
	return &stats, nil
}

// Purge deletes the finished tasks completed more than olderThan ago. It
// returns the number of deleted tasks.
func (c *Client) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := c.app.Purge(ctx, olderThan)
	return n, mapError(err)
}

// ClearUploadCache forgets every uploaded input, the next uploads reach the provider.
func (c *Client) ClearUploadCache() { c.app.ClearUploadCache() }

// Kinds returns the supported job kinds sorted by name.
func (c *Client) Kinds() []Kind { return fromInternalKinds(c.app.Kinds()) }
