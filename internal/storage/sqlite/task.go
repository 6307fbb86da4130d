package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/storage"
)

const taskColumns = `
	id, request_id, kind, model_id, status, project_id,
	queue_position, progress, logs, result,
	error, error_kind, arguments, metadata, estimated_cost,
	created_at, started_at, completed_at
`

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	row, err := newTaskRow(t)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.RequestID, t.Kind, t.ModelID, t.Status, t.ProjectID(),
		t.QueuePosition, t.Progress, row.logs, row.result,
		t.Error, t.ErrorKind, row.arguments, row.metadata, t.EstimatedCost,
		t.CreatedAt.UnixNano(), unixFromTime(t.StartedAt), unixFromTime(t.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task with id %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &task, nil
}

// ListTasks returns the tasks that match the options, newest first.
func (r *Repository) ListTasks(ctx context.Context, opts storage.TaskListOpts) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if opts.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, 0, len(opts.Statuses))
		for _, s := range opts.Statuses {
			marks = append(marks, "?")
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateTask updates an existing non terminal task. Rows are only written
// while they are not terminal, so processes sharing the database can't bring
// a finished task back.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	row, err := newTaskRow(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET
			request_id = ?,
			status = ?,
			project_id = ?,
			queue_position = ?,
			progress = ?,
			logs = ?,
			result = ?,
			error = ?,
			error_kind = ?,
			arguments = ?,
			metadata = ?,
			estimated_cost = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		t.RequestID, t.Status, t.ProjectID(),
		t.QueuePosition, t.Progress, row.logs, row.result,
		t.Error, t.ErrorKind, row.arguments, row.metadata, t.EstimatedCost,
		unixFromTime(t.StartedAt), unixFromTime(t.CompletedAt),
		t.ID, model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		var status model.TaskStatus
		err := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("could not get task status: %w", err)
		}
		return fmt.Errorf("task %s is %s: %w", t.ID, status, model.ErrTaskFinished)
	}

	return nil
}

// DeleteTask deletes a task.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted task from repository: %s", id)
	return nil
}

// taskRow holds the JSON encoded columns of a task.
type taskRow struct {
	logs      string
	result    *string
	arguments string
	metadata  string
}

func newTaskRow(t model.Task) (taskRow, error) {
	var row taskRow
	var err error

	logs := t.Logs
	if logs == nil {
		logs = []model.LogEntry{}
	}
	if row.logs, err = encodeJSON(logs); err != nil {
		return row, fmt.Errorf("could not encode logs: %w", err)
	}
	if t.Result != nil {
		res, err := encodeJSON(t.Result)
		if err != nil {
			return row, fmt.Errorf("could not encode result: %w", err)
		}
		row.result = &res
	}
	if row.arguments, err = encodeJSON(nonNilMap(t.Arguments)); err != nil {
		return row, fmt.Errorf("could not encode arguments: %w", err)
	}
	if row.metadata, err = encodeJSON(nonNilMap(t.Metadata)); err != nil {
		return row, fmt.Errorf("could not encode metadata: %w", err)
	}

	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (model.Task, error) {
	var (
		task                              model.Task
		projectID                         string
		queuePosition                     sql.NullInt64
		progress                          sql.NullFloat64
		logs, arguments, metadata         string
		result                            sql.NullString
		createdAt, startedAt, completedAt sql.NullInt64
	)

	err := s.Scan(
		&task.ID, &task.RequestID, &task.Kind, &task.ModelID, &task.Status, &projectID,
		&queuePosition, &progress, &logs, &result,
		&task.Error, &task.ErrorKind, &arguments, &metadata, &task.EstimatedCost,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	if queuePosition.Valid {
		p := int(queuePosition.Int64)
		task.QueuePosition = &p
	}
	if progress.Valid {
		p := progress.Float64
		task.Progress = &p
	}

	if err := json.Unmarshal([]byte(logs), &task.Logs); err != nil {
		return model.Task{}, fmt.Errorf("could not decode logs: %w", err)
	}
	if len(task.Logs) == 0 {
		task.Logs = nil
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return model.Task{}, fmt.Errorf("could not decode result: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(arguments), &task.Arguments); err != nil {
		return model.Task{}, fmt.Errorf("could not decode arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
		return model.Task{}, fmt.Errorf("could not decode metadata: %w", err)
	}

	if !createdAt.Valid {
		return model.Task{}, fmt.Errorf("created_at is required")
	}
	task.CreatedAt = timeFromUnix(createdAt.Int64)
	if startedAt.Valid {
		t := timeFromUnix(startedAt.Int64)
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := timeFromUnix(completedAt.Int64)
		task.CompletedAt = &t
	}

	return task, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
