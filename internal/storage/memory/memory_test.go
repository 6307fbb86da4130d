package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/storage"
	"github.com/h2a-dev/genq/internal/storage/memory"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func taskFixture(id string, created time.Time, status model.TaskStatus, project string) model.Task {
	md := map[string]any{}
	if project != "" {
		md[model.MetadataProjectID] = project
	}
	t := model.NewTask(id, "imagen4", "fal-ai/imagen4/preview", map[string]any{"prompt": "a cat"}, md, created)
	t.Status = status
	return t
}

func TestRepositoryCRUD(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo *memory.Repository) error
		expErr  error
	}{
		"Creating a task should work.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				err := repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, "p1"))
				require.NoError(t, err)

				got, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "t1", got.ID)
				assert.Equal(t, "p1", got.ProjectID())
				assert.Equal(t, model.TaskStatusQueued, got.Status)
				return nil
			},
		},

		"Creating a duplicate ID should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				require.NoError(t, repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, "")))
				return repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, ""))
			},
			expErr: model.ErrAlreadyExists,
		},

		"Getting a missing task should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				_, err := repo.GetTask(ctx, "missing")
				return err
			},
			expErr: model.ErrNotFound,
		},

		"Updating a task should store the new state.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				task := taskFixture("t1", t0, model.TaskStatusQueued, "")
				require.NoError(t, repo.CreateTask(ctx, task))

				task.Apply(model.CompletedEvent(map[string]any{"url": "https://cdn.test/a.png"}), t0.Add(time.Minute))
				require.NoError(t, repo.UpdateTask(ctx, task))

				got, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusCompleted, got.Status)
				assert.Equal(t, "https://cdn.test/a.png", got.Result["url"])
				return nil
			},
		},

		"Updating a finished task should not overwrite it.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				task := taskFixture("t1", t0, model.TaskStatusInProgress, "")
				require.NoError(t, repo.CreateTask(ctx, task))

				cancelled := task.Clone()
				require.True(t, cancelled.Cancel(t0.Add(time.Second)))
				require.NoError(t, repo.UpdateTask(ctx, cancelled))

				task.Apply(model.InProgressEvent(0.5), t0.Add(2*time.Second))
				err := repo.UpdateTask(ctx, task)

				got, gerr := repo.GetTask(ctx, "t1")
				require.NoError(t, gerr)
				assert.Equal(t, model.TaskStatusCancelled, got.Status)
				return err
			},
			expErr: model.ErrTaskFinished,
		},

		"Updating a missing task should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				return repo.UpdateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, ""))
			},
			expErr: model.ErrNotFound,
		},

		"Deleting a task should remove it.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				require.NoError(t, repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, "")))
				require.NoError(t, repo.DeleteTask(ctx, "t1"))
				_, err := repo.GetTask(ctx, "t1")
				return err
			},
			expErr: model.ErrNotFound,
		},

		"Deleting a missing task should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				return repo.DeleteTask(ctx, "missing")
			},
			expErr: model.ErrNotFound,
		},

		"Mutating a returned task should not change the stored one.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) error {
				require.NoError(t, repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, "p1")))

				got, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				got.Metadata[model.MetadataProjectID] = "other"
				got.Arguments["prompt"] = "a dog"

				got2, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "p1", got2.ProjectID())
				assert.Equal(t, "a cat", got2.Arguments["prompt"])
				return nil
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: log.Noop})
			require.NoError(t, err)

			err = test.actions(context.Background(), t, repo)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRepositoryListTasks(t *testing.T) {
	tests := map[string]struct {
		opts   storage.TaskListOpts
		expIDs []string
	}{
		"Without filter all the tasks should be returned newest first.": {
			opts:   storage.TaskListOpts{},
			expIDs: []string{"t4", "t3", "t2", "t1"},
		},

		"Filtering by project should return only the project tasks.": {
			opts:   storage.TaskListOpts{ProjectID: "p1"},
			expIDs: []string{"t3", "t1"},
		},

		"Filtering by status should return only those statuses.": {
			opts:   storage.TaskListOpts{Statuses: []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusInProgress}},
			expIDs: []string{"t4", "t2", "t1"},
		},

		"Filtering by project and status should apply both.": {
			opts:   storage.TaskListOpts{ProjectID: "p1", Statuses: []model.TaskStatus{model.TaskStatusCompleted}},
			expIDs: []string{"t3"},
		},

		"A filter without matches should return an empty list.": {
			opts:   storage.TaskListOpts{ProjectID: "missing"},
			expIDs: []string{},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(t, err)

			require.NoError(t, repo.CreateTask(ctx, taskFixture("t1", t0, model.TaskStatusQueued, "p1")))
			require.NoError(t, repo.CreateTask(ctx, taskFixture("t2", t0.Add(time.Second), model.TaskStatusInProgress, "p2")))
			require.NoError(t, repo.CreateTask(ctx, taskFixture("t3", t0.Add(2*time.Second), model.TaskStatusCompleted, "p1")))
			// Same creation time as t3, ties are broken by ID.
			require.NoError(t, repo.CreateTask(ctx, taskFixture("t4", t0.Add(2*time.Second), model.TaskStatusQueued, "")))

			tasks, err := repo.ListTasks(ctx, test.opts)
			require.NoError(t, err)

			gotIDs := []string{}
			for _, task := range tasks {
				gotIDs = append(gotIDs, task.ID)
			}
			assert.Equal(t, test.expIDs, gotIDs)
		})
	}
}
