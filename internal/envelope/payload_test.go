package envelope_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
)

func TestNewTask(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(2 * time.Second)
	completed := started.Add(1500 * time.Millisecond)

	logs := make([]model.LogEntry, 0, 12)
	for i := range 12 {
		logs = append(logs, model.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}

	tests := map[string]struct {
		task      model.Task
		now       time.Time
		expView   func(v envelope.Task)
		expFields []string
	}{
		"A completed task should have its processing time and the last logs.": {
			task: model.Task{
				ID:          "t1",
				Kind:        "imagen4",
				ModelID:     "fal-ai/imagen4/preview",
				Status:      model.TaskStatusCompleted,
				CreatedAt:   created,
				StartedAt:   &started,
				CompletedAt: &completed,
				Result:      map[string]any{"url": "https://example.com/a.png"},
				Logs:        logs,
				Metadata:    map[string]any{model.MetadataProjectID: "p1", model.MetadataSceneID: "s1"},
			},
			now: completed.Add(time.Hour),
			expView: func(v envelope.Task) {
				assert.Equal(t, 3.5, v.ElapsedTime)
				require.NotNil(t, v.ProcessingTime)
				assert.Equal(t, 1.5, *v.ProcessingTime)
				assert.Len(t, v.Logs, envelope.MaxTaskLogs)
				assert.Equal(t, "line 2", v.Logs[0].Message)
				assert.Equal(t, "p1", v.ProjectID)
				assert.Equal(t, "s1", v.SceneID)
			},
			expFields: []string{"result", "project_id", "scene_id"},
		},

		"A queued task should use the current time for the elapsed time.": {
			task: model.Task{
				ID:        "t2",
				Kind:      "imagen4",
				ModelID:   "fal-ai/imagen4/preview",
				Status:    model.TaskStatusQueued,
				CreatedAt: created,
			},
			now: created.Add(10 * time.Second),
			expView: func(v envelope.Task) {
				assert.Equal(t, 10.0, v.ElapsedTime)
				assert.Nil(t, v.ProcessingTime)
				assert.NotNil(t, v.Logs)
				assert.Empty(t, v.Logs)
			},
			expFields: []string{"queue_position", "progress", "logs"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			v := envelope.NewTask(test.task, test.now)
			test.expView(v)

			data, err := json.Marshal(v)
			require.NoError(t, err)
			var fields map[string]any
			require.NoError(t, json.Unmarshal(data, &fields))
			for _, f := range test.expFields {
				assert.Contains(t, fields, f)
			}
		})
	}
}

func TestNewTaskListPayload(t *testing.T) {
	now := time.Now()
	tasks := []model.Task{
		{ID: "a", Status: model.TaskStatusQueued, CreatedAt: now},
		{ID: "b", Status: model.TaskStatusQueued, CreatedAt: now},
		{ID: "c", Status: model.TaskStatusFailed, CreatedAt: now},
	}

	p := envelope.NewTaskListPayload(tasks, now)
	assert.Equal(t, 3, p.TotalTasks)
	assert.Equal(t, 2, p.ByStatus[model.TaskStatusQueued])
	assert.Equal(t, 1, p.ByStatus[model.TaskStatusFailed])

	data, err := json.Marshal(envelope.OK(envelope.NewTaskListPayload(nil, now)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"total_tasks":0,"tasks":[],"by_status":{}}`, string(data))
}

func TestNewStatsPayload(t *testing.T) {
	failure := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := envelope.NewStatsPayload(app.Stats{
		Queue: model.QueueStats{
			Total:                 2,
			Active:                1,
			AverageWaitTime:       2 * time.Second,
			AverageProcessingTime: 90 * time.Second,
		},
		Breakers: []model.BreakerState{
			{Key: "fal-ai/flux-pro", Mode: model.BreakerModeOpen, Failures: 5, LastFailure: failure},
			{Key: "upload", Mode: model.BreakerModeClosed},
		},
		UploadCache: model.UploadCacheStats{Size: 1, MaxSize: 100, TTL: 24 * time.Hour},
	})

	assert.Equal(t, 2.0, p.AverageWaitTime)
	assert.Equal(t, 90.0, p.AverageProcessingTime)
	require.Len(t, p.Breakers, 2)
	require.NotNil(t, p.Breakers[0].LastFailure)
	assert.Nil(t, p.Breakers[1].LastFailure)
	assert.Equal(t, 86400.0, p.UploadCache.TTL)
}

func TestNewBatchPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	results := []resilient.BatchResult{
		{Index: 0, Task: &model.Task{ID: "a", Kind: "imagen4", Status: model.TaskStatusQueued, EstimatedCost: 0.05, CreatedAt: now}},
		{Index: 1, Err: fmt.Errorf("unknown kind %q: %w", "dalle", model.ErrNotValid)},
		{Index: 2, Task: &model.Task{ID: "c", Kind: "kling_2.1", Status: model.TaskStatusQueued, EstimatedCost: 0.25, CreatedAt: now}},
	}

	p := envelope.NewBatchPayload(results, now)
	assert.Equal(t, 3, p.TotalRequests)
	assert.Equal(t, 2, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 0.3, p.TotalEstimatedCost)

	require.Len(t, p.Results, 3)
	assert.True(t, p.Results[0].Success)
	assert.Equal(t, "a", p.Results[0].Task.ID)

	failed := p.Results[1]
	assert.Equal(t, 1, failed.Index)
	assert.False(t, failed.Success)
	assert.Nil(t, failed.Task)
	assert.Equal(t, model.ErrorKindValidation, failed.ErrorKind)
	assert.Contains(t, failed.Message, "dalle")
	assert.NotEmpty(t, failed.Suggestion)

	data, err := json.Marshal(envelope.OK(p))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, true, doc["success"])
	assert.Equal(t, 1.0, doc["failed"])
}

func TestNewCancelPayload(t *testing.T) {
	assert.Equal(t, "task cancelled", envelope.NewCancelPayload("t1", true).Message)
	assert.False(t, envelope.NewCancelPayload("t1", false).Cancelled)
}

func TestKindsPayload(t *testing.T) {
	kinds := kind.NewBuiltinRegistry().List()

	p := envelope.NewKindsPayload(kinds)
	require.Len(t, p.Kinds, len(kinds))
	assert.Equal(t, kinds[0].Name(), p.Kinds[0].Name)
	assert.Equal(t, kinds[0].ModelID(), p.Kinds[0].Model)

	opts := envelope.KindOptions(kinds)
	assert.Len(t, opts["kinds"], len(kinds))
}
