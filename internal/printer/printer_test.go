package printer_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/printer"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

func taskFixture() model.Task {
	created := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	started := created.Add(3 * time.Second)
	completed := started.Add(20 * time.Second)
	progress := 1.0
	return model.Task{
		ID:            "01JJ6ZQ3V7B4Q4W6R9S1T2U3V4",
		RequestID:     "req-1",
		Kind:          "imagen4",
		ModelID:       "fal-ai/imagen4/preview",
		Status:        model.TaskStatusCompleted,
		Progress:      &progress,
		CreatedAt:     created,
		StartedAt:     &started,
		CompletedAt:   &completed,
		Result:        map[string]any{"url": "https://example.com/a.png"},
		Logs:          []model.LogEntry{{Message: "generating 50%"}},
		Metadata:      map[string]any{model.MetadataProjectID: "trailer"},
		EstimatedCost: 0.04,
	}
}

func TestNew(t *testing.T) {
	tests := map[string]struct {
		format string
		expErr bool
	}{
		"Table format.":            {format: printer.FormatTable},
		"JSON format.":             {format: printer.FormatJSON},
		"Empty format is a table.": {format: ""},
		"Unknown format.":          {format: "yaml", expErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := printer.New(test.format, &bytes.Buffer{})
			if test.expErr {
				assert.Equal(t, model.ErrorKindValidation, model.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestTablePrinterPrintTask(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTask(taskFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Status:      completed")
	assert.Contains(t, out, "Progress:    100%")
	assert.Contains(t, out, "Project:     trailer")
	assert.Contains(t, out, "Cost:        $0.040 (estimated)")
	assert.Contains(t, out, "Processing:  20s")
	assert.Contains(t, out, "  url: https://example.com/a.png")
	assert.Contains(t, out, "  generating 50%")
}

func TestTablePrinterPrintTaskUpdate(t *testing.T) {
	pos := 3
	queued := model.Task{ID: "t1", Status: model.TaskStatusQueued, QueuePosition: &pos}

	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)
	require.NoError(t, p.PrintTaskUpdate(queued))
	require.NoError(t, p.PrintTaskUpdate(taskFixture()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "t1  queued          -  position 3", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "100%  generating 50%"))
}

func TestTablePrinterPrintTaskList(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintTaskList(nil))
	assert.Empty(t, buf.String())

	require.NoError(t, p.PrintTaskList([]model.Task{taskFixture()}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "imagen4")
	assert.Contains(t, lines[1], "trailer")
}

func batchFixture() []resilient.BatchResult {
	task := taskFixture()
	task.Status = model.TaskStatusQueued
	return []resilient.BatchResult{
		{Index: 0, Task: &task},
		{Index: 1, Err: fmt.Errorf("unknown kind %q: %w", "dalle", model.ErrNotValid)},
	}
}

func TestTablePrinterPrintBatch(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintBatch(batchFixture()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Contains(t, lines[1], "submitted")
	assert.Contains(t, lines[1], "01JJ6ZQ3V7B4Q4W6R9S1T2U3V4")
	assert.Contains(t, lines[1], "$0.040")
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], `VALIDATION: unknown kind "dalle": not valid`)
	assert.Equal(t, "Submitted 1 of 2 tasks, 1 failed, estimated cost $0.040", lines[4])
}

func TestTablePrinterPrintStats(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintStats(app.Stats{
		Queue: model.QueueStats{
			Total:    3,
			Active:   1,
			ByStatus: map[model.TaskStatus]int{model.TaskStatusCompleted: 2, model.TaskStatusQueued: 1},
		},
		Breakers:    []model.BreakerState{{Key: "upload", Mode: model.BreakerModeOpen, Failures: 5, LastFailure: time.Now()}},
		UploadCache: model.UploadCacheStats{Size: 2, MaxSize: 100, Hits: 4, Misses: 2},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Tasks:            3 (1 active)")
	assert.Contains(t, out, "completed:")
	assert.Contains(t, out, "Upload cache:     2/100 entries, 4 hits, 2 misses")
	assert.Contains(t, out, "CIRCUIT")
	assert.Contains(t, out, "upload")
}

func TestTablePrinterPrintMessages(t *testing.T) {
	tests := map[string]struct {
		print  func(p printer.Printer) error
		expOut string
	}{
		"Message.": {
			print:  func(p printer.Printer) error { return p.PrintMessage("ok") },
			expOut: "ok",
		},
		"Cancelled task.": {
			print:  func(p printer.Printer) error { return p.PrintCancel("t1", true) },
			expOut: "t1: task cancelled",
		},
		"Purge of one task.": {
			print:  func(p printer.Printer) error { return p.PrintPurge(1) },
			expOut: "Purged 1 task",
		},
		"Purge of many tasks.": {
			print:  func(p printer.Printer) error { return p.PrintPurge(3) },
			expOut: "Purged 3 tasks",
		},
		"Error with suggestion.": {
			print: func(p printer.Printer) error {
				return p.PrintError(envelope.FromError(fmt.Errorf("task x: %w", model.ErrNotFound)))
			},
			expOut: "Error (NOT_FOUND): task x: not found\nSuggestion: Check the task ID, `genq list --all` lists the known tasks.",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, test.print(printer.NewTablePrinter(&buf)))
			assert.Equal(t, test.expOut, strings.TrimSpace(buf.String()))
		})
	}
}

func TestTablePrinterPrintKinds(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintKinds(kind.NewBuiltinRegistry().List()))
	out := buf.String()
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "fal-ai/kling-video/v2.1/standard/image-to-video")
}

func TestJSONPrinterPrintTask(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintTask(taskFixture())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, true, got["success"])
	task := got["task"].(map[string]any)
	assert.Equal(t, "completed", task["status"])
	assert.Equal(t, "fal-ai/imagen4/preview", task["model"])
	assert.Equal(t, "trailer", task["project_id"])
	assert.Equal(t, 20.0, task["processing_time"])
}

func TestJSONPrinterPrintTaskUpdate(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	require.NoError(t, p.PrintTaskUpdate(taskFixture()))
	require.NoError(t, p.PrintTaskUpdate(taskFixture()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, l := range lines {
		assert.True(t, json.Valid([]byte(l)))
	}
}

func TestJSONPrinterEnvelopes(t *testing.T) {
	tests := map[string]struct {
		print  func(p printer.Printer) error
		expOut string
	}{
		"Upload.": {
			print: func(p printer.Printer) error {
				return p.PrintUpload(uploadcache.Result{URL: "https://x/a.png", Hash: "abc", Cached: true}, 10)
			},
			expOut: `{"success":true,"url":"https://x/a.png","hash":"abc","cached":true,"size":10}`,
		},
		"Cancel.": {
			print:  func(p printer.Printer) error { return p.PrintCancel("t1", false) },
			expOut: `{"success":true,"task_id":"t1","cancelled":false,"message":"task already finished, nothing to cancel"}`,
		},
		"Batch.": {
			print: func(p printer.Printer) error {
				return p.PrintBatch(batchFixture()[1:])
			},
			expOut: `{
				"success": true,
				"total_requests": 1,
				"succeeded": 0,
				"failed": 1,
				"total_estimated_cost": 0,
				"results": [{
					"index": 1,
					"success": false,
					"error_kind": "VALIDATION",
					"message": "unknown kind \"dalle\": not valid",
					"suggestion": "Check the arguments, ` + "`genq kinds`" + ` lists the supported kinds and their models."
				}]
			}`,
		},
		"Purge.": {
			print:  func(p printer.Printer) error { return p.PrintPurge(2) },
			expOut: `{"success":true,"purged":2}`,
		},
		"Message.": {
			print:  func(p printer.Printer) error { return p.PrintMessage("ok") },
			expOut: `{"success":true,"message":"ok"}`,
		},
		"Error.": {
			print: func(p printer.Printer) error {
				env := envelope.FromError(fmt.Errorf("bad status: %w", model.ErrNotValid)).WithValidOptions(envelope.StatusOptions())
				return p.PrintError(env)
			},
			expOut: `{
				"success": false,
				"error_kind": "VALIDATION",
				"message": "bad status: not valid",
				"suggestion": "Check the arguments, ` + "`genq kinds`" + ` lists the supported kinds and their models.",
				"valid_options": {"statuses": ["queued", "in_progress", "completed", "failed", "cancelled"]}
			}`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, test.print(printer.NewJSONPrinter(&buf)))
			assert.JSONEq(t, test.expOut, buf.String())
		})
	}
}
