package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// JSONPrinter prints the results as JSON envelopes.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// PrintTask prints a task envelope.
func (j *JSONPrinter) PrintTask(task model.Task) error {
	return j.encode(envelope.OK(envelope.NewTaskPayload(task, time.Now())))
}

// PrintTaskUpdate prints a task envelope in a single line, so streams are
// newline delimited JSON.
func (j *JSONPrinter) PrintTaskUpdate(task model.Task) error {
	return json.NewEncoder(j.writer).Encode(envelope.OK(envelope.NewTaskPayload(task, time.Now())))
}

// PrintTaskList prints a task list envelope.
func (j *JSONPrinter) PrintTaskList(tasks []model.Task) error {
	return j.encode(envelope.OK(envelope.NewTaskListPayload(tasks, time.Now())))
}

// PrintBatch prints a batch submission envelope.
func (j *JSONPrinter) PrintBatch(results []resilient.BatchResult) error {
	return j.encode(envelope.OK(envelope.NewBatchPayload(results, time.Now())))
}

// PrintCancel prints a cancellation envelope.
func (j *JSONPrinter) PrintCancel(id string, cancelled bool) error {
	return j.encode(envelope.OK(envelope.NewCancelPayload(id, cancelled)))
}

// PrintUpload prints an upload envelope.
func (j *JSONPrinter) PrintUpload(res uploadcache.Result, size int64) error {
	return j.encode(envelope.OK(envelope.NewUploadPayload(res, size)))
}

// PrintStats prints a stats envelope.
func (j *JSONPrinter) PrintStats(stats app.Stats) error {
	return j.encode(envelope.OK(envelope.NewStatsPayload(stats)))
}

// PrintKinds prints a kinds envelope.
func (j *JSONPrinter) PrintKinds(kinds []kind.Kind) error {
	return j.encode(envelope.OK(envelope.NewKindsPayload(kinds)))
}

// PrintPurge prints a purge envelope.
func (j *JSONPrinter) PrintPurge(purged int) error {
	return j.encode(envelope.OK(envelope.PurgePayload{Purged: purged}))
}

// PrintMessage prints a simple message envelope.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(envelope.OK(struct {
		Message string `json:"message"`
	}{msg}))
}

// PrintError prints an error envelope.
func (j *JSONPrinter) PrintError(env envelope.Envelope) error {
	return j.encode(env)
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
