// Package printer renders the command results for humans (tables) or
// machines (JSON envelopes).
package printer

import (
	"fmt"
	"io"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Formats are the supported output formats.
var Formats = []string{FormatTable, FormatJSON}

// Printer knows how to print the results of the commands.
type Printer interface {
	PrintTask(task model.Task) error
	// PrintTaskUpdate prints an intermediate snapshot of a streamed task.
	PrintTaskUpdate(task model.Task) error
	PrintTaskList(tasks []model.Task) error
	PrintBatch(results []resilient.BatchResult) error
	PrintCancel(id string, cancelled bool) error
	PrintUpload(res uploadcache.Result, size int64) error
	PrintStats(stats app.Stats) error
	PrintKinds(kinds []kind.Kind) error
	PrintPurge(purged int) error
	PrintMessage(msg string) error
	PrintError(env envelope.Envelope) error
}

// New returns the printer of a format.
func New(format string, w io.Writer) (Printer, error) {
	switch format {
	case FormatTable, "":
		return NewTablePrinter(w), nil
	case FormatJSON:
		return NewJSONPrinter(w), nil
	}
	return nil, fmt.Errorf("unknown output format %q: %w", format, model.ErrNotValid)
}
