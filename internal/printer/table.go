package printer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/resilient"
	"github.com/h2a-dev/genq/internal/uploadcache"
)

// TablePrinter prints the results in a human readable format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTask prints the details of a task.
func (t *TablePrinter) PrintTask(task model.Task) error {
	fmt.Fprintf(t.writer, "ID:          %s\n", task.ID)
	if task.RequestID != "" {
		fmt.Fprintf(t.writer, "Request:     %s\n", task.RequestID)
	}
	fmt.Fprintf(t.writer, "Kind:        %s\n", task.Kind)
	fmt.Fprintf(t.writer, "Model:       %s\n", task.ModelID)
	fmt.Fprintf(t.writer, "Status:      %s\n", task.Status)
	if task.QueuePosition != nil {
		fmt.Fprintf(t.writer, "Position:    %d\n", *task.QueuePosition)
	}
	fmt.Fprintf(t.writer, "Progress:    %s\n", FormatProgress(task.Progress))
	if p := task.ProjectID(); p != "" {
		fmt.Fprintf(t.writer, "Project:     %s\n", p)
	}
	if s := task.SceneID(); s != "" {
		fmt.Fprintf(t.writer, "Scene:       %s\n", s)
	}
	fmt.Fprintf(t.writer, "Cost:        %s (estimated)\n", FormatCost(task.EstimatedCost))
	fmt.Fprintf(t.writer, "Created:     %s\n", FormatTimestamp(task.CreatedAt))
	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:     %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Completed:   %s\n", FormatTimestamp(*task.CompletedAt))
	}
	fmt.Fprintf(t.writer, "Elapsed:     %s\n", FormatDuration(task.ElapsedTime(time.Now())))
	if d, ok := task.ProcessingTime(); ok {
		fmt.Fprintf(t.writer, "Processing:  %s\n", FormatDuration(d))
	}

	if task.Error != "" {
		fmt.Fprintf(t.writer, "Error:       %s (%s)\n", task.Error, task.ErrorKind)
	}

	if len(task.Result) > 0 {
		fmt.Fprintln(t.writer, "Result:")
		keys := make([]string, 0, len(task.Result))
		for k := range task.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(t.writer, "  %s: %v\n", k, task.Result[k])
		}
	}

	if n := len(task.Logs); n > 0 {
		fmt.Fprintln(t.writer, "Logs:")
		for _, l := range task.Logs[max(n-envelope.MaxTaskLogs, 0):] {
			fmt.Fprintf(t.writer, "  %s\n", l.Message)
		}
	}

	return nil
}

// PrintTaskUpdate prints a single line with the task state.
func (t *TablePrinter) PrintTaskUpdate(task model.Task) error {
	line := fmt.Sprintf("%s  %-11s  %4s", task.ID, task.Status, FormatProgress(task.Progress))
	switch {
	case task.QueuePosition != nil:
		line += fmt.Sprintf("  position %d", *task.QueuePosition)
	case len(task.Logs) > 0:
		line += "  " + task.Logs[len(task.Logs)-1].Message
	}
	fmt.Fprintln(t.writer, strings.TrimRight(line, " "))
	return nil
}

// PrintTaskList prints the tasks in a table format.
func (t *TablePrinter) PrintTaskList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPROGRESS\tPROJECT\tCREATED")

	// Print rows.
	for _, task := range tasks {
		project := task.ProjectID()
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID,
			task.Kind,
			task.Status,
			FormatProgress(task.Progress),
			project,
			TimeAgo(task.CreatedAt),
		)
	}

	return nil
}

// PrintBatch prints one row per batch item and the batch summary.
func (t *TablePrinter) PrintBatch(results []resilient.BatchResult) error {
	p := envelope.NewBatchPayload(results, time.Now())

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#	RESULT	TASK	KIND	DETAIL")
	for _, r := range p.Results {
		if !r.Success {
			fmt.Fprintf(tw, "%d	failed	-	-	%s: %s\n", r.Index, r.ErrorKind, r.Message)
			continue
		}
		fmt.Fprintf(tw, "%d	submitted	%s	%s	%s\n", r.Index, r.Task.ID, r.Task.Kind, FormatCost(r.Task.EstimatedCost))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(t.writer, "\nSubmitted %d of %s, %d failed, estimated cost %s\n",
		p.Succeeded, plural(p.TotalRequests, "task"), p.Failed, FormatCost(p.TotalEstimatedCost))
	return nil
}

// PrintCancel prints the result of a cancellation.
func (t *TablePrinter) PrintCancel(id string, cancelled bool) error {
	return t.PrintMessage(fmt.Sprintf("%s: %s", id, envelope.NewCancelPayload(id, cancelled).Message))
}

// PrintUpload prints the uploaded input reference.
func (t *TablePrinter) PrintUpload(res uploadcache.Result, size int64) error {
	fmt.Fprintf(t.writer, "URL:     %s\n", res.URL)
	fmt.Fprintf(t.writer, "Hash:    %s\n", res.Hash)
	if size > 0 {
		fmt.Fprintf(t.writer, "Size:    %s\n", FormatBytes(size))
	}
	fmt.Fprintf(t.writer, "Cached:  %t\n", res.Cached)
	return nil
}

// PrintStats prints the runtime stats.
func (t *TablePrinter) PrintStats(stats app.Stats) error {
	q := stats.Queue
	fmt.Fprintf(t.writer, "Tasks:            %d (%d active)\n", q.Total, q.Active)
	for _, st := range model.TaskStatuses {
		fmt.Fprintf(t.writer, "  %-15s %d\n", st+":", q.ByStatus[st])
	}
	fmt.Fprintf(t.writer, "Avg wait:         %s\n", FormatDuration(q.AverageWaitTime))
	fmt.Fprintf(t.writer, "Avg processing:   %s\n", FormatDuration(q.AverageProcessingTime))

	c := stats.UploadCache
	fmt.Fprintf(t.writer, "Upload cache:     %d/%d entries, %d hits, %d misses\n", c.Size, c.MaxSize, c.Hits, c.Misses)

	if len(stats.Breakers) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "CIRCUIT\tMODE\tFAILURES\tLAST FAILURE")
	for _, b := range stats.Breakers {
		last := "-"
		if !b.LastFailure.IsZero() {
			last = TimeAgo(b.LastFailure)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.Key, b.Mode, b.Failures, last)
	}

	return nil
}

// PrintKinds prints the supported job kinds.
func (t *TablePrinter) PrintKinds(kinds []kind.Kind) error {
	if len(kinds) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "KIND\tCATEGORY\tMODEL\tDESCRIPTION")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Name(), k.Category(), k.ModelID(), k.Description())
	}

	return nil
}

// PrintPurge prints the number of purged tasks.
func (t *TablePrinter) PrintPurge(purged int) error {
	return t.PrintMessage(fmt.Sprintf("Purged %s", plural(purged, "task")))
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

// PrintError prints an error with its hints.
func (t *TablePrinter) PrintError(env envelope.Envelope) error {
	fmt.Fprintf(t.writer, "Error (%s): %s\n", env.ErrorKind, env.Message)
	if env.Suggestion != "" {
		fmt.Fprintf(t.writer, "Suggestion: %s\n", env.Suggestion)
	}
	return nil
}
