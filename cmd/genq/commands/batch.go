package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/model"
)

// batchItemSpec is an item of a batch file.
type batchItemSpec struct {
	Kind      string         `json:"kind"`
	Arguments map[string]any `json:"arguments"`
	Metadata  map[string]any `json:"metadata"`
}

// decodeBatchItems decodes a JSON list of batch items. The project ID is set on
// the items without one.
func decodeBatchItems(r io.Reader, projectID string) ([]app.SubmitRequest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var specs []batchItemSpec
	if err := dec.Decode(&specs); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w: %s", model.ErrNotValid, err)
	}

	reqs := make([]app.SubmitRequest, 0, len(specs))
	for _, s := range specs {
		if projectID != "" {
			if s.Metadata == nil {
				s.Metadata = map[string]any{}
			}
			if _, ok := s.Metadata[model.MetadataProjectID]; !ok {
				s.Metadata[model.MetadataProjectID] = projectID
			}
		}
		reqs = append(reqs, app.SubmitRequest{Kind: s.Kind, Arguments: s.Arguments, Metadata: s.Metadata})
	}

	return reqs, nil
}

type BatchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file      string
	projectID string
	format    string
}

// NewBatchCommand returns the batch command.
func NewBatchCommand(rootCmd *RootCommand, app *kingpin.Application) *BatchCommand {
	c := &BatchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("batch", "Submit several generation tasks at once.")
	c.Cmd.Arg("file", `JSON file with the list of items ({"kind", "arguments", "metadata"}), "-" reads the standard input.`).Required().StringVar(&c.file)
	c.Cmd.Flag("project", "Project ID linked to the items without one.").StringVar(&c.projectID)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c BatchCommand) Name() string { return c.Cmd.FullCommand() }

func (c BatchCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	reqs, err := c.readItems()
	if err != nil {
		return out.fail(err)
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	results, err := a.SubmitBatch(ctx, reqs)
	if err != nil {
		return out.fail(err)
	}

	if err := out.PrintBatch(results); err != nil {
		return fmt.Errorf("could not print batch: %w", err)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return &reportedError{err: fmt.Errorf("%d of %d batch items failed", failed, len(results))}
	}

	return nil
}

func (c BatchCommand) readItems() ([]app.SubmitRequest, error) {
	if c.file == "-" {
		return decodeBatchItems(c.rootCmd.Stdin, c.projectID)
	}

	f, err := os.Open(c.file)
	if err != nil {
		return nil, fmt.Errorf("could not open batch file: %w", err)
	}
	defer f.Close()

	return decodeBatchItems(f, c.projectID)
}
