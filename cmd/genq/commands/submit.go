package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/model"
)

// submitFlags are the flags shared by the commands that submit tasks.
type submitFlags struct {
	kind      string
	argSpecs  []string
	argsFile  string
	metaSpecs []string
	projectID string
	sceneID   string
}

func (f *submitFlags) register(cmd *kingpin.CmdClause) {
	cmd.Arg("kind", "Job kind (see the kinds command).").Required().StringVar(&f.kind)
	cmd.Flag("arg", "Kind argument (KEY=VALUE, JSON values are decoded). Can be repeated.").Short('a').StringsVar(&f.argSpecs)
	cmd.Flag("args-file", "JSON file with the kind arguments, --arg values override it.").StringVar(&f.argsFile)
	cmd.Flag("meta", "Task metadata (KEY=VALUE). Can be repeated.").Short('m').StringsVar(&f.metaSpecs)
	cmd.Flag("project", "Project ID linked to the task.").StringVar(&f.projectID)
	cmd.Flag("scene", "Scene ID linked to the task.").StringVar(&f.sceneID)
}

func (f submitFlags) request() (app.SubmitRequest, error) {
	args := map[string]any{}
	if f.argsFile != "" {
		data, err := os.ReadFile(f.argsFile)
		if err != nil {
			return app.SubmitRequest{}, fmt.Errorf("could not read args file: %w", err)
		}
		if err := json.Unmarshal(data, &args); err != nil {
			return app.SubmitRequest{}, fmt.Errorf("invalid args file: %w: %s", model.ErrNotValid, err)
		}
	}

	specArgs, err := parseKVSpecs(f.argSpecs, true)
	if err != nil {
		return app.SubmitRequest{}, fmt.Errorf("invalid --arg value: %w", err)
	}
	for k, v := range specArgs {
		args[k] = v
	}

	meta, err := parseKVSpecs(f.metaSpecs, false)
	if err != nil {
		return app.SubmitRequest{}, fmt.Errorf("invalid --meta value: %w", err)
	}
	if f.projectID != "" {
		meta[model.MetadataProjectID] = f.projectID
	}
	if f.sceneID != "" {
		meta[model.MetadataSceneID] = f.sceneID
	}
	if len(meta) == 0 {
		meta = nil
	}

	return app.SubmitRequest{Kind: f.kind, Arguments: args, Metadata: meta}, nil
}

var argKeyRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// parseKVSpecs parses KEY=VALUE specs, later keys override earlier ones. With
// decodeJSON the values that are valid JSON are decoded (numbers, booleans,
// lists...), the rest are kept as strings.
func parseKVSpecs(specs []string, decodeJSON bool) (map[string]any, error) {
	kv := map[string]any{}
	for _, spec := range specs {
		key, value, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("%q must be KEY=VALUE: %w", spec, model.ErrNotValid)
		}
		if !argKeyRegexp.MatchString(key) {
			return nil, fmt.Errorf("invalid key %q: %w", key, model.ErrNotValid)
		}

		kv[key] = value
		if !decodeJSON {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			kv[key] = decoded
		}
	}

	return kv, nil
}

type SubmitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	flags        submitFlags
	wait         bool
	timeout      time.Duration
	pollInterval time.Duration
	format       string
}

// NewSubmitCommand returns the submit command.
func NewSubmitCommand(rootCmd *RootCommand, app *kingpin.Application) *SubmitCommand {
	c := &SubmitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("submit", "Submit a generation task.")
	c.flags.register(c.Cmd)
	c.Cmd.Flag("wait", "Wait until the task finishes.").BoolVar(&c.wait)
	c.Cmd.Flag("timeout", "Max time to wait (with --wait).").Default("10m").DurationVar(&c.timeout)
	c.Cmd.Flag("poll-interval", "Time between checks (with --wait).").Default("1s").DurationVar(&c.pollInterval)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c SubmitCommand) Name() string { return c.Cmd.FullCommand() }

func (c SubmitCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	req, err := c.flags.request()
	if err != nil {
		return out.fail(err)
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	task, err := a.SubmitTask(ctx, req)
	if err != nil {
		return out.fail(err)
	}

	if c.wait {
		waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		task, err = a.AwaitResult(waitCtx, task.ID, c.pollInterval)
		if err != nil {
			return out.fail(fmt.Errorf("could not wait for task: %w", err))
		}
	}

	if err := out.PrintTask(*task); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	return finishedErr(*task)
}

// finishedErr returns an error for the tasks that ended without result.
func finishedErr(task model.Task) error {
	switch task.Status {
	case model.TaskStatusFailed, model.TaskStatusCancelled:
		return &reportedError{err: fmt.Errorf("task %s %s: %s", task.ID, task.Status, task.Error)}
	}
	return nil
}
