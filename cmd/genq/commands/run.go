package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/printer"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	flags   submitFlags
	timeout time.Duration
	format  string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Submit a generation task and follow it until it finishes.")
	c.flags.register(c.Cmd)
	c.Cmd.Flag("timeout", "Max time to follow the task, it's cancelled when reached.").Default("10m").DurationVar(&c.timeout)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
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
	logger := c.rootCmd.Logger.WithValues(log.Kv{"task-id": task.ID})
	logger.Infof("Task submitted")

	followCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	last := *task
	for snap, err := range a.StreamUpdates(followCtx, task.ID) {
		if err != nil {
			// Interrupted or timed out, the task is not left running remotely.
			if _, cerr := a.CancelTask(context.Background(), task.ID); cerr != nil {
				logger.Warningf("Could not cancel task: %s", cerr)
			}
			return out.fail(fmt.Errorf("stopped following task %s: %w", task.ID, err))
		}
		last = snap
		if err := out.PrintTaskUpdate(snap); err != nil {
			return fmt.Errorf("could not print task update: %w", err)
		}
	}

	if c.format == printer.FormatTable {
		if err := out.PrintTask(last); err != nil {
			return fmt.Errorf("could not print task: %w", err)
		}
	}

	if last.Status == model.TaskStatusCompleted {
		logger.Infof("Task completed")
	}
	return finishedErr(last)
}
