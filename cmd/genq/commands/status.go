package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	follow bool
	format string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Get the detailed status of a task.")
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("follow", "Resume tracking the task and print its updates until it finishes.").Short('f').BoolVar(&c.follow)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	task, err := a.GetStatus(ctx, c.id)
	if err != nil {
		return out.fail(err)
	}

	if !c.follow || task.IsTerminal() {
		if err := out.PrintTask(*task); err != nil {
			return fmt.Errorf("could not print task: %w", err)
		}
		return nil
	}

	// Tasks are only tracked while a genq process runs, only the followed one
	// is resumed here.
	if _, err := a.RecoverTask(ctx, c.id); err != nil {
		return out.fail(err)
	}

	for snap, err := range a.StreamUpdates(ctx, c.id) {
		if err != nil {
			return out.fail(err)
		}
		if err := out.PrintTaskUpdate(snap); err != nil {
			return fmt.Errorf("could not print task update: %w", err)
		}
	}

	return nil
}
