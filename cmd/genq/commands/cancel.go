package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type CancelCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	format string
}

// NewCancelCommand returns the cancel command.
func NewCancelCommand(rootCmd *RootCommand, app *kingpin.Application) *CancelCommand {
	c := &CancelCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("cancel", "Cancel a task.")
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c CancelCommand) Name() string { return c.Cmd.FullCommand() }

func (c CancelCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	cancelled, err := a.CancelTask(ctx, c.id)
	if err != nil {
		return out.fail(err)
	}

	if err := out.PrintCancel(c.id, cancelled); err != nil {
		return fmt.Errorf("could not print cancel: %w", err)
	}

	return nil
}
