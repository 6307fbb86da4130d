package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
)

type PurgeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	olderThan time.Duration
	format    string
}

// NewPurgeCommand returns the purge command.
func NewPurgeCommand(rootCmd *RootCommand, app *kingpin.Application) *PurgeCommand {
	c := &PurgeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("purge", "Delete the finished tasks.")
	c.Cmd.Flag("older-than", "Only delete the tasks finished before this duration.").Default("24h").DurationVar(&c.olderThan)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c PurgeCommand) Name() string { return c.Cmd.FullCommand() }

func (c PurgeCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	purged, err := a.Purge(ctx, c.olderThan)
	if err != nil {
		return out.fail(err)
	}

	if err := out.PrintPurge(purged); err != nil {
		return fmt.Errorf("could not print purge: %w", err)
	}

	return nil
}
