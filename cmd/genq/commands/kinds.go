package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/kind"
)

type KindsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewKindsCommand returns the kinds command.
func NewKindsCommand(rootCmd *RootCommand, app *kingpin.Application) *KindsCommand {
	c := &KindsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("kinds", "List the supported job kinds.")
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c KindsCommand) Name() string { return c.Cmd.FullCommand() }

// Run doesn't need the provider nor the database.
func (c KindsCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	if err := out.PrintKinds(kind.NewBuiltinRegistry().List()); err != nil {
		return fmt.Errorf("could not print kinds: %w", err)
	}

	return nil
}
