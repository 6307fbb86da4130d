package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

type UploadCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	path   string
	format string
}

// NewUploadCommand returns the upload command.
func NewUploadCommand(rootCmd *RootCommand, app *kingpin.Application) *UploadCommand {
	c := &UploadCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("upload", "Upload a local file to the provider storage.")
	c.Cmd.Arg("path", "File path.").Required().ExistingFileVar(&c.path)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c UploadCommand) Name() string { return c.Cmd.FullCommand() }

func (c UploadCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return out.fail(fmt.Errorf("could not stat file: %w", err))
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	res, err := a.UploadFile(ctx, c.path)
	if err != nil {
		return out.fail(err)
	}

	if err := out.PrintUpload(res, info.Size()); err != nil {
		return fmt.Errorf("could not print upload: %w", err)
	}

	return nil
}
