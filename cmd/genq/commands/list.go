package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/model"
)

type ListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	projectID string
	statuses  []string
	all       bool
	format    string
}

// NewListCommand returns the list command.
func NewListCommand(rootCmd *RootCommand, app *kingpin.Application) *ListCommand {
	c := &ListCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("list", "List the tasks, only the active ones by default.")
	c.Cmd.Flag("project", "Filter by project ID.").StringVar(&c.projectID)
	c.Cmd.Flag("status", "Filter by status (queued, in_progress, completed, failed, cancelled). Can be repeated.").StringsVar(&c.statuses)
	c.Cmd.Flag("all", "Include the finished tasks.").BoolVar(&c.all)
	addFormatFlag(c.Cmd, &c.format)

	return c
}

func (c ListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ListCommand) Run(ctx context.Context) error {
	out, err := c.rootCmd.newOutput(c.format)
	if err != nil {
		return err
	}

	req := app.ListRequest{ProjectID: c.projectID, IncludeCompleted: c.all}
	for _, v := range c.statuses {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				req.Statuses = append(req.Statuses, model.TaskStatus(strings.ToLower(st)))
			}
		}
	}

	a, _, err := c.rootCmd.OpenApp(ctx)
	if err != nil {
		return out.fail(err)
	}
	defer a.Close()

	tasks, err := a.ListTasks(ctx, req)
	if err != nil {
		return out.fail(err)
	}

	if err := out.PrintTaskList(tasks); err != nil {
		return fmt.Errorf("could not print list: %w", err)
	}

	return nil
}
