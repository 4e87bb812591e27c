package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/model"
)

// TaskListCommand lists the vault tasks.
type TaskListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	stage  string
	format string
}

// NewTaskListCommand returns the task list command.
func NewTaskListCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskListCommand {
	c := &TaskListCommand{rootCmd: rootCmd}

	stages := make([]string, 0, len(model.Stages))
	for _, s := range model.Stages {
		stages = append(stages, string(s))
	}

	c.Cmd = taskCmd.Command("list", "List the tasks.")
	c.Cmd.Flag("stage", "Filter by stage.").EnumVar(&c.stage, stages...)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TaskListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskListCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	stages := model.Stages
	if c.stage != "" {
		stages = []model.Stage{model.Stage(c.stage)}
	}

	var tasks []model.Task
	for _, s := range stages {
		ts, err := v.tasks.List(ctx, s)
		if err != nil {
			return fmt.Errorf("could not list %s tasks: %w", s, err)
		}
		tasks = append(tasks, ts...)
	}

	if err := c.rootCmd.printer(c.format).PrintTasks(tasks); err != nil {
		return fmt.Errorf("could not print tasks: %w", err)
	}

	return nil
}
