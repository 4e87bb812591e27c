package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
)

// IntakeCommand drops files into the vault as new tasks.
type IntakeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	files   []string
	name    string
	process bool
}

// NewIntakeCommand returns the intake command.
func NewIntakeCommand(rootCmd *RootCommand, app *kingpin.Application) *IntakeCommand {
	c := &IntakeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("intake", "Submit files as new tasks.")
	c.Cmd.Arg("files", "Files to submit.").Required().ExistingFilesVar(&c.files)
	c.Cmd.Flag("name", "Task name (only with a single file, defaults to the file name).").StringVar(&c.name)
	c.Cmd.Flag("process", "Process the tasks right away instead of waiting for the watcher.").BoolVar(&c.process)

	return c
}

func (c IntakeCommand) Name() string { return c.Cmd.FullCommand() }

func (c IntakeCommand) Run(ctx context.Context) error {
	if c.name != "" && len(c.files) > 1 {
		return fmt.Errorf("--name can only be used with a single file")
	}

	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, f := range c.files {
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", f, err)
		}

		name := filepath.Base(f)
		if c.name != "" {
			name = c.name
		}

		if err := v.tasks.Submit(ctx, name, content); err != nil {
			return fmt.Errorf("could not submit %s: %w", name, err)
		}
		fmt.Fprintf(c.rootCmd.Stdout, "Task %s received\n", name)

		if !c.process {
			continue
		}
		if err := v.pipeline.Dispatch(ctx, name); err != nil {
			return fmt.Errorf("could not process %s: %w", name, err)
		}
		task, err := v.tasks.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("could not get %s: %w", name, err)
		}
		fmt.Fprintf(c.rootCmd.Stdout, "Task %s is %s\n", name, task.Stage)
	}

	return nil
}
