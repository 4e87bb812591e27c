package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// QueueProcessCommand retries the due actions once.
type QueueProcessCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewQueueProcessCommand returns the queue process command.
func NewQueueProcessCommand(rootCmd *RootCommand, queueCmd *kingpin.CmdClause) *QueueProcessCommand {
	c := &QueueProcessCommand{rootCmd: rootCmd}
	c.Cmd = queueCmd.Command("process", "Retry the due actions once.")
	return c
}

func (c QueueProcessCommand) Name() string { return c.Cmd.FullCommand() }

func (c QueueProcessCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	res, err := v.processor.ProcessDue(ctx)
	if err != nil {
		return fmt.Errorf("could not process queue: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Succeeded: %d, retried: %d, quarantined: %d\n", res.Succeeded, res.Retried, res.Quarantined)
	return nil
}
