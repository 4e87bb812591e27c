package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// QueueRequeueCommand moves quarantined actions back to the queue.
type QueueRequeueCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ids []string
}

// NewQueueRequeueCommand returns the queue requeue command.
func NewQueueRequeueCommand(rootCmd *RootCommand, queueCmd *kingpin.CmdClause) *QueueRequeueCommand {
	c := &QueueRequeueCommand{rootCmd: rootCmd}

	c.Cmd = queueCmd.Command("requeue", "Move quarantined actions back to the queue with their retries reset.")
	c.Cmd.Arg("ids", "Quarantined action IDs.").Required().StringsVar(&c.ids)

	return c
}

func (c QueueRequeueCommand) Name() string { return c.Cmd.FullCommand() }

func (c QueueRequeueCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, id := range c.ids {
		a, err := v.processor.Requeue(ctx, id)
		if err != nil {
			return fmt.Errorf("could not requeue %s: %w", id, err)
		}
		fmt.Fprintf(c.rootCmd.Stdout, "Action %s (%s) requeued\n", a.ID, a.Action)
	}

	return nil
}
