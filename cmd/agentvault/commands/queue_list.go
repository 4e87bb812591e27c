package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/model"
)

// QueueListCommand lists the queued or quarantined actions.
type QueueListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	quarantined bool
	format      string
}

// NewQueueListCommand returns the queue list command.
func NewQueueListCommand(rootCmd *RootCommand, queueCmd *kingpin.CmdClause) *QueueListCommand {
	c := &QueueListCommand{rootCmd: rootCmd}

	c.Cmd = queueCmd.Command("list", "List the actions waiting for a retry.")
	c.Cmd.Flag("quarantined", "List the quarantined actions instead.").BoolVar(&c.quarantined)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c QueueListCommand) Name() string { return c.Cmd.FullCommand() }

func (c QueueListCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	var actions []model.QueuedAction
	if c.quarantined {
		actions, err = v.queue.ListQuarantined(ctx)
	} else {
		actions, err = v.queue.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("could not list queue: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintQueue(actions); err != nil {
		return fmt.Errorf("could not print queue: %w", err)
	}

	return nil
}
