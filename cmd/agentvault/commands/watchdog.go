package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// WatchdogCheckCommand checks the supervised processes once and restarts the dead ones.
type WatchdogCheckCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewWatchdogCheckCommand returns the watchdog check command.
func NewWatchdogCheckCommand(rootCmd *RootCommand, watchdogCmd *kingpin.CmdClause) *WatchdogCheckCommand {
	c := &WatchdogCheckCommand{rootCmd: rootCmd}

	c.Cmd = watchdogCmd.Command("check", "Check the supervised processes once and restart the dead ones.")
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c WatchdogCheckCommand) Name() string { return c.Cmd.FullCommand() }

func (c WatchdogCheckCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	wd, err := v.newWatchdog()
	if err != nil {
		return err
	}

	restarted, err := wd.CheckAndRestart(ctx)
	if len(restarted) > 0 {
		c.rootCmd.Logger.Infof("Restarted: %s", strings.Join(restarted, ", "))
	}
	if perr := c.rootCmd.printer(c.format).PrintProcesses(wd.Processes()); perr != nil {
		return fmt.Errorf("could not print processes: %w", perr)
	}
	if err != nil {
		return fmt.Errorf("could not check processes: %w", err)
	}

	return nil
}
