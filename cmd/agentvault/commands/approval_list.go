package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/model"
)

// ApprovalListCommand lists the approval requests.
type ApprovalListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	status string
	format string
}

// NewApprovalListCommand returns the approval list command.
func NewApprovalListCommand(rootCmd *RootCommand, approvalCmd *kingpin.CmdClause) *ApprovalListCommand {
	c := &ApprovalListCommand{rootCmd: rootCmd}

	c.Cmd = approvalCmd.Command("list", "List the approval requests.")
	c.Cmd.Flag("status", "Filter by status (pending, approved, rejected, all).").Default(string(model.ApprovalStatusPending)).EnumVar(&c.status,
		string(model.ApprovalStatusPending),
		string(model.ApprovalStatusApproved),
		string(model.ApprovalStatusRejected),
		"all",
	)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ApprovalListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApprovalListCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	var status model.ApprovalStatus
	if c.status != "all" {
		status = model.ApprovalStatus(c.status)
	}

	approvals, err := v.approvals.List(ctx, status)
	if err != nil {
		return fmt.Errorf("could not list approvals: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintApprovals(approvals); err != nil {
		return fmt.Errorf("could not print approvals: %w", err)
	}

	return nil
}
