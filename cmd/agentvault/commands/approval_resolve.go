package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/model"
)

// ApprovalResolveCommand approves or rejects an approval request.
type ApprovalResolveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	decision model.Decision
	id       string
	approver string
	execute  bool
	format   string
}

// NewApprovalApproveCommand returns the approval approve command.
func NewApprovalApproveCommand(rootCmd *RootCommand, approvalCmd *kingpin.CmdClause) *ApprovalResolveCommand {
	c := newApprovalResolveCommand(rootCmd, approvalCmd, model.DecisionApprove, "Approve a pending request.")
	c.Cmd.Flag("execute", "Execute the approved task right away instead of waiting for the approval sweep.").BoolVar(&c.execute)
	return c
}

// NewApprovalRejectCommand returns the approval reject command.
func NewApprovalRejectCommand(rootCmd *RootCommand, approvalCmd *kingpin.CmdClause) *ApprovalResolveCommand {
	return newApprovalResolveCommand(rootCmd, approvalCmd, model.DecisionReject, "Reject a pending request, its task ends in error.")
}

func newApprovalResolveCommand(rootCmd *RootCommand, approvalCmd *kingpin.CmdClause, decision model.Decision, help string) *ApprovalResolveCommand {
	c := &ApprovalResolveCommand{rootCmd: rootCmd, decision: decision}

	c.Cmd = approvalCmd.Command(string(decision), help)
	c.Cmd.Arg("id", "Approval request ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("approver", "Who resolves the request.").Default(os.Getenv("USER")).StringVar(&c.approver)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ApprovalResolveCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApprovalResolveCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	a, err := v.approvals.Resolve(ctx, c.id, c.decision, c.approver)
	if err != nil {
		return fmt.Errorf("could not %s request: %w", c.decision, err)
	}

	if err := c.rootCmd.printer(c.format).PrintApproval(*a); err != nil {
		return fmt.Errorf("could not print approval: %w", err)
	}

	if c.execute {
		n, err := v.pipeline.SweepApprovals(ctx)
		if err != nil {
			return fmt.Errorf("could not execute approved tasks: %w", err)
		}
		c.rootCmd.Logger.Infof("Executed %d approved tasks", n)
	}

	return nil
}
