package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/agentvault/internal/model"
)

// AuditQueryCommand prints the audit records of a period.
type AuditQueryCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	since      time.Duration
	actionType string
	target     string
	format     string
}

// NewAuditQueryCommand returns the audit query command.
func NewAuditQueryCommand(rootCmd *RootCommand, auditCmd *kingpin.CmdClause) *AuditQueryCommand {
	c := &AuditQueryCommand{rootCmd: rootCmd}

	c.Cmd = auditCmd.Command("query", "Print the audit records.")
	c.Cmd.Flag("since", "Period to print, counting back from now.").Default("24h").DurationVar(&c.since)
	c.Cmd.Flag("type", "Filter by action type.").StringVar(&c.actionType)
	c.Cmd.Flag("target", "Filter by target.").StringVar(&c.target)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c AuditQueryCommand) Name() string { return c.Cmd.FullCommand() }

func (c AuditQueryCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	var records []model.AuditRecord
	for rec, err := range v.audit.Query(ctx, time.Now().Add(-c.since), time.Time{}) {
		if err != nil {
			return fmt.Errorf("could not query audit log: %w", err)
		}
		if c.actionType != "" && rec.ActionType != c.actionType {
			continue
		}
		if c.target != "" && rec.Target != c.target {
			continue
		}
		records = append(records, rec)
	}

	if err := c.rootCmd.printer(c.format).PrintAuditRecords(records); err != nil {
		return fmt.Errorf("could not print audit records: %w", err)
	}

	return nil
}

// AuditReportCommand prints the audit summary of a period.
type AuditReportCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	days   int
	format string
}

// NewAuditReportCommand returns the audit report command.
func NewAuditReportCommand(rootCmd *RootCommand, auditCmd *kingpin.CmdClause) *AuditReportCommand {
	c := &AuditReportCommand{rootCmd: rootCmd}

	c.Cmd = auditCmd.Command("report", "Print a summary of the audit records.")
	c.Cmd.Flag("days", "Number of days to summarize.").Default("7").IntVar(&c.days)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c AuditReportCommand) Name() string { return c.Cmd.FullCommand() }

func (c AuditReportCommand) Run(ctx context.Context) error {
	if c.days <= 0 {
		return fmt.Errorf("days must be positive")
	}

	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	to := time.Now().UTC()
	summary, err := v.audit.Summarize(ctx, to.AddDate(0, 0, -c.days), to)
	if err != nil {
		return fmt.Errorf("could not summarize audit log: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintAuditSummary(*summary); err != nil {
		return fmt.Errorf("could not print audit summary: %w", err)
	}

	return nil
}

// AuditTrimCommand removes the audit segments older than the retention.
type AuditTrimCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	retentionDays int
}

// NewAuditTrimCommand returns the audit trim command.
func NewAuditTrimCommand(rootCmd *RootCommand, auditCmd *kingpin.CmdClause) *AuditTrimCommand {
	c := &AuditTrimCommand{rootCmd: rootCmd}

	c.Cmd = auditCmd.Command("trim", "Remove the daily audit segments older than the retention.")
	c.Cmd.Flag("retention-days", "Days to keep (defaults to the configured retention).").IntVar(&c.retentionDays)

	return c
}

func (c AuditTrimCommand) Name() string { return c.Cmd.FullCommand() }

func (c AuditTrimCommand) Run(ctx context.Context) error {
	v, err := openVault(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer v.Close()

	days := c.retentionDays
	if days == 0 {
		days = v.config.AuditRetentionDays
	}

	n, err := v.audit.Trim(ctx, days)
	if err != nil {
		return fmt.Errorf("could not trim audit log: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Removed %d audit segments older than %d days\n", n, days)
	return nil
}
