package printer

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/model"
)

const maxErrorLen = 60

// TablePrinter prints vault information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTasks prints tasks in a table format.
func (t *TablePrinter) PrintTasks(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tSTAGE\tSIZE\tUPDATED")
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", task.Name, task.Stage, FormatBytes(task.Size), TimeAgo(task.CreatedAt))
	}

	return nil
}

// PrintApprovals prints approval requests in a table format.
func (t *TablePrinter) PrintApprovals(approvals []model.ApprovalRequest) error {
	if len(approvals) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTASK\tACTION\tSTATUS\tAPPROVER\tCREATED")
	for _, a := range approvals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Task, a.Action, a.Status, orDash(a.Approver), TimeAgo(a.CreatedAt))
	}

	return nil
}

// PrintApproval prints the details of an approval request.
func (t *TablePrinter) PrintApproval(a model.ApprovalRequest) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", a.ID)
	fmt.Fprintf(t.writer, "Task:       %s\n", a.Task)
	fmt.Fprintf(t.writer, "Action:     %s\n", a.Action)
	fmt.Fprintf(t.writer, "Status:     %s\n", a.Status)
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(a.CreatedAt))

	if a.ResolvedAt != nil {
		fmt.Fprintf(t.writer, "Approver:   %s\n", a.Approver)
		fmt.Fprintf(t.writer, "Resolved:   %s\n", FormatTimestamp(*a.ResolvedAt))
	}

	return nil
}

// PrintQueue prints queued actions in a table format.
func (t *TablePrinter) PrintQueue(actions []model.QueuedAction) error {
	if len(actions) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tACTION\tTASK\tRETRIES\tNEXT ATTEMPT\tLAST ERROR")
	for _, a := range actions {
		next := TimeAgo(a.NextAttemptAt)
		if a.QuarantinedAt != nil {
			next = "quarantined"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID,
			a.Action,
			orDash(a.Task),
			a.RetryCount,
			next,
			orDash(truncate(a.LastError, maxErrorLen)),
		)
	}

	return nil
}

// PrintAuditRecords prints audit records in a table format.
func (t *TablePrinter) PrintAuditRecords(records []model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tTYPE\tACTOR\tTARGET\tAPPROVAL\tRESULT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			FormatTimestamp(r.Timestamp),
			r.ActionType,
			r.Actor,
			r.Target,
			orDash(r.ApprovalStatus),
			r.Result,
		)
	}

	return nil
}

// PrintAuditSummary prints an audit summary report.
func (t *TablePrinter) PrintAuditSummary(s audit.Summary) error {
	fmt.Fprintf(t.writer, "From:       %s\n", FormatTimestamp(s.From))
	fmt.Fprintf(t.writer, "To:         %s\n", FormatTimestamp(s.To))
	fmt.Fprintf(t.writer, "Actions:    %d\n", s.TotalActions)
	fmt.Fprintf(t.writer, "Failed:     %d\n", s.FailedActions)

	printCounts(t.writer, "By type", s.ActionsByType)
	printCounts(t.writer, "By actor", s.ActionsByActor)
	printCounts(t.writer, "Approvals", s.ApprovalStatuses)

	return nil
}

// PrintProcesses prints supervised processes in a table format.
func (t *TablePrinter) PrintProcesses(processes []model.SupervisedProcess) error {
	if len(processes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tPID\tRESTARTS\tLAST RESTART\tCOMMAND")
	for _, p := range processes {
		pid := "-"
		if p.LastPID > 0 {
			pid = strconv.Itoa(p.LastPID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", p.Name, pid, p.Restarts, TimeAgo(p.LastRestart), strings.Join(p.Command, " "))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}

	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
