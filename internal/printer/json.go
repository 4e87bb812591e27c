package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/model"
)

// JSONPrinter prints vault information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type taskItem struct {
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type approvalItem struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	Approver   string     `json:"approver,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type summaryOutput struct {
	From             time.Time      `json:"from"`
	To               time.Time      `json:"to"`
	TotalActions     int            `json:"total_actions"`
	FailedActions    int            `json:"failed_actions"`
	ActionsByType    map[string]int `json:"actions_by_type"`
	ActionsByActor   map[string]int `json:"actions_by_actor"`
	ApprovalStatuses map[string]int `json:"approval_statuses"`
}

type processItem struct {
	Name        string     `json:"name"`
	Command     []string   `json:"command"`
	PIDFile     string     `json:"pid_file"`
	LastPID     int        `json:"last_pid,omitempty"`
	Restarts    int        `json:"restarts"`
	LastRestart *time.Time `json:"last_restart,omitempty"`
}

type messageOutput struct {
	Message string `json:"message"`
}

// PrintTasks prints tasks in JSON format.
func (j *JSONPrinter) PrintTasks(tasks []model.Task) error {
	items := make([]taskItem, len(tasks))
	for i, t := range tasks {
		items[i] = taskItem{
			Name:      t.Name,
			Stage:     string(t.Stage),
			SizeBytes: t.Size,
			CreatedAt: t.CreatedAt.UTC(),
		}
	}
	return j.encode(items)
}

// PrintApprovals prints approval requests in JSON format.
func (j *JSONPrinter) PrintApprovals(approvals []model.ApprovalRequest) error {
	items := make([]approvalItem, len(approvals))
	for i, a := range approvals {
		items[i] = mapApprovalItem(a)
	}
	return j.encode(items)
}

// PrintApproval prints an approval request in JSON format.
func (j *JSONPrinter) PrintApproval(approval model.ApprovalRequest) error {
	return j.encode(mapApprovalItem(approval))
}

// PrintQueue prints queued actions in JSON format, using the queue entry format.
func (j *JSONPrinter) PrintQueue(actions []model.QueuedAction) error {
	if actions == nil {
		actions = []model.QueuedAction{}
	}
	return j.encode(actions)
}

// PrintAuditRecords prints audit records in JSON format.
func (j *JSONPrinter) PrintAuditRecords(records []model.AuditRecord) error {
	if records == nil {
		records = []model.AuditRecord{}
	}
	return j.encode(records)
}

// PrintAuditSummary prints an audit summary in JSON format.
func (j *JSONPrinter) PrintAuditSummary(summary audit.Summary) error {
	return j.encode(summaryOutput{
		From:             summary.From.UTC(),
		To:               summary.To.UTC(),
		TotalActions:     summary.TotalActions,
		FailedActions:    summary.FailedActions,
		ActionsByType:    summary.ActionsByType,
		ActionsByActor:   summary.ActionsByActor,
		ApprovalStatuses: summary.ApprovalStatuses,
	})
}

// PrintProcesses prints supervised processes in JSON format.
func (j *JSONPrinter) PrintProcesses(processes []model.SupervisedProcess) error {
	items := make([]processItem, len(processes))
	for i, p := range processes {
		items[i] = processItem{
			Name:     p.Name,
			Command:  p.Command,
			PIDFile:  p.PIDFile,
			LastPID:  p.LastPID,
			Restarts: p.Restarts,
		}
		if !p.LastRestart.IsZero() {
			utcTime := p.LastRestart.UTC()
			items[i].LastRestart = &utcTime
		}
	}
	return j.encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mapApprovalItem(a model.ApprovalRequest) approvalItem {
	item := approvalItem{
		ID:        a.ID,
		Task:      a.Task,
		Action:    a.Action,
		Status:    string(a.Status),
		Approver:  a.Approver,
		CreatedAt: a.CreatedAt.UTC(),
	}
	if a.ResolvedAt != nil {
		utcTime := a.ResolvedAt.UTC()
		item.ResolvedAt = &utcTime
	}
	return item
}
