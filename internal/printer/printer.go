package printer

import (
	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/model"
)

// Printer knows how to print vault information in different formats.
type Printer interface {
	PrintTasks(tasks []model.Task) error
	PrintApprovals(approvals []model.ApprovalRequest) error
	PrintApproval(approval model.ApprovalRequest) error
	PrintQueue(actions []model.QueuedAction) error
	PrintAuditRecords(records []model.AuditRecord) error
	PrintAuditSummary(summary audit.Summary) error
	PrintProcesses(processes []model.SupervisedProcess) error
	PrintMessage(msg string) error
}
