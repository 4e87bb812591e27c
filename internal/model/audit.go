package model

import "time"

// AuditResult is the outcome of an audited action.
type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultFailed  AuditResult = "failed"
	AuditResultPending AuditResult = "pending"
)

// Audit action types.
const (
	AuditActionTaskAdvance     = "task_advance"
	AuditActionPlanCreate      = "plan_create"
	AuditActionExecute         = "action_execute"
	AuditActionApprovalRequest = "approval_request"
	AuditActionApprovalResolve = "approval_resolve"
	AuditActionQueueEnqueue    = "queue_enqueue"
	AuditActionQueueRetry      = "queue_retry"
	AuditActionQueueQuarantine = "queue_quarantine"
	AuditActionQueueRequeue    = "queue_requeue"
	AuditActionProcessRestart  = "process_restart"
	AuditActionEmailSend       = "email_send"
	AuditActionPayment         = "payment"
	AuditActionOdooPrefix      = "odoo_"
	AuditActionFilePrefix      = "file_"
	AuditActionPostSuffix      = "_post"
)

// Audit actors.
const (
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// AuditRecord is a single immutable entry of the audit log.
type AuditRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	ActionType     string            `json:"action_type"`
	Actor          string            `json:"actor"`
	Target         string            `json:"target"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	ApprovalStatus string            `json:"approval_status"`
	ApprovedBy     string            `json:"approved_by"`
	Result         AuditResult       `json:"result"`
	Error          string            `json:"error,omitempty"`
}
