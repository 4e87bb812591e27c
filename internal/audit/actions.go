package audit

import (
	"strings"

	"github.com/slok/agentvault/internal/model"
)

// ActionType returns the audit action type of an executed action. Known integration
// actions (emails, payments, accounting, files and social posts) are audited with their
// own type so reports can group them, the rest as a generic execution.
func ActionType(action string) string {
	switch {
	case action == model.AuditActionEmailSend,
		action == model.AuditActionPayment,
		strings.HasPrefix(action, model.AuditActionOdooPrefix),
		strings.HasPrefix(action, model.AuditActionFilePrefix),
		strings.HasSuffix(action, model.AuditActionPostSuffix):
		return action
	}
	return model.AuditActionExecute
}

// ExecutionRecord returns the audit record of an action execution.
func ExecutionRecord(req model.ActionRequest, approval *model.ApprovalRequest, err error) model.AuditRecord {
	params := make(map[string]string, len(req.Kwargs)+2)
	for k, v := range req.Kwargs {
		params[k] = v
	}
	params["action"] = req.Action
	if len(req.Args) > 0 {
		params["args"] = strings.Join(req.Args, " ")
	}

	rec := model.AuditRecord{
		ActionType: ActionType(req.Action),
		Actor:      model.ActorAgent,
		Target:     req.Task,
		Parameters: params,
		Result:     model.AuditResultSuccess,
	}
	if rec.Target == "" {
		rec.Target = req.Action
	}
	if approval != nil {
		rec.ApprovalStatus = string(approval.Status)
		rec.ApprovedBy = approval.Approver
	}
	if err != nil {
		rec.Result = model.AuditResultFailed
		rec.Error = err.Error()
	}

	return rec
}
