package audit

import (
	"context"
	"time"

	"github.com/slok/agentvault/internal/model"
)

// Summary aggregates the audit records of a period.
type Summary struct {
	From             time.Time
	To               time.Time
	TotalActions     int
	FailedActions    int
	ActionsByType    map[string]int
	ActionsByActor   map[string]int
	ApprovalStatuses map[string]int
}

// Summarize aggregates the records between from and to.
func (l *FileLog) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	s := &Summary{
		From:             from,
		To:               to,
		ActionsByType:    map[string]int{},
		ActionsByActor:   map[string]int{},
		ApprovalStatuses: map[string]int{},
	}

	for rec, err := range l.Query(ctx, from, to) {
		if err != nil {
			return nil, err
		}

		s.TotalActions++
		s.ActionsByType[rec.ActionType]++
		s.ActionsByActor[rec.Actor]++
		if rec.ApprovalStatus != "" {
			s.ApprovalStatuses[rec.ApprovalStatus]++
		}
		if rec.Result == model.AuditResultFailed {
			s.FailedActions++
		}
	}

	return s, nil
}
