package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/agentvault/internal/model"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		err error
		exp model.FailureKind
	}{
		"No error.": {
			err: nil,
			exp: model.FailureKindNone,
		},
		"Wrapped transient errors are transient.": {
			err: fmt.Errorf("rate limited: %w", model.ErrTransient),
			exp: model.FailureKindTransient,
		},
		"Degraded services are transient.": {
			err: fmt.Errorf("smtp: %w", model.ErrServiceUnavailable),
			exp: model.FailureKindTransient,
		},
		"Deadlines are transient.": {
			err: fmt.Errorf("call: %w", context.DeadlineExceeded),
			exp: model.FailureKindTransient,
		},
		"Network timeouts are transient.": {
			err: fmt.Errorf("dial: %w", timeoutErr{}),
			exp: model.FailureKindTransient,
		},
		"Unknown actions are permanent.": {
			err: fmt.Errorf("x: %w", model.ErrUnknownAction),
			exp: model.FailureKindPermanent,
		},
		"Unclassified errors are permanent.": {
			err: errors.New("invalid recipient"),
			exp: model.FailureKindPermanent,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, model.Classify(test.err))
		})
	}
}

func TestDecisionStatus(t *testing.T) {
	st, err := model.DecisionApprove.Status()
	assert.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, st)

	st, err = model.DecisionReject.Status()
	assert.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusRejected, st)

	_, err = model.Decision("maybe").Status()
	assert.ErrorIs(t, err, model.ErrNotValid)
}
