package executor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/executor"
	"github.com/slok/agentvault/internal/executor/executormock"
	"github.com/slok/agentvault/internal/model"
)

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mEmail := executormock.NewMockActionExecutor(t)
	mEmail.On("Execute", mock.Anything, model.ActionRequest{Action: "email_send", Task: "t1"}).Once().Return(nil)

	r := executor.NewRegistry()
	require.NoError(r.Register("email_send", mEmail))
	require.NoError(r.Register("payment", executormock.NewMockActionExecutor(t)))

	err := r.Register("email_send", mEmail)
	assert.ErrorIs(err, model.ErrAlreadyExists)
	err = r.Register("", mEmail)
	assert.ErrorIs(err, model.ErrNotValid)

	assert.Equal([]string{"email_send", "payment"}, r.Actions())

	assert.NoError(r.Execute(ctx, model.ActionRequest{Action: "email_send", Task: "t1"}))

	err = r.Execute(ctx, model.ActionRequest{Action: "odoo_invoice"})
	assert.ErrorIs(err, model.ErrUnknownAction)
	assert.Equal(model.FailureKindPermanent, model.Classify(err))
}

func TestTimeout(t *testing.T) {
	tests := map[string]struct {
		exec    executor.ActionExecutorFunc
		expKind model.FailureKind
	}{
		"a call in time should succeed": {
			exec:    func(ctx context.Context, req model.ActionRequest) error { return nil },
			expKind: model.FailureKindNone,
		},
		"a call in time that fails should keep its error": {
			exec: func(ctx context.Context, req model.ActionRequest) error {
				return fmt.Errorf("invalid: %w", model.ErrPermanent)
			},
			expKind: model.FailureKindPermanent,
		},
		"a call that times out should be transient": {
			exec: func(ctx context.Context, req model.ActionRequest) error {
				<-ctx.Done()
				return fmt.Errorf("cancelled")
			},
			expKind: model.FailureKindTransient,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e := executor.NewTimeout(20*time.Millisecond, test.exec)
			err := e.Execute(context.Background(), model.ActionRequest{Action: "payment"})
			assert.Equal(t, test.expKind, model.Classify(err))
		})
	}
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	tests := map[string]struct {
		script  string
		req     model.ActionRequest
		expKind model.FailureKind
		expOut  string
	}{
		"a zero exit code should succeed and receive the request": {
			script: `echo "$AGENTVAULT_ACTION $AGENTVAULT_TASK $AGENTVAULT_ARG_TO_ADDRESS $1" > "$OUT"`,
			req: model.ActionRequest{
				Action: "email_send",
				Task:   "invoice_42.md",
				Args:   []string{"urgent"},
				Kwargs: map[string]string{"to-address": "client@example.com"},
			},
			expKind: model.FailureKindNone,
			expOut:  "email_send invoice_42.md client@example.com urgent\n",
		},
		"a temporary failure exit code should be transient": {
			script:  `echo "rate limited"; exit 75`,
			req:     model.ActionRequest{Action: "email_send"},
			expKind: model.FailureKindTransient,
		},
		"any other exit code should be permanent": {
			script:  `echo "invalid recipient" >&2; exit 1`,
			req:     model.ActionRequest{Action: "email_send"},
			expKind: model.FailureKindPermanent,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			out := filepath.Join(t.TempDir(), "out")

			// The request args are appended after the script name ($0).
			e, err := executor.NewCommand(executor.CommandConfig{
				Command: []string{"sh", "-c", test.script, "sh"},
				Env:     []string{"OUT=" + out},
			})
			require.NoError(err)

			err = e.Execute(context.Background(), test.req)
			assert.Equal(t, test.expKind, model.Classify(err))

			if test.expOut != "" {
				got, err := os.ReadFile(out)
				require.NoError(err)
				assert.Equal(t, test.expOut, string(got))
			}
		})
	}
}

func TestCommandMissingBinaryIsPermanent(t *testing.T) {
	e, err := executor.NewCommand(executor.CommandConfig{Command: []string{"/nonexistent/agentvault-action"}})
	require.NoError(t, err)

	err = e.Execute(context.Background(), model.ActionRequest{Action: "payment"})
	assert.Equal(t, model.FailureKindPermanent, model.Classify(err))

	_, err = executor.NewCommand(executor.CommandConfig{})
	assert.Error(t, err)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestCircuitBreaker(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	var calls int
	var nextErr error
	next := executor.ActionExecutorFunc(func(ctx context.Context, req model.ActionRequest) error {
		calls++
		return nextErr
	})

	cb, err := executor.NewCircuitBreaker(executor.CircuitBreakerConfig{
		FailThreshold:    2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Clock:            clock.Now,
	}, next)
	require.NoError(err)
	req := model.ActionRequest{Action: "odoo_invoice"}

	// Permanent failures don't open the circuit.
	nextErr = fmt.Errorf("bad invoice: %w", model.ErrPermanent)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(cb.Execute(ctx, req), model.ErrPermanent)
	}
	assert.Equal(executor.CircuitClosed, cb.State())

	// Transient ones do.
	nextErr = fmt.Errorf("timeout: %w", model.ErrTransient)
	assert.ErrorIs(cb.Execute(ctx, req), model.ErrTransient)
	assert.ErrorIs(cb.Execute(ctx, req), model.ErrTransient)
	assert.Equal(executor.CircuitOpen, cb.State())

	// Open fails fast.
	calls = 0
	err = cb.Execute(ctx, req)
	assert.ErrorIs(err, model.ErrServiceUnavailable)
	assert.Equal(model.FailureKindTransient, model.Classify(err))
	assert.Equal(0, calls)

	// After the timeout a probe goes through and closes it.
	clock.t = clock.t.Add(time.Minute)
	assert.Equal(executor.CircuitHalfOpen, cb.State())
	nextErr = nil
	assert.NoError(cb.Execute(ctx, req))
	assert.Equal(1, calls)
	assert.Equal(executor.CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	next := executor.ActionExecutorFunc(func(ctx context.Context, req model.ActionRequest) error {
		return model.ErrTransient
	})
	cb, err := executor.NewCircuitBreaker(executor.CircuitBreakerConfig{FailThreshold: 1, OpenTimeout: time.Second, Clock: clock.Now}, next)
	require.NoError(t, err)

	assert.ErrorIs(cb.Execute(ctx, model.ActionRequest{}), model.ErrTransient)
	assert.Equal(executor.CircuitOpen, cb.State())

	clock.t = clock.t.Add(time.Second)
	assert.ErrorIs(cb.Execute(ctx, model.ActionRequest{}), model.ErrTransient)
	assert.Equal(executor.CircuitOpen, cb.State())
	assert.ErrorIs(cb.Execute(ctx, model.ActionRequest{}), model.ErrServiceUnavailable)
}
