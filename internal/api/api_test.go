package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/api"
	"github.com/slok/agentvault/internal/approval"
	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/storage/memory"
)

type advancerFunc func(ctx context.Context, name string, from, to model.Stage) error

func (f advancerFunc) Advance(ctx context.Context, name string, from, to model.Stage) error {
	return f(ctx, name, from, to)
}

type fakeTasks map[model.Stage][]model.Task

func (f fakeTasks) List(_ context.Context, stage model.Stage) ([]model.Task, error) {
	return f[stage], nil
}

type fakeQueue struct {
	queued      []model.QueuedAction
	quarantined []model.QueuedAction
}

func (f *fakeQueue) List(context.Context) ([]model.QueuedAction, error) { return f.queued, nil }

func (f *fakeQueue) ListQuarantined(context.Context) ([]model.QueuedAction, error) {
	return f.quarantined, nil
}

func (f *fakeQueue) Requeue(_ context.Context, id string) (*model.QueuedAction, error) {
	for i, a := range f.quarantined {
		if a.ID == id {
			f.quarantined = append(f.quarantined[:i], f.quarantined[i+1:]...)
			a.QuarantinedAt = nil
			a.RetryCount = 0
			f.queued = append(f.queued, a)
			return &a, nil
		}
	}
	return nil, fmt.Errorf("queued action %s: %w", id, model.ErrNotFound)
}

type testAPI struct {
	handler   http.Handler
	approvals *approval.Service
	queue     *fakeQueue
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	approvals, err := approval.NewService(approval.ServiceConfig{
		Repository: repo,
		Tasks:      advancerFunc(func(context.Context, string, model.Stage, model.Stage) error { return nil }),
		Clock:      func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(err)

	tasks := fakeTasks{
		model.StageDone:  {{Name: "invoice_42.md", Stage: model.StageDone}},
		model.StageError: {{Name: "bad.md", Stage: model.StageError}},
	}
	queue := &fakeQueue{
		quarantined: []model.QueuedAction{{ID: "q1", Action: "email_send", RetryCount: 3}},
	}

	h, err := api.NewHandler(api.HandlerConfig{
		Approvals: approvals,
		Tasks:     tasks,
		Queue:     queue,
		Requeuer:  queue,
	})
	require.NoError(err)

	return testAPI{handler: h, approvals: approvals, queue: queue}
}

func (a testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func TestNewHandler(t *testing.T) {
	_, err := api.NewHandler(api.HandlerConfig{})
	assert.Error(t, err)
}

func TestAPIApprovals(t *testing.T) {
	tests := map[string]struct {
		method    string
		path      func(id string) string
		body      string
		expStatus int
		expBody   string
	}{
		"listing pending approvals should return them": {
			method:    http.MethodGet,
			path:      func(string) string { return "/approvals?status=pending" },
			expStatus: http.StatusOK,
			expBody:   `"status":"pending"`,
		},
		"listing with an unknown status should fail": {
			method:    http.MethodGet,
			path:      func(string) string { return "/approvals?status=maybe" },
			expStatus: http.StatusBadRequest,
		},
		"getting an approval should return it": {
			method:    http.MethodGet,
			path:      func(id string) string { return "/approvals/" + id },
			expStatus: http.StatusOK,
			expBody:   `"task":"pay.md"`,
		},
		"getting a missing approval should be not found": {
			method:    http.MethodGet,
			path:      func(string) string { return "/approvals/missing" },
			expStatus: http.StatusNotFound,
		},
		"approving should resolve the request": {
			method:    http.MethodPost,
			path:      func(id string) string { return "/approvals/" + id + "/approve" },
			body:      `{"approver":"alice"}`,
			expStatus: http.StatusOK,
			expBody:   `"approver":"alice"`,
		},
		"rejecting should resolve the request": {
			method:    http.MethodPost,
			path:      func(id string) string { return "/approvals/" + id + "/reject" },
			body:      `{"approver":"alice"}`,
			expStatus: http.StatusOK,
			expBody:   `"status":"rejected"`,
		},
		"approving without approver should fail": {
			method:    http.MethodPost,
			path:      func(id string) string { return "/approvals/" + id + "/approve" },
			body:      `{}`,
			expStatus: http.StatusBadRequest,
		},
		"approving with an invalid body should fail": {
			method:    http.MethodPost,
			path:      func(id string) string { return "/approvals/" + id + "/approve" },
			body:      `{`,
			expStatus: http.StatusBadRequest,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a := newTestAPI(t)
			req, err := a.approvals.RequestApproval(context.Background(), "pay.md", "payment")
			require.NoError(t, err)

			w := a.do(test.method, test.path(req.ID), test.body)

			assert.Equal(t, test.expStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if test.expBody != "" {
				assert.Contains(t, w.Body.String(), test.expBody)
			}
		})
	}
}

func TestAPIResolveTwiceConflicts(t *testing.T) {
	a := newTestAPI(t)
	req, err := a.approvals.RequestApproval(context.Background(), "pay.md", "payment")
	require.NoError(t, err)

	w := a.do(http.MethodPost, "/approvals/"+req.ID+"/approve", `{"approver":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodPost, "/approvals/"+req.ID+"/reject", `{"approver":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	got, err := a.approvals.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, got.Status)
	assert.Equal(t, "alice", got.Approver)
}

func TestAPITasks(t *testing.T) {
	tests := map[string]struct {
		query     string
		expStatus int
		expNames  []string
	}{
		"without stage should list all the tasks": {
			expStatus: http.StatusOK,
			expNames:  []string{"invoice_42.md", "bad.md"},
		},
		"with a stage should list the tasks of the stage": {
			query:     "?stage=error",
			expStatus: http.StatusOK,
			expNames:  []string{"bad.md"},
		},
		"with an empty stage should return an empty list": {
			query:     "?stage=planned",
			expStatus: http.StatusOK,
			expNames:  []string{},
		},
		"with an unknown stage should fail": {
			query:     "?stage=limbo",
			expStatus: http.StatusBadRequest,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a := newTestAPI(t)
			w := a.do(http.MethodGet, "/tasks"+test.query, "")

			require.Equal(t, test.expStatus, w.Code)
			if test.expNames == nil {
				return
			}

			var got []struct {
				Name string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			names := []string{}
			for _, task := range got {
				names = append(names, task.Name)
			}
			assert.Equal(t, test.expNames, names)
		})
	}
}

func TestAPIQueue(t *testing.T) {
	assert := assert.New(t)
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/queue", "")
	assert.Equal(http.StatusOK, w.Code)
	assert.JSONEq(`[]`, w.Body.String())

	w = a.do(http.MethodGet, "/quarantine", "")
	assert.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), `"id":"q1"`)

	w = a.do(http.MethodPost, "/quarantine/q1/requeue", "")
	assert.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), `"retry_count":0`)
	assert.Len(a.queue.queued, 1)
	assert.Empty(a.queue.quarantined)

	w = a.do(http.MethodPost, "/quarantine/q1/requeue", "")
	assert.Equal(http.StatusNotFound, w.Code)
}
