// Package storagetest has the behavior tests every storage.ApprovalRepository
// implementation must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/storage"
)

func approvalFixture(id, task string, createdAt time.Time) model.ApprovalRequest {
	return model.ApprovalRequest{
		ID:        id,
		Task:      task,
		Action:    "email_send",
		Status:    model.ApprovalStatusPending,
		CreatedAt: createdAt,
	}
}

// TestApprovalRepository runs the approval repository behavior tests against the
// repositories returned by newRepo.
func TestApprovalRepository(t *testing.T, newRepo func(t *testing.T) storage.ApprovalRepository) {
	t0 := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	t.Run("Create, get and list should work.", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		require.NoError(t, repo.CreateApproval(ctx, approvalFixture("a-2", "invoice.md", t0.Add(time.Minute))))
		require.NoError(t, repo.CreateApproval(ctx, approvalFixture("a-1", "invoice.md", t0)))
		require.NoError(t, repo.CreateApproval(ctx, approvalFixture("a-3", "post.md", t0.Add(2*time.Minute))))

		got, err := repo.GetApproval(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, "invoice.md", got.Task)
		assert.Equal(t, model.ApprovalStatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.Nil(t, got.ResolvedAt)

		all, err := repo.ListApprovals(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a-1", all[0].ID)
		assert.Equal(t, "a-2", all[1].ID)
		assert.Equal(t, "a-3", all[2].ID)

		byTask, err := repo.ListTaskApprovals(ctx, "invoice.md")
		require.NoError(t, err)
		require.Len(t, byTask, 2)
		assert.Equal(t, "a-1", byTask[0].ID)
	})

	t.Run("Creating a duplicated ID should fail.", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		require.NoError(t, repo.CreateApproval(ctx, approvalFixture("a-1", "invoice.md", t0)))
		err := repo.CreateApproval(ctx, approvalFixture("a-1", "other.md", t0))
		assert.ErrorIs(t, err, model.ErrAlreadyExists)
	})

	t.Run("Creating an invalid approval should fail.", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.CreateApproval(context.Background(), model.ApprovalRequest{ID: "a-1"})
		assert.ErrorIs(t, err, model.ErrNotValid)
	})

	t.Run("Getting a missing approval should fail.", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetApproval(context.Background(), "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("Resolving should work only once.", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.CreateApproval(ctx, approvalFixture("a-1", "invoice.md", t0)))

		resolvedAt := t0.Add(time.Hour)
		got, err := repo.ResolveApproval(ctx, "a-1", model.ApprovalStatusApproved, "alice", resolvedAt)
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalStatusApproved, got.Status)
		assert.Equal(t, "alice", got.Approver)
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, got.ResolvedAt.Equal(resolvedAt))

		_, err = repo.ResolveApproval(ctx, "a-1", model.ApprovalStatusRejected, "bob", resolvedAt)
		assert.ErrorIs(t, err, model.ErrAlreadyResolved)

		stored, err := repo.GetApproval(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalStatusApproved, stored.Status)
		assert.Equal(t, "alice", stored.Approver)

		pending, err := repo.ListApprovals(ctx, model.ApprovalStatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("Resolving a missing approval should fail.", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ResolveApproval(context.Background(), "missing", model.ApprovalStatusApproved, "alice", t0)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
