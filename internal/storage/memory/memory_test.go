package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/storage"
	"github.com/slok/agentvault/internal/storage/memory"
	"github.com/slok/agentvault/internal/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.TestApprovalRepository(t, func(t *testing.T) storage.ApprovalRepository {
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: log.Noop})
		require.NoError(t, err)
		return repo
	})
}
