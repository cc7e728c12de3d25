package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/internal/persistence/persistencetest"
	"github.com/davidroman0O/replaylite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "replaylite_test.db")
}

// go test -timeout 30s -v -count=1 -run ^TestSQLiteBackend$ .
func TestSQLiteBackend(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Backend {
		b, err := Open(setupTestDB(t))
		require.NoError(t, err)
		return b
	})
}

func TestSQLiteBackendInMemory(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Backend {
		b, err := Open(":memory:")
		require.NoError(t, err)
		return b
	})
}

// go test -timeout 30s -v -count=1 -run ^TestSQLiteHistorySurvivesRestart$ .
func TestSQLiteHistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := setupTestDB(t)

	b, err := Open(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, b.CreateInstance(ctx, &types.WorkflowInstance{
		ID: "order-1", Name: "order_processing", Status: types.StatusRunning, CreatedAt: now, UpdatedAt: now,
	}, types.HistoryEvent{Type: types.EventOrchestratorStarted, Timestamp: now}))

	// crash while holding the lease
	_, err = b.DequeueOrchestration(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.DequeueOrchestration(ctx, time.Minute)
	assert.ErrorIs(t, err, persistence.ErrNoWorkItem)

	n, err := b.RecoverLeases(ctx, time.Now().Add(time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := b.DequeueOrchestration(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "order-1", item.InstanceID)

	history, err := b.ReadHistory(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Timestamp.Equal(now))
}

func TestSQLiteDestructive(t *testing.T) {
	ctx := context.Background()
	path := setupTestDB(t)

	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.CreateInstance(ctx, &types.WorkflowInstance{
		ID: "order-1", Name: "order_processing", Status: types.StatusRunning,
	}, types.HistoryEvent{Type: types.EventOrchestratorStarted, Timestamp: time.Now()}))
	require.NoError(t, b.Close())

	b, err = Open(path, WithDestructive())
	require.NoError(t, err)
	defer b.Close()
	_, err = b.GetInstance(ctx, "order-1")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}
