package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

func TestPersistCheckpoint_InsertAndLoad(t *testing.T) {
	s := createTestStore(t)
	cp := createTestCheckpoint("")
	cp.ProgressStep = "waiting"

	persist(t, s, "run-1", cp, false)

	rec, err := s.LoadCheckpoint(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, sm.RunID("run-1"), rec.RunID)
	assert.Equal(t, sm.StatusRunnable, rec.Status)
	assert.Equal(t, "waiting", rec.ProgressStep)
	assert.Equal(t, int64(1), rec.Version)
	assert.Empty(t, rec.ClientID)
	assert.NotEmpty(t, rec.Fingerprint)

	started, ok := rec.Checkpoint.FlowState.(sm.FlowStateStarted)
	require.True(t, ok, "flow state %T", rec.Checkpoint.FlowState)
	assert.Equal(t, sm.IORequestReceive{Sessions: []sm.SessionID{7}}, started.IORequest)
	assert.Equal(t, []byte("fiber"), started.FrozenFiber)
	assert.Equal(t, 1, rec.Checkpoint.CheckpointState.NumberOfSuspends)
}

func TestPersistCheckpoint_DuplicateInsertFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	persist(t, s, "run-1", createTestCheckpoint(""), false)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.PersistCheckpoint(ctx, "run-1", createTestCheckpoint(""), false)
	assert.Error(t, err)
}

func TestPersistCheckpoint_UpdateUnchangedIsSkipped(t *testing.T) {
	s := createTestStore(t)
	cp := createTestCheckpoint("")

	persist(t, s, "run-1", cp, false)
	persist(t, s, "run-1", cp, true)

	rec, err := s.LoadCheckpoint(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version, "unchanged checkpoint must not be rewritten")
}

func TestPersistCheckpoint_UpdateChanged(t *testing.T) {
	s := createTestStore(t)
	cp := createTestCheckpoint("")
	persist(t, s, "run-1", cp, false)

	first, err := s.LoadCheckpoint(context.Background(), "run-1")
	require.NoError(t, err)

	cp.CheckpointState.NumberOfSuspends = 2
	persist(t, s, "run-1", cp, true)

	rec, err := s.LoadCheckpoint(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, 2, rec.Checkpoint.CheckpointState.NumberOfSuspends)
	assert.NotEqual(t, first.Fingerprint, rec.Fingerprint)
}

func TestPersistCheckpoint_UpdateMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.PersistCheckpoint(ctx, "missing", createTestCheckpoint(""), true)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPersistCheckpoint_DuplicateClientID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	persist(t, s, "run-1", createTestCheckpoint("client-1"), false)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.PersistCheckpoint(ctx, "run-2", createTestCheckpoint("client-1"), false)
	assert.Error(t, err)
}

func TestTx_RollbackDiscardsWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PersistCheckpoint(ctx, "run-1", createTestCheckpoint(""), false))
	require.NoError(t, tx.PersistDeduplicationFacts(ctx, "run-1", []sm.DeduplicationHandler{{ID: "m-1"}}))
	require.NoError(t, tx.Rollback())

	_, err = s.LoadCheckpoint(ctx, "run-1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	seen, err := s.HasDeduplicationFact(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, seen)

	// a second rollback is a no-op
	assert.NoError(t, tx.Rollback())
}

func TestRemoveCheckpoint(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	persist(t, s, "run-1", createTestCheckpoint(""), false)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RemoveCheckpoint(ctx, "run-1"))
	require.NoError(t, tx.RemoveCheckpoint(ctx, "never-persisted"))
	require.NoError(t, tx.Commit())

	_, err = s.LoadCheckpoint(ctx, "run-1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestUpdateStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	persist(t, s, "run-1", createTestCheckpoint(""), false)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateStatus(ctx, "run-1", sm.StatusHospitalized))
	require.NoError(t, tx.Commit())

	rec, err := s.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, sm.StatusHospitalized, rec.Status)
	assert.Equal(t, sm.StatusHospitalized, rec.Checkpoint.Status)

	// the same checkpoint persisted again restores the encoded status
	persist(t, s, "run-1", createTestCheckpoint(""), true)
	rec, err = s.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, sm.StatusRunnable, rec.Status)
}

func TestUpdateStatus_Missing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.UpdateStatus(ctx, "missing", sm.StatusPaused), ErrCheckpointNotFound)
}

func TestPersistDeduplicationFacts_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	handlers := []sm.DeduplicationHandler{
		{ID: "m-1", Cause: sm.CauseSessionMessage},
		{ID: "m-2", Cause: sm.CauseSessionInit},
	}

	for i := 0; i < 2; i++ {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.PersistDeduplicationFacts(ctx, "run-1", handlers))
		require.NoError(t, tx.Commit())
	}

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM dedup_facts").Scan(&count))
	assert.Equal(t, 2, count)
}
