package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/flowsm/internal/codec"
	sm "github.com/roach88/flowsm/internal/statemachine"
)

// Tx is an open store transaction. It maps one-to-one to the
// CreateTransaction / CommitTransaction bracket of a transition.
type Tx struct {
	tx    *sql.Tx
	codec codec.Codec
}

// PersistCheckpoint writes the checkpoint of runID. An update replaces the
// existing row and is skipped when neither the encoded checkpoint nor its
// status changed. Updating a run without a checkpoint fails with
// ErrCheckpointNotFound.
func (t *Tx) PersistCheckpoint(ctx context.Context, runID sm.RunID, cp sm.Checkpoint, isUpdate bool) error {
	data, err := t.codec.EncodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", runID, err)
	}
	fingerprint, err := codec.FingerprintBytes(data)
	if err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", runID, err)
	}

	if !isUpdate {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, status, client_id, progress_step, fingerprint, data)
			VALUES (?, ?, ?, ?, ?, ?)
		`, string(runID), string(cp.Status), nullableString(cp.CheckpointState.InvocationContext.ClientID),
			cp.ProgressStep, fingerprint, data)
		if err != nil {
			return fmt.Errorf("insert checkpoint %s: %w", runID, err)
		}
		return nil
	}

	var stored, status string
	err = t.tx.QueryRowContext(ctx,
		`SELECT fingerprint, status FROM checkpoints WHERE run_id = ?`, string(runID),
	).Scan(&stored, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update checkpoint %s: %w", runID, ErrCheckpointNotFound)
	}
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", runID, err)
	}
	if stored == fingerprint && status == string(cp.Status) {
		return nil
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, client_id = ?, progress_step = ?, fingerprint = ?, data = ?, version = version + 1
		WHERE run_id = ?
	`, string(cp.Status), nullableString(cp.CheckpointState.InvocationContext.ClientID),
		cp.ProgressStep, fingerprint, data, string(runID))
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", runID, err)
	}
	return nil
}

// RemoveCheckpoint deletes the checkpoint of runID. Removing a missing
// checkpoint is not an error.
func (t *Tx) RemoveCheckpoint(ctx context.Context, runID sm.RunID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, string(runID)); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", runID, err)
	}
	return nil
}

// UpdateStatus changes the status of a persisted checkpoint without
// rewriting it. The status column wins over the encoded status on load.
func (t *Tx) UpdateStatus(ctx context.Context, runID sm.RunID, status sm.FlowStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, version = version + 1 WHERE run_id = ?`,
		string(status), string(runID))
	if err != nil {
		return fmt.Errorf("update status %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("update status %s: %w", runID, ErrCheckpointNotFound)
	}
	return nil
}

// PersistDeduplicationFacts records that the given inbound messages have
// been processed by runID. Uses ON CONFLICT DO NOTHING for idempotency.
func (t *Tx) PersistDeduplicationFacts(ctx context.Context, runID sm.RunID, handlers []sm.DeduplicationHandler) error {
	for _, h := range handlers {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO dedup_facts (id, run_id) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING
		`, h.ID, string(runID))
		if err != nil {
			return fmt.Errorf("persist deduplication fact %s: %w", h.ID, err)
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback abandons the transaction. Rolling back a finished transaction is
// a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
