package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRecord is a persisted checkpoint with its bookkeeping columns.
type CheckpointRecord struct {
	RunID        sm.RunID
	Status       sm.FlowStatus
	ClientID     string
	ProgressStep string
	Fingerprint  string
	// Version starts at 1 and increases with every write to the row.
	Version    int64
	Checkpoint sm.Checkpoint
}

const selectCheckpoint = `
	SELECT run_id, status, client_id, progress_step, fingerprint, version, data
	FROM checkpoints`

// LoadCheckpoint returns the checkpoint of runID.
func (s *Store) LoadCheckpoint(ctx context.Context, runID sm.RunID) (CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE run_id = ?`, string(runID))
	rec, err := s.scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckpointRecord{}, fmt.Errorf("load checkpoint %s: %w", runID, ErrCheckpointNotFound)
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return rec, nil
}

// FindCheckpointByClientID returns the checkpoint started with clientID.
func (s *Store) FindCheckpointByClientID(ctx context.Context, clientID string) (CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpoint+` WHERE client_id = ?`, clientID)
	rec, err := s.scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckpointRecord{}, fmt.Errorf("find checkpoint for client %s: %w", clientID, ErrCheckpointNotFound)
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("find checkpoint for client %s: %w", clientID, err)
	}
	return rec, nil
}

// ListCheckpoints returns the checkpoints with one of the given statuses, or
// all checkpoints when none is given. Results are ordered by run id.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListCheckpoints(ctx context.Context, statuses ...sm.FlowStatus) ([]CheckpointRecord, error) {
	query := selectCheckpoint
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY run_id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	records := []CheckpointRecord{}
	for rows.Next() {
		rec, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return records, nil
}

// FindRunnableCheckpoints returns the checkpoints restored when a node
// starts: runnable flows and flows the hospital was treating. Paused flows
// wait for an explicit retry.
func (s *Store) FindRunnableCheckpoints(ctx context.Context) ([]CheckpointRecord, error) {
	return s.ListCheckpoints(ctx, sm.StatusRunnable, sm.StatusHospitalized)
}

// HasDeduplicationFact reports whether the inbound message with the given
// deduplication id has already been processed.
func (s *Store) HasDeduplicationFact(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dedup_facts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query deduplication fact %s: %w", id, err)
	}
	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCheckpoint(row scanner) (CheckpointRecord, error) {
	var (
		rec      CheckpointRecord
		runID    string
		status   string
		clientID sql.NullString
		data     []byte
	)
	if err := row.Scan(&runID, &status, &clientID, &rec.ProgressStep, &rec.Fingerprint, &rec.Version, &data); err != nil {
		return CheckpointRecord{}, err
	}
	cp, err := s.codec.DecodeCheckpoint(data)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	rec.RunID = sm.RunID(runID)
	rec.Status = sm.FlowStatus(status)
	rec.ClientID = clientID.String
	cp.Status = rec.Status
	rec.Checkpoint = cp
	return rec, nil
}
