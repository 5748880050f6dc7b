package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCheckpoint creates a started checkpoint suspended on a receive.
func createTestCheckpoint(clientID string) sm.Checkpoint {
	cp := sm.NewCheckpoint(
		sm.InvocationContext{Actor: "test", ClientID: clientID},
		"A",
		sm.FlowStartExplicit{},
		[]byte("logic"),
		sm.SubFlowInlined{FlowClass: "PingFlow"},
	)
	cp.FlowState = sm.FlowStateStarted{
		IORequest:   sm.IORequestReceive{Sessions: []sm.SessionID{7}},
		FrozenFiber: []byte("fiber"),
	}
	cp.CheckpointState.NumberOfSuspends = 1
	return cp
}

// persist writes cp in its own transaction.
func persist(t *testing.T, s *Store, runID sm.RunID, cp sm.Checkpoint, isUpdate bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.PersistCheckpoint(ctx, runID, cp, isUpdate); err != nil {
		tx.Rollback()
		t.Fatalf("PersistCheckpoint() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("table info %s: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_index_list(?)", table)
	if err != nil {
		t.Fatalf("index list %s: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}
