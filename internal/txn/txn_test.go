package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"

	"github.com/SeleniaProject/serindb/internal/lock"
	"github.com/SeleniaProject/serindb/internal/mvcc"
	"github.com/SeleniaProject/serindb/internal/oracle"
	"github.com/SeleniaProject/serindb/internal/wal"
)

func newCoordinator(t *testing.T, path string) *Coordinator {
	t.Helper()
	w, err := wal.Open(path, 1, log.NewNopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return New(oracle.New(), lock.New(log.NewNopLogger()), w, log.NewNopLogger())
}

// TestBeginLockPrepareCommit reproduces the literal two-phase-commit
// recovery scenario: begin, lock_x("t1") succeeds, prepare returns a
// PrepareRecord, a fresh coordinator recovering that record reports the
// transaction as Committed.
func TestBeginLockPrepareCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.wal")
	c := newCoordinator(t, path)

	txn := c.Begin()
	if err := c.LockX(context.Background(), txn, "t1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	rec, err := c.Prepare(txn)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if rec.TxnID != txn {
		t.Fatalf("PrepareRecord.TxnID = %d, want %d", rec.TxnID, txn)
	}
	if c.Status(txn) != Prepared {
		t.Fatalf("Status = %v, want Prepared", c.Status(txn))
	}

	if err := c.Commit(txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.Status(txn) != Committed {
		t.Fatalf("Status = %v, want Committed", c.Status(txn))
	}
}

func TestRecoverPromotesPreparedToCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.wal")
	c1 := newCoordinator(t, path)

	txn := c1.Begin()
	if err := c1.LockX(context.Background(), txn, "t1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	prep, err := c1.Prepare(txn)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Simulate a crash: build a fresh coordinator over a fresh in-memory
	// oracle/lock manager, pointed at the same durable WAL.
	records, err := ReplayPrepareRecords(path)
	if err != nil {
		t.Fatalf("ReplayPrepareRecords: %v", err)
	}
	if len(records) != 1 || records[0] != *prep {
		t.Fatalf("ReplayPrepareRecords = %+v, want [%+v]", records, *prep)
	}

	c2 := New(oracle.New(), lock.New(log.NewNopLogger()), nil, log.NewNopLogger())
	promoted := c2.Recover(records)
	if !promoted[txn] {
		t.Fatalf("expected txn %d to be promoted", txn)
	}
	if c2.Status(txn) != Committed {
		t.Fatalf("Status = %v, want Committed", c2.Status(txn))
	}
	if got := c2.oracle.Peek(); got < prep.CommitTS {
		t.Fatalf("oracle not rebuilt past commit_ts: Peek() = %d, want >= %d", got, prep.CommitTS)
	}
}

func TestAbortReleasesLocksAndPurgesMVCC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.wal")
	c := newCoordinator(t, path)

	table := mvcc.NewTable[string, string]()
	c.RegisterPurger(table)

	txn := c.Begin()
	if err := c.LockX(context.Background(), txn, "row1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	table.Put("row1", "speculative", uint64(txn), uint64(txn))

	if err := c.Abort(txn); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if c.Status(txn) != Aborted {
		t.Fatalf("Status = %v, want Aborted", c.Status(txn))
	}
	if _, ok := table.Get("row1", uint64(txn)); ok {
		t.Fatal("expected aborted transaction's speculative version to be purged")
	}

	// Lock should have been released: another transaction can now take it.
	other := c.Begin()
	if err := c.LockX(context.Background(), other, "row1"); err != nil {
		t.Fatalf("expected lock on row1 to be free after abort, got: %v", err)
	}
}

func TestCommitWithoutPrepareFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.wal")
	c := newCoordinator(t, path)

	txn := c.Begin()
	if err := c.Commit(txn); err == nil {
		t.Fatal("expected Commit to fail for a transaction that never prepared")
	}
}
