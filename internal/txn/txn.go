// Package txn implements the two-phase-commit transaction coordinator:
// the Active/Prepared/Committed/Aborted state machine, prepare-record
// persistence through the write-ahead log, and crash recovery.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/lock"
	"github.com/SeleniaProject/serindb/internal/oracle"
	"github.com/SeleniaProject/serindb/internal/wal"
)

// ID identifies a transaction.
type ID uint64

// Status is a transaction's position in the C8 state machine.
type Status int

const (
	Active Status = iota
	Prepared
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Prepared:
		return "Prepared"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// PrepareRecord is the durable WAL payload that makes a transaction's
// commit decision recoverable after a crash.
type PrepareRecord struct {
	TxnID    ID     `json:"txn_id"`
	CommitTS uint64 `json:"commit_ts"`
}

// Purger is implemented by anything holding speculative state keyed by
// transaction id (typically an mvcc.Table) that must discard it when the
// transaction aborts. Abort is the only caller.
type Purger interface {
	PurgeTxn(txn uint64)
}

// Coordinator drives the C8 state machine for every transaction in a
// process, backed by a timestamp oracle for commit_ts assignment, a lock
// manager for §4.6-style hierarchical locking, and a WAL for prepare
// record durability.
type Coordinator struct {
	mu        sync.Mutex
	oracle    *oracle.Oracle
	locks     *lock.Manager
	walWriter *wal.Writer
	logger    log.Logger
	statuses  map[ID]Status
	purgers   []Purger
	nextID    ID
}

// New returns a coordinator over the given oracle, lock manager, and WAL
// writer used for prepare-record durability.
func New(o *oracle.Oracle, locks *lock.Manager, walWriter *wal.Writer, logger log.Logger) *Coordinator {
	return &Coordinator{
		oracle:    o,
		locks:     locks,
		walWriter: walWriter,
		logger:    logger,
		statuses:  make(map[ID]Status),
	}
}

// RegisterPurger adds p to the set notified when a transaction aborts, so
// its speculative writes can be discarded.
func (c *Coordinator) RegisterPurger(p Purger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgers = append(c.purgers, p)
}

// Begin allocates a new transaction id and marks it Active. Transaction
// ids are assigned from the same oracle as commit timestamps: distinct
// but not necessarily meaningfully ordered relative to commit_ts values.
func (c *Coordinator) Begin() ID {
	id := ID(c.oracle.Alloc())
	c.mu.Lock()
	c.statuses[id] = Active
	c.mu.Unlock()
	return id
}

// LockX acquires an exclusive lock on resource for txn, table-level
// granularity being sufficient for the MVP per the original prototype.
func (c *Coordinator) LockX(ctx context.Context, txn ID, resource string) error {
	return c.locks.Lock(ctx, lock.TxnID(txn), resource, lock.X)
}

// Lock acquires mode on resource for txn.
func (c *Coordinator) Lock(ctx context.Context, txn ID, resource string, mode lock.Mode) error {
	return c.locks.Lock(ctx, lock.TxnID(txn), resource, mode)
}

// Prepare assigns commit_ts, persists and fsyncs a PrepareRecord through
// the WAL, and transitions txn to Prepared. This is a suspension point:
// it blocks on the WAL fsync.
func (c *Coordinator) Prepare(txn ID) (*PrepareRecord, error) {
	c.mu.Lock()
	status, ok := c.statuses[txn]
	c.mu.Unlock()
	if !ok || status != Active {
		return nil, fmt.Errorf("txn %d: cannot prepare from state %v", txn, status)
	}

	commitTS := c.oracle.Alloc()
	rec := PrepareRecord{TxnID: txn, CommitTS: commitTS}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("txn %d: marshal prepare record: %w", txn, err)
	}
	if err := c.walWriter.Append(payload); err != nil {
		level.Error(c.logger).Log("msg", "append prepare record failed", "txn", txn, "err", err)
		return nil, fmt.Errorf("txn %d: append prepare record: %w", txn, err)
	}
	if err := c.walWriter.Flush(); err != nil {
		level.Error(c.logger).Log("msg", "fsync prepare record failed", "txn", txn, "err", err)
		return nil, fmt.Errorf("txn %d: fsync prepare record: %w", txn, err)
	}

	c.mu.Lock()
	c.statuses[txn] = Prepared
	c.mu.Unlock()
	level.Info(c.logger).Log("msg", "txn prepared", "txn", txn, "commit_ts", commitTS)
	return &rec, nil
}

// Commit transitions a Prepared transaction to Committed and releases its
// locks.
func (c *Coordinator) Commit(txn ID) error {
	c.mu.Lock()
	status, ok := c.statuses[txn]
	if !ok || status != Prepared {
		c.mu.Unlock()
		return fmt.Errorf("txn %d: cannot commit from state %v", txn, status)
	}
	c.statuses[txn] = Committed
	c.mu.Unlock()

	c.locks.ReleaseAll(lock.TxnID(txn))
	level.Info(c.logger).Log("msg", "txn committed", "txn", txn)
	return nil
}

// Abort transitions txn to Aborted, releases its locks, and asks every
// registered Purger to discard the transaction's speculative versions.
func (c *Coordinator) Abort(txn ID) error {
	c.mu.Lock()
	c.statuses[txn] = Aborted
	purgers := append([]Purger{}, c.purgers...)
	c.mu.Unlock()

	c.locks.ReleaseAll(lock.TxnID(txn))
	for _, p := range purgers {
		p.PurgeTxn(uint64(txn))
	}
	level.Info(c.logger).Log("msg", "txn aborted", "txn", txn, "purgers", len(purgers))
	return nil
}

// Status returns txn's current state.
func (c *Coordinator) Status(txn ID) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[txn]
}

// Recover promotes every transaction named in records to Committed (a
// crash between the prepare fsync and the commit step is recovered by
// treating prepare as already durable), rebuilds the timestamp oracle to
// one past the highest commit_ts observed, and returns the set of
// transaction ids it promoted so the caller can purge every other known,
// non-promoted transaction id from its MVCC state (step 5 of §4.8's
// recovery procedure, which this coordinator cannot perform on its own
// since it has no view of which txn ids ever existed before the crash).
func (c *Coordinator) Recover(records []PrepareRecord) map[ID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	promoted := make(map[ID]bool, len(records))
	var maxCommitTS uint64
	for _, rec := range records {
		c.statuses[rec.TxnID] = Committed
		promoted[rec.TxnID] = true
		if rec.CommitTS > maxCommitTS {
			maxCommitTS = rec.CommitTS
		}
	}
	c.oracle.ResetTo(maxCommitTS)
	return promoted
}

// ReplayPrepareRecords reads every WAL record at path and decodes the
// ones that parse as a PrepareRecord. Non-prepare payloads sharing the
// same WAL (if the log is ever used for more than prepare records) are
// silently skipped rather than treated as corruption.
func ReplayPrepareRecords(path string) ([]PrepareRecord, error) {
	entries, err := wal.ReadAll(path)
	if err != nil {
		return nil, err
	}
	var records []PrepareRecord
	for _, e := range entries {
		var rec PrepareRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
