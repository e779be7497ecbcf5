// Package lock implements the hierarchical lock manager: IS/IX/S/X lock
// modes over arbitrary resource keys, FIFO wait queues, and wait-for-graph
// deadlock detection with youngest-transaction-wins victim selection.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/serrors"
)

// TxnID identifies a transaction requesting or holding a lock.
type TxnID uint64

// Mode is a hierarchical lock mode.
type Mode int

const (
	IS Mode = iota
	IX
	S
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible is the §3 compatibility matrix: rows are the mode already
// granted, columns are the mode being requested.
var compatible = [4][4]bool{
	//        IS     IX     S      X
	/*IS*/ {true, true, true, false},
	/*IX*/ {true, true, false, false},
	/*S */ {true, false, true, false},
	/*X */ {false, false, false, false},
}

func (m Mode) compatibleWith(other Mode) bool {
	return compatible[m][other]
}

type grant struct {
	txn  TxnID
	mode Mode
}

type waiter struct {
	txn    TxnID
	mode   Mode
	granCh chan error
}

type entry struct {
	granted []grant
	waiting []*waiter
}

// Manager is a resource-keyed hierarchical lock table.
type Manager struct {
	mu     sync.Mutex
	table  map[string]*entry
	logger log.Logger
}

// New returns an empty lock manager.
func New(logger log.Logger) *Manager {
	return &Manager{table: make(map[string]*entry), logger: logger}
}

// allCompatible reports whether mode is compatible with every mode
// currently granted on e, excluding locks already held by self.
func allCompatible(e *entry, self TxnID, mode Mode) bool {
	for _, g := range e.granted {
		if g.txn == self {
			continue
		}
		if !g.mode.compatibleWith(mode) {
			return false
		}
	}
	return true
}

// Lock acquires mode on resource for txn, blocking until granted, a
// deadline passes (serrors.LockTimeout), or a cycle is detected
// (serrors.Deadlock with txn as the victim, i.e. the caller itself may be
// chosen). ctx cancellation is honored at the same point as deadline
// expiry.
func (m *Manager) Lock(ctx context.Context, txn TxnID, resource string, mode Mode) error {
	m.mu.Lock()
	e, ok := m.table[resource]
	if !ok {
		e = &entry{}
		m.table[resource] = e
	}

	for _, g := range e.granted {
		if g.txn == txn && g.mode == mode {
			m.mu.Unlock()
			return nil
		}
	}

	if allCompatible(e, txn, mode) && len(e.waiting) == 0 {
		e.granted = append(e.granted, grant{txn: txn, mode: mode})
		m.mu.Unlock()
		return nil
	}

	w := &waiter{txn: txn, mode: mode, granCh: make(chan error, 1)}
	e.waiting = append(e.waiting, w)
	m.mu.Unlock()

	if victim, deadlocked := m.detectDeadlock(txn); deadlocked && victim == txn {
		level.Warn(m.logger).Log("msg", "deadlock detected, aborting victim", "txn", txn, "resource", resource)
		m.cancelWait(resource, w)
		return &serrors.Deadlock{Victim: serrors.TxnID(txn)}
	}
	// If a cycle was found but some other transaction was chosen as the
	// victim, this waiter's request remains queued as-is: the victim's
	// eventual abort calls ReleaseAll, which promotes this waiter.

	var deadline <-chan time.Time
	if dl, ok := ctx.Deadline(); ok {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-w.granCh:
		return err
	case <-deadline:
		level.Warn(m.logger).Log("msg", "lock wait timed out", "txn", txn, "resource", resource, "mode", mode)
		m.cancelWait(resource, w)
		return &serrors.LockTimeout{Txn: serrors.TxnID(txn)}
	case <-ctx.Done():
		level.Warn(m.logger).Log("msg", "lock wait canceled", "txn", txn, "resource", resource, "mode", mode)
		m.cancelWait(resource, w)
		return &serrors.LockTimeout{Txn: serrors.TxnID(txn)}
	}
}

func (m *Manager) cancelWait(resource string, target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[resource]
	if !ok {
		return
	}
	filtered := e.waiting[:0]
	for _, w := range e.waiting {
		if w != target {
			filtered = append(filtered, w)
		}
	}
	e.waiting = filtered
}

// snapshotEdges builds the wait-for graph: an edge from the txn at the
// head of each resource's wait queue to every current holder of that
// resource. Built under the table mutex, then released before the BFS
// runs, per §9's "snapshot edges, then scan outside the mutex" guidance.
func (m *Manager) snapshotEdges() map[TxnID][]TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	graph := make(map[TxnID][]TxnID)
	for _, e := range m.table {
		if len(e.waiting) == 0 {
			continue
		}
		head := e.waiting[0].txn
		for _, g := range e.granted {
			if g.txn != head {
				graph[head] = append(graph[head], g.txn)
			}
		}
	}
	return graph
}

// detectDeadlock runs a BFS from start over a snapshot of the wait-for
// graph. If a cycle back to start is found, it returns the youngest
// (highest id) transaction among those on the discovered cycle path and
// true.
func (m *Manager) detectDeadlock(start TxnID) (victim TxnID, found bool) {
	graph := m.snapshotEdges()

	type queued struct {
		txn  TxnID
		path []TxnID
	}
	visited := map[TxnID]bool{start: true}
	queue := []queued{{txn: start, path: []TxnID{start}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range graph[cur.txn] {
			if next == start {
				path := append(append([]TxnID{}, cur.path...), next)
				return youngest(path), true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, queued{txn: next, path: append(append([]TxnID{}, cur.path...), next)})
		}
	}
	return 0, false
}

func youngest(ids []TxnID) TxnID {
	sorted := append([]TxnID{}, ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return sorted[0]
}

// ReleaseAll removes txn from both the granted and waiting lists of every
// resource, then promotes any waiters at the head of a freed queue whose
// mode is now compatible with the remaining granted set.
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.table {
		kept := e.granted[:0]
		for _, g := range e.granted {
			if g.txn != txn {
				kept = append(kept, g)
			}
		}
		e.granted = kept

		var remaining []*waiter
		for _, w := range e.waiting {
			if w.txn == txn {
				w.granCh <- &serrors.Deadlock{Victim: serrors.TxnID(txn)}
				continue
			}
			remaining = append(remaining, w)
		}
		e.waiting = remaining

		m.promoteLocked(e)
	}
}

// promoteLocked grants waiters from the head of e.waiting while their mode
// is compatible with the currently granted set. Must be called with m.mu
// held.
func (m *Manager) promoteLocked(e *entry) {
	for len(e.waiting) > 0 {
		head := e.waiting[0]
		if !allCompatible(e, head.txn, head.mode) {
			break
		}
		e.granted = append(e.granted, grant{txn: head.txn, mode: head.mode})
		e.waiting = e.waiting[1:]
		head.granCh <- nil
	}
}
