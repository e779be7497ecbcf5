// Package mvcc implements the versioned tuple format and visibility
// predicate used for snapshot isolation across the storage core.
package mvcc

import (
	"math"
	"sync"

	"github.com/SeleniaProject/serindb/internal/oracle"
)

// Timestamp is re-exported for callers that only need MVCC, not the
// oracle package directly.
type Timestamp = oracle.Timestamp

// Infinity is the max_ts sentinel value meaning "still live".
const Infinity Timestamp = math.MaxUint64

// VersionedTuple is one version of a value, visible to snapshot readers
// whose timestamp falls in [MinTS, MaxTS).
type VersionedTuple[T any] struct {
	MinTS Timestamp
	MaxTS Timestamp
	Value T

	// txn, if nonzero, is the id of the transaction that created this
	// version before it committed. It lets VisibleToTxn admit a writer's own
	// uncommitted versions regardless of snapshot timestamp.
	txn uint64
}

// VisibleAt reports whether v is visible to a reader whose snapshot
// timestamp is snapTS: MinTS <= snapTS < MaxTS.
func (v *VersionedTuple[T]) VisibleAt(snapTS Timestamp) bool {
	return v.MinTS <= snapTS && snapTS < v.MaxTS
}

// IsLive reports whether v has never been superseded.
func (v *VersionedTuple[T]) IsLive() bool {
	return v.MaxTS == Infinity
}

// versionNode is an arena-stored link in a version chain. Nodes are keyed
// by (key, MinTS) and linked by index rather than by pointer, so rewriting
// a predecessor's MaxTS never requires mutating shared pointer state.
type versionNode[T any] struct {
	tuple VersionedTuple[T]
	next  int // index into Chain.nodes of the next-older version, or -1
}

// Chain is the version history for a single key. All versions for the key
// live in one arena (nodes), newest first via head.
type Chain[T any] struct {
	nodes []versionNode[T]
	head  int // index of newest version, or -1 if empty
}

// NewChain returns an empty version chain.
func NewChain[T any]() *Chain[T] {
	return &Chain[T]{head: -1}
}

// Insert appends a new live version on top of the chain, superseding the
// current head (if any) by setting its MaxTS to minTS. This implements the
// §4.5 write policy: the predecessor's MaxTS becomes the new version's
// MinTS (the committing transaction's commit_ts).
func (c *Chain[T]) Insert(minTS Timestamp, value T, txn uint64) {
	if c.head >= 0 {
		c.nodes[c.head].tuple.MaxTS = minTS
	}
	c.nodes = append(c.nodes, versionNode[T]{
		tuple: VersionedTuple[T]{MinTS: minTS, MaxTS: Infinity, Value: value, txn: txn},
		next:  c.head,
	})
	c.head = len(c.nodes) - 1
}

// VisibleAt walks the chain newest-to-oldest and returns the first version
// visible to snapTS, or ok=false if none is.
func (c *Chain[T]) VisibleAt(snapTS Timestamp) (value T, ok bool) {
	for i := c.head; i != -1; i = c.nodes[i].next {
		v := &c.nodes[i].tuple
		if v.VisibleAt(snapTS) {
			return v.Value, true
		}
	}
	var zero T
	return zero, false
}

// VisibleToTxn behaves like VisibleAt but additionally admits the newest
// version if it was written by txn itself, regardless of timestamps
// (read-your-own-writes).
func (c *Chain[T]) VisibleToTxn(snapTS Timestamp, txn uint64) (value T, ok bool) {
	if c.head != -1 {
		head := &c.nodes[c.head].tuple
		if head.txn == txn && txn != 0 {
			return head.Value, true
		}
	}
	return c.VisibleAt(snapTS)
}

// PurgeTxn removes every version in the chain written by txn (used when
// aborting, so speculative versions leave no trace) and rebuilds every
// remaining version's MaxTS so the gap closes cleanly: each surviving
// version stays visible until whichever surviving version actually comes
// after it, not until the purged one that used to sit between them. The
// chain is walked from the head rather than patched in place, so purging
// the head itself is handled the same way as purging anywhere else.
func (c *Chain[T]) PurgeTxn(txn uint64) {
	if c.head == -1 {
		return
	}

	var survivors []VersionedTuple[T]
	for i := c.head; i != -1; i = c.nodes[i].next {
		if c.nodes[i].tuple.txn == txn {
			continue
		}
		survivors = append(survivors, c.nodes[i].tuple)
	}

	nodes := make([]versionNode[T], len(survivors))
	for i, tuple := range survivors {
		if i == 0 {
			tuple.MaxTS = Infinity
		} else {
			tuple.MaxTS = survivors[i-1].MinTS
		}
		next := -1
		if i+1 < len(survivors) {
			next = i + 1
		}
		nodes[i] = versionNode[T]{tuple: tuple, next: next}
	}

	c.nodes = nodes
	if len(nodes) == 0 {
		c.head = -1
	} else {
		c.head = 0
	}
}

// Table is a concurrency-safe collection of version chains keyed by an
// arbitrary comparable key type K, storing values of type V.
type Table[K comparable, V any] struct {
	mu     sync.RWMutex
	chains map[K]*Chain[V]
}

// NewTable returns an empty MVCC table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{chains: make(map[K]*Chain[V])}
}

// Put installs a new version of value under key, committed at commitTS by
// txn.
func (t *Table[K, V]) Put(key K, value V, commitTS Timestamp, txn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chains[key]
	if !ok {
		c = NewChain[V]()
		t.chains[key] = c
	}
	c.Insert(commitTS, value, txn)
}

// Get returns the version of key visible to snapTS.
func (t *Table[K, V]) Get(key K, snapTS Timestamp) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chains[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.VisibleAt(snapTS)
}

// GetForTxn returns the newest version of key if txn itself wrote it
// (read-your-own-writes); otherwise the version visible to snapTS.
func (t *Table[K, V]) GetForTxn(key K, snapTS Timestamp, txn uint64) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chains[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.VisibleToTxn(snapTS, txn)
}

// PurgeTxn removes every speculative version written by txn across every
// key in the table. Called by the transaction coordinator (through
// txn.Purger) when a transaction aborts.
func (t *Table[K, V]) PurgeTxn(txn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chains {
		c.PurgeTxn(txn)
	}
}
