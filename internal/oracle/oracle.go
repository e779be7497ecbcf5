// Package oracle provides the monotonic timestamp source used for MVCC
// snapshots and transaction commit ordering.
package oracle

import "sync/atomic"

// Timestamp is an unsigned, monotonically increasing value. Zero is
// reserved and never allocated.
type Timestamp = uint64

// Oracle issues monotonically increasing timestamps starting at 1.
// Distinct calls to Alloc are guaranteed to return distinct values; no
// total order across goroutines beyond that is promised.
type Oracle struct {
	counter atomic.Uint64
}

// New returns an Oracle whose first Alloc call returns 1.
func New() *Oracle {
	o := &Oracle{}
	o.counter.Store(0)
	return o
}

// Alloc returns the next timestamp.
func (o *Oracle) Alloc() Timestamp {
	return o.counter.Add(1)
}

// Peek returns the most recently allocated timestamp without allocating a
// new one. Returns 0 if nothing has been allocated yet.
func (o *Oracle) Peek() Timestamp {
	return o.counter.Load()
}

// ResetTo reinitializes the counter so the next Alloc returns value+1. Used
// only during crash recovery, to rebuild the oracle from the highest
// commit_ts observed in the replayed write-ahead log.
func (o *Oracle) ResetTo(value Timestamp) {
	o.counter.Store(value)
}
