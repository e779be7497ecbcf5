package bufferpool

import (
	"sync"
	"testing"

	"github.com/go-kit/log"

	"github.com/SeleniaProject/serindb/internal/page"
	"github.com/SeleniaProject/serindb/internal/serrors"
)

// memBackend is a minimal in-memory Backend fixture, independent of the
// real internal/storage façade, so this package's tests don't need to
// depend on it.
type memBackend struct {
	mu    sync.Mutex
	pages map[serrors.PageID][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{pages: make(map[serrors.PageID][]byte)}
}

func (b *memBackend) ReadPage(id serrors.PageID, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pages[id]
	if !ok {
		copy(buf, make([]byte, page.Size)) // fresh page for an unwritten id
		return nil
	}
	copy(buf, p)
	return nil
}

func (b *memBackend) WritePage(id serrors.PageID, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.pages[id] = cp
	return nil
}

// TestBufferEviction reproduces the literal end-to-end scenario: a pool
// of capacity 2 fetching pages 1, 2, 3 never holds more than 2 frames and
// evicts page 1.
func TestBufferEviction(t *testing.T) {
	backend := newMemBackend()
	pool := New(log.NewNopLogger(), backend, 2)

	f1, err := pool.Fetch(1)
	if err != nil {
		t.Fatalf("Fetch(1): %v", err)
	}
	pool.Unpin(f1, false)

	f2, err := pool.Fetch(2)
	if err != nil {
		t.Fatalf("Fetch(2): %v", err)
	}
	pool.Unpin(f2, false)

	f3, err := pool.Fetch(3)
	if err != nil {
		t.Fatalf("Fetch(3): %v", err)
	}
	pool.Unpin(f3, false)

	if got := pool.Len(); got != 2 {
		t.Fatalf("pool.Len() = %d, want 2", got)
	}
	if pool.Resident(1) {
		t.Fatal("expected page 1 to have been evicted")
	}
}

func TestPinnedFramesAreNeverEvicted(t *testing.T) {
	backend := newMemBackend()
	pool := New(log.NewNopLogger(), backend, 1)

	f1, err := pool.Fetch(1)
	if err != nil {
		t.Fatalf("Fetch(1): %v", err)
	}
	// f1 stays pinned; fetching a second distinct page with capacity 1
	// must fail since nothing is evictable.
	_, err = pool.Fetch(2)
	var nb *serrors.NoBufferAvailable
	if err == nil {
		t.Fatal("expected NoBufferAvailable when the only frame is pinned")
	}
	if _, ok := err.(*serrors.NoBufferAvailable); !ok {
		t.Fatalf("expected *serrors.NoBufferAvailable, got %T", err)
	}
	_ = nb
	pool.Unpin(f1, false)
}

func TestDirtyFrameFlushedBeforeEviction(t *testing.T) {
	backend := newMemBackend()
	pool := New(log.NewNopLogger(), backend, 1)

	f1, err := pool.Fetch(1)
	if err != nil {
		t.Fatalf("Fetch(1): %v", err)
	}
	copy(f1.Data(), []byte("dirty-bytes"))
	pool.Unpin(f1, true)

	if _, err := pool.Fetch(2); err != nil {
		t.Fatalf("Fetch(2) forcing eviction of page 1: %v", err)
	}

	buf := make([]byte, page.Size)
	if err := backend.ReadPage(1, buf); err != nil {
		t.Fatalf("ReadPage(1) from backend: %v", err)
	}
	if string(buf[:len("dirty-bytes")]) != "dirty-bytes" {
		t.Fatal("expected dirty frame to be flushed to the backend before eviction")
	}
}

func TestRepeatedHitsPromoteToAm(t *testing.T) {
	backend := newMemBackend()
	pool := New(log.NewNopLogger(), backend, 3)

	for _, id := range []serrors.PageID{1, 2, 3} {
		f, err := pool.Fetch(id)
		if err != nil {
			t.Fatalf("Fetch(%d): %v", id, err)
		}
		pool.Unpin(f, false)
	}

	// Touch page 1 again: a hit should promote it out of A1in into Am, so
	// it survives subsequent A1in-preferring evictions.
	f1, err := pool.Fetch(1)
	if err != nil {
		t.Fatalf("re-Fetch(1): %v", err)
	}
	pool.Unpin(f1, false)

	if _, err := pool.Fetch(4); err != nil {
		t.Fatalf("Fetch(4): %v", err)
	}

	if !pool.Resident(1) {
		t.Fatal("expected promoted page 1 to survive eviction in favor of an A1in entry")
	}
}
