// Package storage implements the storage engine façade (C9): a uniform
// page read/write contract that the buffer pool, and everything above it,
// can use without caring whether pages ultimately live in memory or on
// disk.
package storage

import (
	"sync"

	"github.com/SeleniaProject/serindb/internal/page"
	"github.com/SeleniaProject/serindb/internal/serrors"
)

// Facade is the minimal contract every storage backend implements:
// read_page/write_page over fixed page.Size buffers, per §4.9.
type Facade interface {
	ReadPage(id serrors.PageID, buf []byte) error
	WritePage(id serrors.PageID, buf []byte) error
}

// Memory is an in-memory Facade implementation, used by tests and by any
// caller that does not need durability.
type Memory struct {
	mu    sync.RWMutex
	pages map[serrors.PageID][]byte
}

// NewMemory returns an empty memory-backed façade.
func NewMemory() *Memory {
	return &Memory{pages: make(map[serrors.PageID][]byte)}
}

// ReadPage copies the stored page for id into buf, or returns
// *serrors.NotFound if id has never been written.
func (m *Memory) ReadPage(id serrors.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return &serrors.IO{Op: "read_page", Err: errBufferSize(len(buf))}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[id]
	if !ok {
		return &serrors.NotFound{ID: id}
	}
	if err := page.Verify(p, id); err != nil {
		return err
	}
	copy(buf, p)
	return nil
}

// WritePage stores a copy of buf under id, recomputing its checksum.
func (m *Memory) WritePage(id serrors.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return &serrors.IO{Op: "write_page", Err: errBufferSize(len(buf))}
	}
	if err := page.SetChecksum(buf); err != nil {
		return err
	}
	cp := make([]byte, page.Size)
	copy(cp, buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[id] = cp
	return nil
}

type errBufferSize int

func (e errBufferSize) Error() string {
	return "buffer must be exactly page.Size bytes, got a different length"
}
