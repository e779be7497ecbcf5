// Package bufferpool implements the adaptive 2Q buffer pool: three lists
// of page ids — A1in (FIFO of recent misses), Am (LRU of promoted hot
// pages), and A1out (a ghost FIFO recording recent evictions from A1in) —
// mediating which pages are memory-resident.
package bufferpool

import (
	"container/list"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/page"
	"github.com/SeleniaProject/serindb/internal/serrors"
)

// Backend is the subset of the storage façade (C9) the pool needs to
// service a miss and to flush a dirty frame on eviction.
type Backend interface {
	ReadPage(id serrors.PageID, buf []byte) error
	WritePage(id serrors.PageID, buf []byte) error
}

// Frame is a pinned handle to a page-sized buffer resident in the pool.
// Callers obtain one from Fetch and must call Unpin exactly once when
// done.
type Frame struct {
	id       serrors.PageID
	data     []byte
	pinCount int
	dirty    bool
}

// Data returns the frame's underlying byte buffer. Safe to read/write
// without the pool's lock while the frame remains pinned, per §4.2's
// concurrency policy.
func (f *Frame) Data() []byte { return f.data }

// Pool is a fixed-capacity, 2Q-replacement page cache.
type Pool struct {
	mu       sync.Mutex
	backend  Backend
	capacity int
	logger   log.Logger

	frames map[serrors.PageID]*Frame
	a1in   *list.List // FIFO of PageID, front = newest
	am     *list.List // LRU of PageID, front = most recently used
	a1out  *list.List // ghost FIFO of PageID, front = newest

	a1inElems  map[serrors.PageID]*list.Element
	amElems    map[serrors.PageID]*list.Element
	a1outElems map[serrors.PageID]*list.Element

	a1outLimit int
}

// New returns a pool with the given frame capacity, backed by backend for
// cold misses and dirty-frame flushes.
func New(logger log.Logger, backend Backend, capacity int) *Pool {
	return &Pool{
		backend:    backend,
		capacity:   capacity,
		logger:     logger,
		frames:     make(map[serrors.PageID]*Frame),
		a1in:       list.New(),
		am:         list.New(),
		a1out:      list.New(),
		a1inElems:  make(map[serrors.PageID]*list.Element),
		amElems:    make(map[serrors.PageID]*list.Element),
		a1outElems: make(map[serrors.PageID]*list.Element),
		a1outLimit: capacity,
	}
}

// Fetch returns a pinned Frame for id, loading it from the backend on a
// cold miss. The caller must Unpin it when finished.
func (p *Pool) Fetch(id serrors.PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[id]; ok {
		p.touchLocked(id)
		f.pinCount++
		return f, nil
	}

	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, page.Size)
	if err := p.backend.ReadPage(id, buf); err != nil {
		return nil, err
	}
	f := &Frame{id: id, data: buf, pinCount: 1}
	p.frames[id] = f
	p.admitMissLocked(id)
	return f, nil
}

// touchLocked updates list membership on a hit: promote from A1in or Am to
// the front of Am; a hit originating from A1out is handled by
// admitMissLocked (the ghost entry carries no data, so it is still a
// cache miss that must reload from the backend, but is admitted straight
// into Am instead of A1in).
func (p *Pool) touchLocked(id serrors.PageID) {
	if elem, ok := p.amElems[id]; ok {
		p.am.MoveToFront(elem)
		return
	}
	if elem, ok := p.a1inElems[id]; ok {
		p.a1in.Remove(elem)
		delete(p.a1inElems, id)
		p.amElems[id] = p.am.PushFront(id)
	}
}

// admitMissLocked places a newly loaded page into the correct list: if its
// id is present in the A1out ghost list (it was recently evicted from
// A1in), it is admitted straight into Am as already-proven-hot; otherwise
// it starts in A1in as a fresh, unproven admission.
func (p *Pool) admitMissLocked(id serrors.PageID) {
	if elem, ok := p.a1outElems[id]; ok {
		p.a1out.Remove(elem)
		delete(p.a1outElems, id)
		p.amElems[id] = p.am.PushFront(id)
		return
	}
	p.a1inElems[id] = p.a1in.PushFront(id)
}

// evictLocked makes room for one more frame: prefer the tail of A1in
// (recording its id in the bounded A1out ghost list), falling back to the
// tail of Am. Pinned frames are skipped. Dirty frames are flushed through
// the backend before their frame is discarded, per §4.2 point 3.
func (p *Pool) evictLocked() error {
	if id, ok := p.evictFromListLocked(p.a1in, p.a1inElems); ok {
		level.Debug(p.logger).Log("msg", "evicting page", "page", id, "list", "a1in")
		p.recordGhostLocked(id)
		return p.finishEvictLocked(id)
	}
	if id, ok := p.evictFromListLocked(p.am, p.amElems); ok {
		level.Debug(p.logger).Log("msg", "evicting page", "page", id, "list", "am")
		return p.finishEvictLocked(id)
	}
	level.Warn(p.logger).Log("msg", "no unpinned frame available for eviction")
	return &serrors.NoBufferAvailable{}
}

// evictFromListLocked scans l from the tail for the first id whose frame
// is unpinned, removes it from l, and returns it.
func (p *Pool) evictFromListLocked(l *list.List, elems map[serrors.PageID]*list.Element) (serrors.PageID, bool) {
	for e := l.Back(); e != nil; e = e.Prev() {
		id := e.Value.(serrors.PageID)
		f, ok := p.frames[id]
		if !ok || f.pinCount > 0 {
			continue
		}
		l.Remove(e)
		delete(elems, id)
		return id, true
	}
	return 0, false
}

func (p *Pool) recordGhostLocked(id serrors.PageID) {
	p.a1outElems[id] = p.a1out.PushFront(id)
	for p.a1out.Len() > p.a1outLimit {
		back := p.a1out.Back()
		p.a1out.Remove(back)
		delete(p.a1outElems, back.Value.(serrors.PageID))
	}
}

func (p *Pool) finishEvictLocked(id serrors.PageID) error {
	f := p.frames[id]
	if f.dirty {
		level.Debug(p.logger).Log("msg", "flushing dirty frame before eviction", "page", id)
		if err := p.backend.WritePage(id, f.data); err != nil {
			level.Error(p.logger).Log("msg", "flush on eviction failed", "page", id, "err", err)
			return err
		}
	}
	delete(p.frames, id)
	return nil
}

// Unpin decrements the frame's pin count and marks it dirty if dirty is
// true. A frame with pin count zero becomes eligible for eviction.
func (p *Pool) Unpin(f *Frame, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dirty {
		f.dirty = true
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
}

// Len reports the number of frames currently resident.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Resident reports whether id currently has a resident frame.
func (p *Pool) Resident(id serrors.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.frames[id]
	return ok
}
