package lsm

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// sstNamePattern matches the exact 20-digit zero-padded filename format.
var sstNamePattern = regexp.MustCompile(`^([0-9]{20})\.sst$`)

// Tree is a level-0/1 LSM tree: one MemTable plus a newest-first list of
// on-disk SSTables, flushing synchronously once the MemTable crosses a
// byte threshold.
type Tree struct {
	mu sync.Mutex

	dir            string
	flushThreshold int
	logger         log.Logger
	mem            *MemTable
	sstables       []*SSTableReader // newest first
	nextFileID     uint64
}

// Open opens or creates a tree rooted at dir. Any existing *.sst files are
// discovered, sorted by numeric id ascending to compute the next file id,
// then opened newest-first so reads check the most recent table first.
// Files with a bad magic or truncated footer are skipped rather than
// failing the whole open.
func Open(dir string, flushThreshold int, logger log.Logger) (*Tree, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type found struct {
		id   uint64
		path string
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := sstNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, found{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	t := &Tree{dir: dir, flushThreshold: flushThreshold, logger: logger, mem: NewMemTable()}
	if len(files) > 0 {
		t.nextFileID = files[len(files)-1].id + 1
	}

	for i := len(files) - 1; i >= 0; i-- {
		reader, err := OpenSSTable(files[i].path)
		if err != nil {
			level.Warn(t.logger).Log("msg", "skipping corrupt sstable", "path", files[i].path, "err", err)
			continue // partial or corrupt file: skip, per §4.7
		}
		t.sstables = append(t.sstables, reader)
	}

	return t, nil
}

// Put writes key/value to the MemTable, flushing synchronously if the
// table's byte size now meets or exceeds the flush threshold.
func (t *Tree) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem.Put(key, value)
	if t.mem.Size() >= t.flushThreshold {
		return t.flushLocked()
	}
	return nil
}

// Get searches the MemTable first, then each SSTable newest-first,
// returning the first hit.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	mem := t.mem
	tables := t.sstables
	t.mu.Unlock()

	if v, ok := mem.Get(key); ok {
		return v, true, nil
	}
	for _, sst := range tables {
		v, ok, err := sst.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Flush forces the current MemTable to disk even if under threshold. A
// no-op if the MemTable is empty.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Tree) flushLocked() error {
	if t.mem.Size() == 0 {
		return nil
	}
	id := t.nextFileID
	t.nextFileID++
	path := filepath.Join(t.dir, FileName(id))
	if err := WriteSSTable(path, t.mem); err != nil {
		level.Error(t.logger).Log("msg", "sstable flush failed", "path", path, "err", err)
		return err
	}
	reader, err := OpenSSTable(path)
	if err != nil {
		level.Error(t.logger).Log("msg", "reopen flushed sstable failed", "path", path, "err", err)
		return err
	}
	t.sstables = append([]*SSTableReader{reader}, t.sstables...)
	t.mem.Clear()
	level.Info(t.logger).Log("msg", "memtable flushed", "path", path, "sstables", len(t.sstables))
	return nil
}

// SSTableCount returns the number of on-disk SSTables currently open.
func (t *Tree) SSTableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sstables)
}

// Close releases every open SSTable file handle.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, sst := range t.sstables {
		if err := sst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
