package lsm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/SeleniaProject/serindb/internal/serrors"
)

// FooterMagic identifies a well-formed SSTable footer.
const FooterMagic uint32 = 0x534B5950 // "SKYP"

// footerSize is index_offset(8) + magic(4).
const footerSize = 12

// WriteSSTable serializes every entry in mem (already lexicographically
// sorted) to a new file at path: entries, then a {key_len,key,offset}
// index, then the {index_offset,magic} footer. The file is flushed and
// fsynced before returning, so a reader never observes a partially
// written table.
func WriteSSTable(path string, mem *MemTable) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &serrors.IO{Op: "create sstable", Err: err}
	}
	defer f.Close()

	entries := mem.Entries()
	offsets := make([]int64, len(entries))
	var pos int64

	buf := make([]byte, 8)
	for i, e := range entries {
		offsets[i] = pos
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(e.value)))
		if _, err := f.Write(buf); err != nil {
			return &serrors.IO{Op: "write sstable entry header", Err: err}
		}
		if _, err := f.Write(e.key); err != nil {
			return &serrors.IO{Op: "write sstable key", Err: err}
		}
		if _, err := f.Write(e.value); err != nil {
			return &serrors.IO{Op: "write sstable value", Err: err}
		}
		pos += int64(8 + len(e.key) + len(e.value))
	}

	indexOffset := pos
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.key)))
		if _, err := f.Write(buf[0:4]); err != nil {
			return &serrors.IO{Op: "write index key length", Err: err}
		}
		if _, err := f.Write(e.key); err != nil {
			return &serrors.IO{Op: "write index key", Err: err}
		}
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], uint64(offsets[i]))
		if _, err := f.Write(offBuf[:]); err != nil {
			return &serrors.IO{Op: "write index offset", Err: err}
		}
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint32(footer[8:12], FooterMagic)
	if _, err := f.Write(footer[:]); err != nil {
		return &serrors.IO{Op: "write sstable footer", Err: err}
	}

	if err := f.Sync(); err != nil {
		return &serrors.IO{Op: "fsync sstable", Err: err}
	}
	return nil
}

// SSTableReader is an open, immutable SSTable file with its index loaded
// into memory.
type SSTableReader struct {
	mu   sync.Mutex // serializes Get's header-then-value ReadAt pair
	path string
	f    *os.File
	idx  map[string]int64
}

// OpenSSTable opens path, validates its footer magic, and loads its index
// into memory. Returns *serrors.BadFooter if the file is too small to
// contain a footer, or *serrors.BadMagic if the magic does not match.
func OpenSSTable(path string) (*SSTableReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &serrors.IO{Op: "open sstable", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &serrors.IO{Op: "stat sstable", Err: err}
	}
	if info.Size() < footerSize {
		f.Close()
		return nil, &serrors.BadFooter{Path: path}
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], info.Size()-footerSize); err != nil {
		f.Close()
		return nil, &serrors.IO{Op: "read sstable footer", Err: err}
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	magic := binary.LittleEndian.Uint32(footer[8:12])
	if magic != FooterMagic {
		f.Close()
		return nil, &serrors.BadMagic{Path: path, Got: magic}
	}

	idx := make(map[string]int64)
	r := io.NewSectionReader(f, indexOffset, info.Size()-footerSize-indexOffset)
	lenBuf := make([]byte, 4)
	offBuf := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, &serrors.IO{Op: "read sstable index entry", Err: err}
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf)
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			f.Close()
			return nil, &serrors.IO{Op: "read sstable index key", Err: err}
		}
		if _, err := io.ReadFull(r, offBuf); err != nil {
			f.Close()
			return nil, &serrors.IO{Op: "read sstable index offset", Err: err}
		}
		idx[string(key)] = int64(binary.LittleEndian.Uint64(offBuf))
	}

	return &SSTableReader{path: path, f: f, idx: idx}, nil
}

// Get returns the value for key if present in this table.
func (r *SSTableReader) Get(key []byte) ([]byte, bool, error) {
	off, ok := r.idx[string(key)]
	if !ok {
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	hdr := make([]byte, 8)
	if _, err := r.f.ReadAt(hdr, off); err != nil {
		return nil, false, &serrors.IO{Op: "read sstable entry header", Err: err}
	}
	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valLen := binary.LittleEndian.Uint32(hdr[4:8])
	val := make([]byte, valLen)
	if _, err := r.f.ReadAt(val, off+8+int64(keyLen)); err != nil {
		return nil, false, &serrors.IO{Op: "read sstable entry value", Err: err}
	}
	return val, true, nil
}

// Close releases the file handle.
func (r *SSTableReader) Close() error {
	return r.f.Close()
}

// Path returns the filesystem path this reader was opened from.
func (r *SSTableReader) Path() string { return r.path }

// FileName formats a 20-digit zero-padded SSTable filename for id.
func FileName(id uint64) string {
	return fmt.Sprintf("%020d.sst", id)
}
