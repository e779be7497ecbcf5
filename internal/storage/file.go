package storage

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/SeleniaProject/serindb/internal/page"
	"github.com/SeleniaProject/serindb/internal/serrors"
)

// fileHeaderMagic identifies a SerinDB page file. Adapted from the
// teacher's superblock magic/validation idiom, trimmed to the fields this
// façade actually needs: a page file has no catalog root or free-list
// root, because pages here hold opaque LSM/page-format payloads rather
// than a B+Tree.
const fileHeaderMagic = "SRNPAGE\x00"

// fileHeaderSize is one full page, reserved as page id 0.
const fileHeaderSize = page.Size

const (
	fhMagicOff     = 0
	fhPageCountOff = 8
)

// File is a file-backed Facade: page id N lives at byte offset
// (N+1)*page.Size (page 0 is reserved for the file header), so growth is
// a simple append and random access is O(1) via ReadAt/WriteAt.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFile opens (creating if necessary) a page file at path, writing a
// fresh header if the file is new.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &serrors.IO{Op: "open page file", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &serrors.IO{Op: "stat page file", Err: err}
	}
	pf := &File{f: f, path: path}
	if info.Size() == 0 {
		if err := pf.writeHeaderLocked(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return pf, nil
}

func (pf *File) writeHeaderLocked(pageCount uint64) error {
	hdr := make([]byte, fileHeaderSize)
	copy(hdr[fhMagicOff:], fileHeaderMagic)
	binary.LittleEndian.PutUint64(hdr[fhPageCountOff:], pageCount)
	if _, err := pf.f.WriteAt(hdr, 0); err != nil {
		return &serrors.IO{Op: "write page file header", Err: err}
	}
	return nil
}

func offsetFor(id serrors.PageID) int64 {
	return int64(id+1) * page.Size
}

// ReadPage reads page id into buf and verifies its checksum.
func (pf *File) ReadPage(id serrors.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return &serrors.IO{Op: "read_page", Err: errBufferSize(len(buf))}
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()

	n, err := pf.f.ReadAt(buf, offsetFor(id))
	if err != nil || n != page.Size {
		return &serrors.NotFound{ID: id}
	}
	return page.Verify(buf, id)
}

// WritePage recomputes buf's checksum and writes it to page id, growing
// the file if necessary.
func (pf *File) WritePage(id serrors.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return &serrors.IO{Op: "write_page", Err: errBufferSize(len(buf))}
	}
	if err := page.SetChecksum(buf); err != nil {
		return err
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, err := pf.f.WriteAt(buf, offsetFor(id)); err != nil {
		return &serrors.IO{Op: "write_page", Err: err}
	}
	return nil
}

// Sync fsyncs the underlying file, making every WritePage call so far
// durable.
func (pf *File) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.f.Sync(); err != nil {
		return &serrors.IO{Op: "fsync page file", Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (pf *File) Close() error {
	return pf.f.Close()
}

// Path returns the path File was opened with.
func (pf *File) Path() string { return pf.path }
