// Package wal implements the write-ahead log: a densely packed,
// append-only stream of {len, ts_nanos, payload} records with buffered
// group commit and a replay iterator tolerant of a truncated tail.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/serrors"
)

// recordHeaderSize is len(u32) + ts_nanos(i64).
const recordHeaderSize = 4 + 8

// nowNanos is overridable in tests so replay ordering tests don't depend
// on wall-clock resolution.
var nowNanos = func() int64 { return time.Now().UnixNano() }

// Writer appends records to a WAL file with buffered group commit: Append
// accumulates header+payload pairs in memory and triggers an implicit
// Flush once the buffer reaches bufferLimit bytes. Flush issues one write
// syscall followed by fsync, so a successful Flush durably persists every
// record appended since the previous one.
type Writer struct {
	mu          sync.Mutex
	f           *os.File
	buf         []byte
	bufferLimit int
	logger      log.Logger

	pending     []Record
	subscribers []func(Record)
}

// Open opens (creating if necessary) the WAL file at path for appending,
// with the given in-memory buffer limit before an implicit flush fires.
func Open(path string, bufferLimit int, logger log.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &serrors.IO{Op: "open wal", Err: err}
	}
	return &Writer{f: f, bufferLimit: bufferLimit, logger: logger}, nil
}

// Subscribe registers fn to be called, in append order, with every record
// that becomes durable as part of a successful Flush. Used by the
// replication feed to relay newly durable records to followers without
// the writer itself depending on the replication package.
func (w *Writer) Subscribe(fn func(Record)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Append buffers a header+payload pair. If the buffer has reached its
// limit, Append flushes (and fsyncs) before returning.
func (w *Writer) Append(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := nowNanos()
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(ts))
	w.buf = append(w.buf, hdr[:]...)
	w.buf = append(w.buf, payload...)

	cp := make([]byte, len(payload))
	copy(cp, payload)
	w.pending = append(w.pending, Record{TSNanos: ts, Payload: cp})

	if len(w.buf) >= w.bufferLimit {
		return w.flushLocked()
	}
	return nil
}

// Flush writes the buffered records with a single syscall and fsyncs. A
// no-op that returns success when the buffer is empty.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.f.Write(w.buf); err != nil {
		level.Error(w.logger).Log("msg", "wal write failed", "err", err)
		return &serrors.IO{Op: "wal write", Err: err}
	}
	if err := w.f.Sync(); err != nil {
		level.Error(w.logger).Log("msg", "wal fsync failed", "err", err)
		return &serrors.IO{Op: "wal fsync", Err: err}
	}
	level.Debug(w.logger).Log("msg", "wal flushed", "bytes", len(w.buf), "records", len(w.pending))
	w.buf = w.buf[:0]

	flushed := w.pending
	w.pending = nil
	for _, rec := range flushed {
		for _, sub := range w.subscribers {
			sub(rec)
		}
	}
	return nil
}

// Close flushes any buffered records and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// Record is one decoded WAL entry.
type Record struct {
	TSNanos int64
	Payload []byte
}

// ReadAll replays every well-formed record in the WAL file at path, in
// write order. A short read exactly at a record boundary (clean EOF)
// terminates iteration normally; a payload shorter than its declared
// length is reported as *serrors.CorruptLog, and every record read before
// the fault is still returned (it remains durable, per §4.3/§7).
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &serrors.IO{Op: "open wal for replay", Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []Record
	var offset int64

	for {
		hdr := make([]byte, recordHeaderSize)
		n, err := io.ReadFull(r, hdr)
		if err != nil {
			if n == 0 && (err == io.EOF) {
				return records, nil
			}
			// Partial header at EOF: a torn trailing write. Tolerated,
			// per §4.3's "short read at EOF terminates cleanly".
			if err == io.ErrUnexpectedEOF {
				return records, nil
			}
			return records, &serrors.IO{Op: "read wal record header", Err: err}
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		tsNanos := int64(binary.LittleEndian.Uint64(hdr[4:12]))

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return records, &serrors.CorruptLog{Offset: offset}
			}
			return records, &serrors.IO{Op: "read wal record payload", Err: err}
		}

		records = append(records, Record{TSNanos: tsNanos, Payload: payload})
		offset += recordHeaderSize + int64(length)
	}
}

// Truncate resets the WAL file to zero length, for use immediately after a
// checkpoint has made every prior record's effect durable elsewhere.
func Truncate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &serrors.IO{Op: "open wal for truncate", Err: err}
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return &serrors.IO{Op: "truncate wal", Err: err}
	}
	return nil
}
