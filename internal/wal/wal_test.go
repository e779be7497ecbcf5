package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"

	"github.com/SeleniaProject/serindb/internal/serrors"
)

// TestWALCrashReplay reproduces the literal end-to-end scenario: open a
// writer with buffer limit 128, append two small records, flush, then
// replay and expect them back in order.
func TestWALCrashReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, 128, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append([]byte("record1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]byte("record2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if string(records[0].Payload) != "record1" || string(records[1].Payload) != "record2" {
		t.Fatalf("unexpected payload order: %q, %q", records[0].Payload, records[1].Payload)
	}
}

func TestFlushOnEmptyBufferIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	w, err := Open(path, 128, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush on empty buffer returned error: %v", err)
	}
}

func TestGroupCommitFlushesOnBufferLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.wal")
	w, err := Open(path, 10, log.NewNopLogger()) // tiny limit forces an implicit flush
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append([]byte("0123456789")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Without closing/explicit flush, data should already be on disk
	// because Append's buffer crossed the limit.
	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after implicit flush, want 1", len(records))
	}
	w.Close()
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.wal")
	w, err := Open(path, 1<<20, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append([]byte("complete")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	w.Close()

	// Append a declared-but-not-fully-written record directly to the file
	// to simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	var hdr [recordHeaderSize]byte
	hdr[0] = 100 // declares a 100-byte payload
	if _, err := f.Write(hdr[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := f.Write([]byte("short")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	records, err := ReadAll(path)
	if len(records) != 1 || string(records[0].Payload) != "complete" {
		t.Fatalf("expected the prior durable record to survive, got %v", records)
	}
	var cl *serrors.CorruptLog
	if !errors.As(err, &cl) {
		t.Fatalf("expected *serrors.CorruptLog for the torn tail, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.wal")
	w, err := Open(path, 1<<20, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append([]byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := Truncate(path); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll after truncate: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log after truncate, got %d records", len(records))
	}
}

func TestSubscribeNotifiesOnFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscribe.wal")
	w, err := Open(path, 1<<20, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	var notified []Record
	w.Subscribe(func(rec Record) { notified = append(notified, rec) })

	if err := w.Append([]byte("one")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]byte("two")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(notified) != 0 {
		t.Fatalf("expected no notifications before Flush, got %d", len(notified))
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(notified) != 2 {
		t.Fatalf("got %d notifications after Flush, want 2", len(notified))
	}
	if string(notified[0].Payload) != "one" || string(notified[1].Payload) != "two" {
		t.Fatalf("unexpected notified payloads: %q, %q", notified[0].Payload, notified[1].Payload)
	}
}
