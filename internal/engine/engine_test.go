package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SeleniaProject/serindb/internal/config"
	"github.com/SeleniaProject/serindb/internal/replication"
	"github.com/SeleniaProject/serindb/internal/wal"
)

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	cfg := config.Default(filepath.Join(t.TempDir(), "data"))
	// Use cron expressions that never fire during the test so the
	// scheduler doesn't race the assertions below.
	cfg.Schedule.CheckpointCron = "0 0 0 1 1 *"
	cfg.Schedule.CompactionCron = "0 0 0 1 1 *"
	return cfg
}

func TestOpenCreatesDataDirAndSubcomponents(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if e.Facade == nil || e.Pool == nil || e.WAL == nil || e.Tree == nil || e.Coordinator == nil {
		t.Fatal("expected every core component to be wired")
	}
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.WAL.Append([]byte("some record")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := e.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	records, err := wal.ReadAll(e.walPath)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected wal to be truncated after checkpoint, got %d records", len(records))
	}
}

func TestCompactFlushesMemTable(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Tree.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if e.Tree.SSTableCount() != 1 {
		t.Fatalf("SSTableCount() = %d, want 1 after a forced compaction", e.Tree.SSTableCount())
	}
}

func TestHealthCheckOnFreshDataDir(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestReopenRecoversPreparedTransactions(t *testing.T) {
	cfg := testConfig(t)
	e1, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx := e1.Coordinator.Begin()
	if err := e1.Coordinator.LockX(context.Background(), tx, "t1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	if _, err := e1.Coordinator.Prepare(tx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer e2.Close()

	if got := e2.Coordinator.Status(tx); got.String() != "Committed" {
		t.Fatalf("Status(%d) = %v, want Committed after recovery", tx, got)
	}
}

func TestAbortPurgesEngineRecords(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.Coordinator.Begin()
	if err := e.Coordinator.LockX(context.Background(), tx, "row1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	e.Put(tx, "row1", []byte("speculative"))
	if _, ok := e.Get("row1", uint64(tx), tx); !ok {
		t.Fatal("expected read-your-own-writes to see the uncommitted put")
	}

	if err := e.Coordinator.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, ok := e.Get("row1", uint64(tx), tx); ok {
		t.Fatal("expected aborted transaction's speculative write to be purged")
	}
}

// TestPrepareRelaysLiveFrameToFollower reproduces the end-to-end
// replication scenario: a follower connected to /replicate receives a
// live frame as soon as a transaction's prepare record becomes durable,
// without needing to reconnect.
func TestPrepareRelaysLiveFrameToFollower(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	server := httptest.NewServer(http.HandlerFunc(e.Feed.ServeFollower))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage (handshake): %v", err)
	}

	// Give the server goroutine time to register as a live follower before
	// the prepare below publishes a frame.
	time.Sleep(100 * time.Millisecond)

	tx := e.Coordinator.Begin()
	if err := e.Coordinator.LockX(context.Background(), tx, "t1"); err != nil {
		t.Fatalf("LockX: %v", err)
	}
	if _, err := e.Coordinator.Prepare(tx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (live frame): %v", err)
	}
	var frame replication.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("Unmarshal live frame: %v", err)
	}
	if len(frame.Payload) == 0 {
		t.Fatal("expected the prepare record's payload to be relayed live")
	}
}
