// Package engine wires the storage core (C1-C9) together with the
// ambient configuration, logging, scheduling, and replication components
// (C10-C12) into one runnable unit.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/bufferpool"
	"github.com/SeleniaProject/serindb/internal/config"
	"github.com/SeleniaProject/serindb/internal/lock"
	"github.com/SeleniaProject/serindb/internal/logging"
	"github.com/SeleniaProject/serindb/internal/lsm"
	"github.com/SeleniaProject/serindb/internal/mvcc"
	"github.com/SeleniaProject/serindb/internal/oracle"
	"github.com/SeleniaProject/serindb/internal/replication"
	"github.com/SeleniaProject/serindb/internal/scheduler"
	"github.com/SeleniaProject/serindb/internal/storage"
	"github.com/SeleniaProject/serindb/internal/txn"
	"github.com/SeleniaProject/serindb/internal/wal"
)

const (
	pagesFileName = "pages.db"
	walFileName   = "wal.log"
	lsmDirName    = "lsm"
)

// Engine is a fully wired serindb storage core: the page façade, buffer
// pool, write-ahead log, timestamp oracle, lock manager, transaction
// coordinator, and LSM tree, plus the background scheduler and
// replication feed layered on top.
type Engine struct {
	cfg    config.EngineConfig
	logger log.Logger

	Facade      *storage.File
	Pool        *bufferpool.Pool
	WAL         *wal.Writer
	Oracle      *oracle.Oracle
	Locks       *lock.Manager
	Coordinator *txn.Coordinator
	Records     *mvcc.Table[string, []byte]
	Tree        *lsm.Tree

	scheduler *scheduler.Scheduler
	Feed      *replication.Feed

	walPath string
}

// Open creates or recovers an engine rooted at cfg.DataDir. It is not
// safe to Open two engines over the same data directory concurrently.
func Open(cfg config.EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	logger := logging.NewFromConfig(cfg)

	facade, err := storage.OpenFile(filepath.Join(cfg.DataDir, pagesFileName))
	if err != nil {
		return nil, fmt.Errorf("engine: open page file: %w", err)
	}
	pool := bufferpool.New(logging.Component(logger, "bufferpool"), facade, cfg.BufferPoolCapacity)

	walPath := filepath.Join(cfg.DataDir, walFileName)

	// Read whatever is already durable before opening the writer, so the
	// replication feed's live offsets continue from where backlog replay
	// of this same file leaves off (see replication.Feed.ServeFollower).
	var backlogOffset int64
	if existing, err := wal.ReadAll(walPath); err == nil {
		for _, rec := range existing {
			backlogOffset += int64(len(rec.Payload))
		}
	}

	walWriter, err := wal.Open(walPath, cfg.WALBufferLimit, logging.Component(logger, "wal"))
	if err != nil {
		facade.Close()
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	o := oracle.New()
	locks := lock.New(logging.Component(logger, "lock"))
	coordinator := txn.New(o, locks, walWriter, logging.Component(logger, "txn"))

	records := mvcc.NewTable[string, []byte]()
	coordinator.RegisterPurger(records)

	if err := recoverCoordinator(coordinator, walPath, logging.Component(logger, "recovery")); err != nil {
		walWriter.Close()
		facade.Close()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	tree, err := lsm.Open(filepath.Join(cfg.DataDir, lsmDirName), cfg.LSMFlushThreshold, logging.Component(logger, "lsm"))
	if err != nil {
		walWriter.Close()
		facade.Close()
		return nil, fmt.Errorf("engine: open lsm tree: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		Facade:      facade,
		Pool:        pool,
		WAL:         walWriter,
		Oracle:      o,
		Locks:       locks,
		Coordinator: coordinator,
		Records:     records,
		Tree:        tree,
		walPath:     walPath,
		Feed:        replication.NewFeed(walPath, logging.Component(logger, "replication")),
	}
	level.Info(e.logger).Log("msg", "wal segment opened", "path", walPath, "instance_id", e.Feed.InstanceID())

	// C12 subscribes to C3's append stream: every record that survives a
	// successful flush is relayed to connected followers as a live frame,
	// continuing the byte offset backlog replay would have reached.
	offset := backlogOffset
	walWriter.Subscribe(func(rec wal.Record) {
		e.Feed.Publish(replication.Frame{Offset: offset, TSNanos: rec.TSNanos, Payload: rec.Payload})
		offset += int64(len(rec.Payload))
	})

	e.scheduler = scheduler.New(logging.Component(logger, "scheduler"), func() context.Context {
		ctx, _ := context.WithTimeout(context.Background(), cfg.Schedule.JobTimeout)
		return ctx
	})
	if err := e.scheduler.RegisterCheckpoint(cfg.Schedule.CheckpointCron, e); err != nil {
		return nil, fmt.Errorf("engine: register checkpoint job: %w", err)
	}
	if err := e.scheduler.RegisterCompaction(cfg.Schedule.CompactionCron, e); err != nil {
		return nil, fmt.Errorf("engine: register compaction job: %w", err)
	}

	return e, nil
}

// recoverCoordinator replays every prepare record durable in the WAL and promotes
// the matching transactions to Committed.
func recoverCoordinator(c *txn.Coordinator, walPath string, logger log.Logger) error {
	records, err := txn.ReplayPrepareRecords(walPath)
	if err != nil {
		return err
	}
	promoted := c.Recover(records)
	level.Info(logger).Log("msg", "recovery complete", "promoted_txns", len(promoted))
	return nil
}

// Start begins running the background checkpoint and compaction jobs.
func (e *Engine) Start() {
	e.scheduler.Start()
}

// Checkpoint implements scheduler.Checkpointer: it syncs the page file
// (making every buffered write durable) and truncates the WAL, since its
// records have already been applied to durable pages.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.Facade.Sync(); err != nil {
		return err
	}
	if err := e.WAL.Flush(); err != nil {
		return err
	}
	return wal.Truncate(e.walPath)
}

// Compact implements scheduler.Compactor: flush the LSM memtable if it
// holds any unflushed data.
func (e *Engine) Compact(ctx context.Context) error {
	return e.Tree.Flush()
}

// Put installs value as txn's speculative version of key, visible only to
// txn itself (via read-your-own-writes) until it commits. The caller is
// responsible for holding an exclusive lock on key, typically acquired
// with e.Coordinator.LockX, before calling Put.
func (e *Engine) Put(tx txn.ID, key string, value []byte) {
	e.Records.Put(key, value, uint64(tx), uint64(tx))
}

// Get returns the newest version of key if tx itself wrote it
// (read-your-own-writes); otherwise the version visible to a reader with
// snapshot timestamp snapTS.
func (e *Engine) Get(key string, snapTS uint64, tx txn.ID) ([]byte, bool) {
	return e.Records.GetForTxn(key, snapTS, uint64(tx))
}

// HealthCheck verifies the engine's on-disk state is openable and
// internally consistent without mutating anything durable, for use by a
// CLI health-check command.
func (e *Engine) HealthCheck() error {
	if _, err := txn.ReplayPrepareRecords(e.walPath); err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	return nil
}

// Close stops the background scheduler and closes every underlying
// resource.
func (e *Engine) Close() error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if err := e.WAL.Close(); err != nil {
		return err
	}
	if err := e.Tree.Close(); err != nil {
		return err
	}
	return e.Facade.Close()
}
