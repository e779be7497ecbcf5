// Package scheduler runs the two background jobs every serindb engine
// needs regardless of workload: a checkpoint sweep that truncates the WAL
// once its records are durable elsewhere, and a compaction sweep that
// flushes the LSM memtable. Adapted from the cron-plus-no-overlap-map
// pattern used for general job scheduling, narrowed to these two fixed
// jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/robfig/cron/v3"
)

// Checkpointer performs a checkpoint sweep: make every WAL record durable
// in its owning structure, then truncate the log.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Compactor performs a compaction sweep: flush the LSM memtable to a new
// SSTable if it holds any data.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Scheduler runs the checkpoint and compaction jobs on independent cron
// schedules, refusing to start a second run of a job while one is still
// in flight.
type Scheduler struct {
	cron    *cron.Cron
	logger  log.Logger
	timeout func() context.Context

	mu      sync.Mutex
	running map[string]bool
}

// New returns a scheduler with no jobs, logging through logger. Jobs are
// added with RegisterCheckpoint and RegisterCompaction, whose cron
// expressions take 6 fields (a leading seconds field, then the standard
// five). Each job run gets a context derived from
// newJobContext (typically context.WithTimeout against
// context.Background()).
func New(logger log.Logger, newJobContext func() context.Context) *Scheduler {
	if newJobContext == nil {
		newJobContext = context.Background
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		timeout: newJobContext,
		running: make(map[string]bool),
	}
}

// RegisterCheckpoint schedules c.Checkpoint on cronExpr.
func (s *Scheduler) RegisterCheckpoint(cronExpr string, c Checkpointer) error {
	return s.register("checkpoint", cronExpr, c.Checkpoint)
}

// RegisterCompaction schedules c.Compact on cronExpr.
func (s *Scheduler) RegisterCompaction(cronExpr string, c Compactor) error {
	return s.register("compaction", cronExpr, c.Compact)
}

func (s *Scheduler) register(name, cronExpr string, run func(context.Context) error) error {
	_, err := s.cron.AddFunc(cronExpr, func() { s.runJob(name, run) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q for job %q: %w", cronExpr, name, err)
	}
	return nil
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		level.Warn(s.logger).Log("msg", "job already running, skipping", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx := s.timeout()
	level.Info(s.logger).Log("msg", "job starting", "job", name)
	if err := run(ctx); err != nil {
		level.Error(s.logger).Log("msg", "job failed", "job", name, "err", err)
		return
	}
	level.Info(s.logger).Log("msg", "job completed", "job", name)
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
