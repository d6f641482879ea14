package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
)

// scheduler fires TriggerSync on a cron schedule
type scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	spec   string
	cancel context.CancelFunc
}

// cronLogger adapts the engine logger to cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// StartScheduler starts the periodic sync. It is a no-op when the schedule
// is empty. Runs that overlap a still running sync are skipped.
func (e *Engine) StartScheduler() error {
	if e.schedule == "" {
		return nil
	}
	if e.syncer == nil {
		return ErrSyncNotConfigured
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduler != nil {
		return errors.New("scheduler already started")
	}

	clog := cronLogger{log: e.log.With("component", "scheduler")}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := c.AddFunc(e.schedule, func() { e.scheduledSync(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("invalid sync schedule %q: %w", e.schedule, err)
	}

	e.scheduler = &scheduler{cron: c, entry: id, spec: e.schedule, cancel: cancel}
	c.Start()
	e.log.Info("sync scheduler started", "schedule", e.schedule, "run_on_start", e.runOnStart)

	if e.runOnStart {
		go e.scheduledSync(ctx)
	}
	return nil
}

// StopScheduler stops the scheduler and cancels a scheduled run in progress
func (e *Engine) StopScheduler() {
	e.mu.Lock()
	s := e.scheduler
	e.scheduler = nil
	e.mu.Unlock()
	if s == nil {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	e.log.Info("sync scheduler stopped")
}

func (e *Engine) scheduledSync(ctx context.Context) {
	summary, err := e.TriggerSync(ctx)
	if err != nil {
		// Already logged by the syncer; the next tick retries from scratch
		return
	}
	if summary.AlreadyRunning {
		e.log.Info("scheduled sync skipped, another run in progress")
	}
}

// next returns the next scheduled run time
func (s *scheduler) next() (time.Time, bool) {
	entry := s.cron.Entry(s.entry)
	if entry.ID == 0 || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}
