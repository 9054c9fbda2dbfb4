package scheduler

import (
	"context"
	"time"

	"fulfillment-service/internal/util"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Task is one scheduled unit of work.
type Task func(ctx context.Context) error

// Runner fires Task every Interval. A tick that arrives while the previous
// run is still going is dropped, never queued.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	running  *atomic.Bool
	logger   *zap.Logger
}

func NewRunner(name string, interval time.Duration, task Task) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		running:  atomic.NewBool(false),
		logger:   util.GetLogger().With(zap.String("task", name)),
	}
}

// Start blocks, running the task on every tick until ctx is cancelled. Runs
// happen on the calling goroutine, so Start returns only after the last run
// has finished.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("scheduler started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce runs the task unless a run is already in progress. It reports
// whether the task ran.
func (r *Runner) RunOnce(ctx context.Context) bool {
	if !r.running.CAS(false, true) {
		util.SchedulerSkippedTotal.WithLabelValues(r.name).Inc()
		r.logger.Debug("previous run still active, skipping tick")
		return false
	}
	defer r.running.Store(false)

	if err := r.task(ctx); err != nil {
		r.logger.Error("scheduled task failed", zap.Error(err))
	}
	return true
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}
