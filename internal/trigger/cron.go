// Package trigger fires the dispatcher on an hourly schedule.
package trigger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/dispatch"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// hourlySpec fires at the top of every hour; the dispatcher's window
// includes the previous slot, so small firing drift is harmless.
const hourlySpec = "0 * * * *"

const defaultRunTimeout = 30 * time.Minute

// Runner is the dispatch entry point driven by the schedule.
type Runner interface {
	Run(ctx context.Context) (*dispatch.RunResult, error)
}

// Cron owns the schedule lifecycle. Overlapping fires are suppressed: a
// tick arriving while the previous run is still in flight is skipped,
// and the skipped hour is covered by the next run's two-slot window.
type Cron struct {
	schedule   *cron.Cron
	runner     Runner
	logger     *zap.Logger
	runTimeout time.Duration
	running    atomic.Bool
}

func NewCron(runner Runner, logger *zap.Logger) (*Cron, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cron{
		schedule:   cron.New(),
		runner:     runner,
		logger:     logger,
		runTimeout: defaultRunTimeout,
	}, nil
}

func (c *Cron) Start() error {
	if _, err := c.schedule.AddFunc(hourlySpec, c.fire); err != nil {
		return fmt.Errorf("failed to register hourly schedule: %w", err)
	}
	c.schedule.Start()
	c.logger.Info("hourly dispatch schedule started", zap.String("spec", hourlySpec))
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish or the
// context to expire.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.schedule.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cron) fire() {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("skipping scheduled dispatch, previous run still in flight")
		return
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), c.runTimeout)
	defer cancel()

	result, err := c.runner.Run(ctx)
	if err != nil {
		c.logger.Error("scheduled dispatch failed", zap.Error(err))
		return
	}
	c.logger.Info("scheduled dispatch finished",
		zap.String("runId", result.RunID),
		zap.Int("sent", result.Sent),
		zap.Int("errors", result.Errors),
	)
}
