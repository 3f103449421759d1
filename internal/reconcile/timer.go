package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// sweepBatchSize caps records reconciled per tick.
	sweepBatchSize = 100

	// sweepStaleAfter is how long a record may go without a refresh
	// before the sweep picks it up.
	sweepStaleAfter = time.Minute
)

// Timer periodically sweeps unsettled escrows through reconciliation.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconcile timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	n, err := t.service.Sweep(ctx, sweepStaleAfter, sweepBatchSize)
	sweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		t.logger.Warn("reconcile sweep failed", "reconciled", n, "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("reconcile sweep completed", "reconciled", n)
	}
}
