/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically drains the reconciliation queue. A day lands in the queue
  when an entry write and its totals update disagreed (partial write).
  Each drain rebuilds those days' totals from their entries.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - A failed day stays queued and is retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to drain (default: 15 minutes)
  - BatchSize:     Max days per drain, 0 for all (default: 100)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileDay endpoint (manual reconciliation)
  - nutrition/reconcile.go: Reconcile, DrainReconciliations
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

// ReconciliationScheduler drains the reconciliation queue on a ticker.
type ReconciliationScheduler struct {
	Service       *nutrition.Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(svc *nutrition.Service, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Service:       svc,
		Logger:        logger.Named("scheduler"),
		CheckInterval: 15 * time.Minute,
		BatchSize:     100,
		Enabled:       true,
	}
}

// Start begins the scheduler. It is a no-op when disabled or already running.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight drain to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow()

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow()
		case <-rs.stop:
			return
		}
	}
}

// RunNow drains one batch and returns the number of days repaired.
func (rs *ReconciliationScheduler) RunNow() int {
	ctx := context.Background()

	processed, err := rs.Service.DrainReconciliations(ctx, rs.BatchSize)
	if err != nil {
		rs.Logger.Warn("drain incomplete", zap.Int("processed", processed), zap.Error(err))
		return processed
	}
	if processed > 0 {
		rs.Logger.Info("reconciled days", zap.Int("processed", processed))
	}
	return processed
}
