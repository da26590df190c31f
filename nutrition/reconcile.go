/*
reconcile.go - Rebuilding daily totals from entries

PURPOSE:
  Repairs days whose totals drifted after a partial write, either on
  demand or by draining the reconciliation queue.

CONCURRENCY:
  Reconcile holds the day's lock exclusively while it lists entries and
  writes totals. AddEntry and RemoveEntry hold it shared from the entry
  write until the increment returns, so an in-flight add is never counted
  twice in this process.

SETTLE WINDOW:
  DrainReconciliations skips queue items enqueued less than the settle
  window ago (default 2 x store timeout). Any increment started before the
  partial write was reported has timed out by then, which covers writers
  in other processes that the day lock cannot see. Skipped items stay
  queued for the next run.
*/
package nutrition

import (
	"context"

	"go.uber.org/zap"
)

// ReconcileResult describes one rebuild of a day's totals.
type ReconcileResult struct {
	Key     DayKey
	Entries int
	Before  Nutrients
	After   Nutrients
	Drifted bool
}

// Reconcile recomputes the day's nutrient totals from its live entries and
// overwrites them when they disagree. Wellness scalars are left alone. A
// calorie override on that day is replaced by the entry-derived sum.
//
// This is the repair path for partial writes. It reads every entry for the
// day, so it is O(entries) and never used by reporting.
func (s *Service) Reconcile(ctx context.Context, userID UserID, date Date) (ReconcileResult, error) {
	key, err := validateKey(userID, date)
	if err != nil {
		return ReconcileResult{}, err
	}

	lock := s.days.of(key)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.getOrCreate(ctx, key)
	if err != nil {
		return ReconcileResult{}, err
	}
	entries, err := s.ListEntries(ctx, userID, date)
	if err != nil {
		return ReconcileResult{}, err
	}

	var sum Nutrients
	for _, e := range entries {
		sum = sum.Add(e.Nutrients)
	}

	result := ReconcileResult{Key: key, Entries: len(entries), Before: record.Totals, After: sum}
	if record.Totals.Equal(sum) {
		return result, nil
	}

	result.Drifted = true
	err = s.call(ctx, "set totals", func(ctx context.Context) error {
		return s.store.SetTotals(ctx, key, sum)
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	s.logger.Warn("daily totals rebuilt from entries",
		zap.String("user_id", string(userID)),
		zap.Stringer("date", date),
		zap.Int("entries", len(entries)),
		zap.String("calories_before", record.Totals.Calories.String()),
		zap.String("calories_after", sum.Calories.String()),
	)
	return result, nil
}

// DrainReconciliations reconciles up to limit queued days that are older
// than the settle window and removes them from the queue. A day that fails
// or is still settling stays queued for the next run.
func (s *Service) DrainReconciliations(ctx context.Context, limit int) (processed int, err error) {
	var pending []PendingReconciliation
	err = s.call(ctx, "list pending reconciliations", func(ctx context.Context) error {
		var err error
		pending, err = s.store.PendingReconciliations(ctx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	settledBefore := s.now().Add(-s.settle)
	for _, p := range pending {
		if p.EnqueuedAt.After(settledBefore) {
			s.logger.Debug("reconciliation still settling",
				zap.String("id", p.ID),
				zap.Stringer("day", p.Key),
				zap.Duration("age", s.now().Sub(p.EnqueuedAt)),
			)
			continue
		}
		if _, err := s.Reconcile(ctx, p.Key.UserID, p.Key.Date); err != nil {
			s.logger.Warn("reconciliation failed",
				zap.String("id", p.ID),
				zap.Stringer("day", p.Key),
				zap.Error(err),
			)
			continue
		}
		err := s.call(ctx, "complete reconciliation", func(ctx context.Context) error {
			return s.store.CompleteReconciliation(ctx, p.ID)
		})
		if err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
