/*
rollup.go - Multi-day views over DailyRecords

PURPOSE:
  Builds range and weekly views by reading DailyRecord rows only. Entries
  are never replayed, so cost is O(days in range) regardless of how many
  entries were logged.

GAP FILLING:
  Days without a stored record are synthesized as zeroed records for the
  queried date, so charts get one point per day in ascending order.
  Synthesized records are NOT persisted.
*/
package nutrition

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxRangeDays bounds a single range query.
const MaxRangeDays = 366

// GetRange returns one record per day in [start, end], ascending.
func (s *Service) GetRange(ctx context.Context, userID UserID, start, endInclusive Date) ([]DailyRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidField)
	}
	r := DateRange{Start: start, End: endInclusive}
	if start.IsZero() || endInclusive.IsZero() || endInclusive.Before(start) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	if r.Len() > MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds %d", ErrInvalidRange, r.Len(), MaxRangeDays)
	}

	var stored []DailyRecord
	err := s.call(ctx, "list daily records", func(ctx context.Context) error {
		var err error
		stored, err = s.store.ListRecords(ctx, userID, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]DailyRecord, len(stored))
	for _, rec := range stored {
		byDate[rec.Date.String()] = rec
	}

	days := r.Days()
	out := make([]DailyRecord, len(days))
	for i, day := range days {
		if rec, ok := byDate[day.String()]; ok {
			out[i] = rec
			continue
		}
		out[i] = NewDailyRecord(DayKey{UserID: userID, Date: day}, time.Time{})
	}
	return out, nil
}

// GetWeek returns the seven days ending at endingDate.
func (s *Service) GetWeek(ctx context.Context, userID UserID, endingDate Date) ([]DailyRecord, error) {
	return s.GetRange(ctx, userID, endingDate.AddDays(-6), endingDate)
}

// =============================================================================
// SUMMARY
// =============================================================================

// Progress is average intake divided by the goal, capped at 1.
type Progress struct {
	Calories decimal.Decimal
	Protein  decimal.Decimal
	Carbs    decimal.Decimal
	Fat      decimal.Decimal
	Water    decimal.Decimal
	Steps    decimal.Decimal
	Sleep    decimal.Decimal
}

type RangeSummary struct {
	Range           DateRange
	Days            []DailyRecord
	Totals          Nutrients
	Average         Nutrients // per calendar day in range, empty days included
	AverageWater    decimal.Decimal
	AverageSteps    decimal.Decimal
	AverageSleep    decimal.Decimal
	DaysWithEntries int
	Goals           Goals
	Progress        Progress
}

// Summarize aggregates GetRange output and compares the daily averages with
// the user's goals.
func (s *Service) Summarize(ctx context.Context, userID UserID, start, endInclusive Date) (RangeSummary, error) {
	days, err := s.GetRange(ctx, userID, start, endInclusive)
	if err != nil {
		return RangeSummary{}, err
	}
	goals, err := s.GetGoals(ctx, userID)
	if err != nil {
		return RangeSummary{}, err
	}
	return summarize(DateRange{Start: start, End: endInclusive}, days, goals), nil
}

func summarize(r DateRange, days []DailyRecord, goals Goals) RangeSummary {
	sum := RangeSummary{Range: r, Days: days, Goals: goals}

	var water, steps int64
	sleep := decimal.Zero
	for _, d := range days {
		sum.Totals = sum.Totals.Add(d.Totals)
		water += d.Water
		steps += d.Steps
		sleep = sleep.Add(d.Sleep)
		if !d.Totals.IsZero() {
			sum.DaysWithEntries++
		}
	}

	n := len(days)
	sum.Average = sum.Totals.DivInt(n)
	if n > 0 {
		count := decimal.NewFromInt(int64(n))
		sum.AverageWater = decimal.NewFromInt(water).Div(count).Round(Precision)
		sum.AverageSteps = decimal.NewFromInt(steps).Div(count).Round(Precision)
		sum.AverageSleep = sleep.Div(count).Round(Precision)
	}

	sum.Progress = Progress{
		Calories: ratio(sum.Average.Calories, goals.Calories),
		Protein:  ratio(sum.Average.Protein, goals.Protein),
		Carbs:    ratio(sum.Average.Carbs, goals.Carbs),
		Fat:      ratio(sum.Average.Fat, goals.Fat),
		Water:    ratio(sum.AverageWater, decimal.NewFromInt(goals.Water)),
		Steps:    ratio(sum.AverageSteps, decimal.NewFromInt(goals.Steps)),
		Sleep:    ratio(sum.AverageSleep, goals.Sleep),
	}
	return sum
}

func ratio(consumed, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return decimal.Zero
	}
	p := consumed.Div(target)
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return p.Round(Precision)
}
