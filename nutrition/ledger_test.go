package nutrition_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/nutrition-ledger/nutrition"
	"github.com/warp/nutrition-ledger/nutrition/store"
	"github.com/warp/nutrition-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const alice = nutrition.UserID("alice")

var jan15 = nutrition.MustParseDate("2024-01-15")

type backend struct {
	name string
	new  func(t *testing.T) nutrition.Store
}

var backends = []backend{
	{"memory", func(t *testing.T) nutrition.Store { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) nutrition.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachBackend runs fn once per store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, svc *nutrition.Service)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, nutrition.NewService(b.new(t)))
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func apple() nutrition.EntryInput {
	return nutrition.EntryInput{Name: "Apple", Calories: 95, Protein: 0.5, Carbs: 25, Fat: 0.3, Fiber: 4}
}

func rice() nutrition.EntryInput {
	return nutrition.EntryInput{Name: "Rice", Calories: 112, Protein: 2.6, Carbs: 23, Fat: 0.9, Fiber: 1.8}
}

func nutrients(cal, protein, carbs, fat, fiber string) nutrition.Nutrients {
	return nutrition.Nutrients{
		Calories: dec(cal), Protein: dec(protein), Carbs: dec(carbs), Fat: dec(fat), Fiber: dec(fiber),
	}
}

func assertTotals(t *testing.T, want nutrition.Nutrients, rec nutrition.DailyRecord) {
	t.Helper()
	assert.True(t, want.Equal(rec.Totals), "want %+v, got %+v", want, rec.Totals)
}

func sumEntries(entries []nutrition.FoodEntry) nutrition.Nutrients {
	var sum nutrition.Nutrients
	for _, e := range entries {
		sum = sum.Add(e.Nutrients)
	}
	return sum
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestAddEntry_SingleEntryUpdatesTotals(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		// GIVEN: An empty day
		// WHEN: Logging an apple
		_, err := svc.AddEntry(ctx, alice, jan15, apple())
		require.NoError(t, err)

		// THEN: One entry is listed and totals match it exactly
		entries, err := svc.ListEntries(ctx, alice, jan15)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "Apple", entries[0].Name)
		assert.Equal(t, nutrition.AnalysisManual, entries[0].AnalysisType)

		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, nutrients("95", "0.5", "25", "0.3", "4"), rec)
	})
}

func TestRemoveEntry_LeavesRemainingEntryTotals(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		// GIVEN: Apple and rice logged the same day
		a, err := svc.AddEntry(ctx, alice, jan15, apple())
		require.NoError(t, err)
		_, err = svc.AddEntry(ctx, alice, jan15, rice())
		require.NoError(t, err)

		// WHEN: The apple is removed
		require.NoError(t, svc.RemoveEntry(ctx, alice, jan15, a.ID))

		// THEN: Totals are exactly the rice
		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, nutrients("112", "2.6", "23", "0.9", "1.8"), rec)

		entries, err := svc.ListEntries(ctx, alice, jan15)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "Rice", entries[0].Name)
	})
}

func TestWaterIsCumulative_StepsLastWriteWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		var rec nutrition.DailyRecord
		var err error
		for i := 0; i < 5; i++ {
			rec, err = svc.SetWaterIntake(ctx, alice, jan15, 1)
			require.NoError(t, err)
		}
		assert.Equal(t, int64(5), rec.Water)

		_, err = svc.SetSteps(ctx, alice, jan15, 8000)
		require.NoError(t, err)
		rec, err = svc.SetSteps(ctx, alice, jan15, 9500)
		require.NoError(t, err)
		assert.Equal(t, int64(9500), rec.Steps)
	})
}

// =============================================================================
// CONSISTENCY PROPERTIES
// =============================================================================

func TestTotalsMatchEntriesAfterMixedSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		inputs := []nutrition.EntryInput{
			apple(),
			rice(),
			{Name: "Shake", Calories: "310.25", Protein: "30", Carbs: 12.5, Fat: 9},
			{Name: "Mystery", Calories: "lots", Protein: -4, Carbs: nil, Fat: 1.111, Fiber: 0.0005},
			{Name: "Bread", Calories: 80, Protein: 3, Carbs: 15, Fat: 1, Fiber: 2},
		}

		var ids []nutrition.EntryID
		for _, in := range inputs {
			e, err := svc.AddEntry(ctx, alice, jan15, in)
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		require.NoError(t, svc.RemoveEntry(ctx, alice, jan15, ids[1]))
		require.NoError(t, svc.RemoveEntry(ctx, alice, jan15, ids[3]))
		_, err := svc.AddEntry(ctx, alice, jan15, rice())
		require.NoError(t, err)

		entries, err := svc.ListEntries(ctx, alice, jan15)
		require.NoError(t, err)
		require.Len(t, entries, 4)

		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, sumEntries(entries), rec)
	})
}

func TestAddThenRemove_RestoresTotalsExactly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		// GIVEN: A day with some intake already
		_, err := svc.AddEntry(ctx, alice, jan15, rice())
		require.NoError(t, err)
		before, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)

		// WHEN: An entry without fiber is added then removed
		e, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{Name: "Soda", Calories: 140, Carbs: "39"})
		require.NoError(t, err)
		assert.True(t, e.Nutrients.Fiber.IsZero())
		require.NoError(t, svc.RemoveEntry(ctx, alice, jan15, e.ID))

		// THEN: Totals are back to where they were
		after, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, before.Totals, after)
	})
}

func TestGetOrCreate_ConcurrentCallsCreateOneRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		const n = 20

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
				assert.NoError(t, err)
				assert.True(t, rec.Totals.IsZero())
			}()
		}
		wg.Wait()

		days, err := svc.GetRange(ctx, alice, jan15, jan15)
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.Equal(t, nutrition.MoodNeutral, days[0].Mood)
		assert.False(t, days[0].CreatedAt.IsZero(), "stored, not synthesized")
	})
}

func TestAddEntry_ConcurrentAddsAreNotLost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		const n = 30

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{
					Name: "Almonds", Calories: 7.5, Protein: 0.25, Carbs: 0.2, Fat: 0.6, Fiber: 0.1,
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, nutrients("225", "7.5", "6", "18", "3"), rec)
	})
}

func TestRemoveEntry_ConcurrentRemovalsDecrementOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		_, err := svc.AddEntry(ctx, alice, jan15, rice())
		require.NoError(t, err)
		a, err := svc.AddEntry(ctx, alice, jan15, apple())
		require.NoError(t, err)

		const n = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			notFound int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := svc.RemoveEntry(ctx, alice, jan15, a.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case nutrition.IsNotFound(err):
					notFound++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, notFound)
		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, nutrients("112", "2.6", "23", "0.9", "1.8"), rec)
	})
}

// =============================================================================
// ENTRY EDGE CASES
// =============================================================================

func TestAddEntry_CoercesMalformedValues(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svc := nutrition.NewService(store.NewMemory(), nutrition.WithLogger(zap.New(core)))
	ctx := context.Background()

	e, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{
		Name:         "Scan",
		Calories:     "abc",
		Protein:      -3,
		Carbs:        "12.5",
		HealthScore:  42,
		AnalysisType: "telepathy",
	})
	require.NoError(t, err)

	assert.True(t, e.Nutrients.Calories.IsZero())
	assert.True(t, e.Nutrients.Protein.IsZero())
	assert.True(t, e.Nutrients.Carbs.Equal(dec("12.5")))
	assert.True(t, e.Nutrients.Fat.IsZero())
	assert.True(t, e.HealthScore.Equal(dec("10")))
	assert.Equal(t, nutrition.AnalysisManual, e.AnalysisType)

	coerced := logs.FilterMessage("entry fields defaulted to zero").All()
	require.Len(t, coerced, 1)
	assert.ElementsMatch(t,
		[]any{"calories", "protein", "fat", "fiber"},
		coerced[0].ContextMap()["fields"])
}

func TestAddEntry_ZeroCalorieEntryIsStored(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()

	e, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{Name: "Water", Calories: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assert.True(t, rec.Totals.IsZero())

	entries, err := svc.ListEntries(ctx, alice, jan15)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveEntry_UnknownIDIsNotFound(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()
	_, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.NoError(t, err)

	err = svc.RemoveEntry(ctx, alice, jan15, "does-not-exist")
	require.Error(t, err)
	assert.True(t, nutrition.IsNotFound(err))

	var nf *nutrition.EntryNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, nutrition.EntryID("does-not-exist"), nf.EntryID)

	rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assertTotals(t, nutrients("95", "0.5", "25", "0.3", "4"), rec)
}

func TestRemoveEntry_WrongDayIsNotFound(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()
	e, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.NoError(t, err)

	err = svc.RemoveEntry(ctx, alice, jan15.AddDays(1), e.ID)
	assert.True(t, nutrition.IsNotFound(err))
}

func TestListEntries_MostRecentFirst(t *testing.T) {
	now := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	svc := nutrition.NewService(store.NewMemory(), nutrition.WithClock(clock))
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{Name: name})
		require.NoError(t, err)
	}

	entries, err := svc.ListEntries(ctx, alice, jan15)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "third", entries[0].Name)
	assert.Equal(t, "first", entries[2].Name)
}

func TestInvalidKeysAreClientErrors(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()

	_, err := svc.AddEntry(ctx, "", jan15, apple())
	assert.True(t, nutrition.IsClientError(err))

	_, err = svc.GetOrCreateDailyRecord(ctx, alice, nutrition.Date{})
	assert.ErrorIs(t, err, nutrition.ErrInvalidDate)
}

func TestAddEntry_OverLimitAmountsStoreZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		// GIVEN: An entry with a runaway calorie figure next to a sane one
		e, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{
			Name: "Typo", Calories: "1e16", Protein: json.Number("1e5000000"), Carbs: 30, Fat: 0, Fiber: 0, HealthScore: 5,
		})
		require.NoError(t, err)

		// THEN: The over-limit fields are stored as 0 and the rest survives
		assert.True(t, e.Nutrients.Calories.IsZero())
		assert.True(t, e.Nutrients.Protein.IsZero())
		assert.True(t, e.Nutrients.Carbs.Equal(dec("30")))

		// AND: The totals stay readable and exact
		_, err = svc.AddEntry(ctx, alice, jan15, apple())
		require.NoError(t, err)
		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, nutrients("95", "0.5", "55", "0.3", "4"), rec)

		entries, err := svc.ListEntries(ctx, alice, jan15)
		require.NoError(t, err)
		assertTotals(t, sumEntries(entries), rec)
	})
}

func TestAddEntry_MaxAmountAccumulatesExactly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := svc.AddEntry(ctx, alice, jan15, nutrition.EntryInput{Name: "Bulk", Calories: "1000000000"})
			require.NoError(t, err)
		}

		rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assert.Equal(t, "3000000000", rec.Totals.Calories.String())
	})
}

func TestScalarWrites_RejectOutOfRangeValues(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()

		_, err := svc.SetWaterIntake(ctx, alice, jan15, 1_000_000)
		assert.ErrorIs(t, err, nutrition.ErrInvalidField)
		_, err = svc.SetWaterIntake(ctx, alice, jan15, -1_000_000)
		assert.ErrorIs(t, err, nutrition.ErrInvalidField)
		_, err = svc.SetSteps(ctx, alice, jan15, nutrition.MaxSteps+1)
		assert.ErrorIs(t, err, nutrition.ErrInvalidField)
		_, err = svc.SetCaloriesOverride(ctx, alice, jan15, dec("1e12"))
		assert.ErrorIs(t, err, nutrition.ErrInvalidField)
		assert.True(t, nutrition.IsClientError(err))

		// Sleep is clamped rather than rejected.
		rec, err := svc.SetSleepHours(ctx, alice, jan15, dec("1e5000000"))
		require.NoError(t, err)
		assert.True(t, rec.Sleep.Equal(dec("24")))

		rec, err = svc.SetWaterIntake(ctx, alice, jan15, nutrition.MaxGlasses)
		require.NoError(t, err)
		assert.Equal(t, int64(nutrition.MaxGlasses), rec.Water)
		assert.Zero(t, rec.Steps)
		assert.True(t, rec.Totals.Calories.IsZero())
	})
}

// =============================================================================
// WELLNESS SCALARS
// =============================================================================

func TestSetWaterIntake_NegativeDeltaClampsAtZero(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()

	_, err := svc.SetWaterIntake(ctx, alice, jan15, 2)
	require.NoError(t, err)
	rec, err := svc.SetWaterIntake(ctx, alice, jan15, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Water)

	rec, err = svc.SetWaterIntake(ctx, alice, jan15, -10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Water)
}

func TestSetSleepHours_Clamped(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()

	rec, err := svc.SetSleepHours(ctx, alice, jan15, dec("7.25"))
	require.NoError(t, err)
	assert.True(t, rec.Sleep.Equal(dec("7.25")))

	rec, err = svc.SetSleepHours(ctx, alice, jan15, dec("30"))
	require.NoError(t, err)
	assert.True(t, rec.Sleep.Equal(dec("24")))

	rec, err = svc.SetSleepHours(ctx, alice, jan15, dec("-1"))
	require.NoError(t, err)
	assert.True(t, rec.Sleep.IsZero())
}

func TestSetMood(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()

	rec, err := svc.SetMood(ctx, alice, jan15, nutrition.MoodGreat)
	require.NoError(t, err)
	assert.Equal(t, nutrition.MoodGreat, rec.Mood)

	_, err = svc.SetMood(ctx, alice, jan15, "meh")
	assert.ErrorIs(t, err, nutrition.ErrInvalidMood)
	assert.True(t, nutrition.IsClientError(err))
}

func TestSetSteps_DoesNotTouchNutrientTotals(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()
	_, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.NoError(t, err)

	rec, err := svc.SetSteps(ctx, alice, jan15, 12000)
	require.NoError(t, err)
	assertTotals(t, nutrients("95", "0.5", "25", "0.3", "4"), rec)
}

func TestCaloriesOverride_LaterEntriesApplyOnTop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc *nutrition.Service) {
		ctx := context.Background()
		_, err := svc.AddEntry(ctx, alice, jan15, apple())
		require.NoError(t, err)

		// WHEN: Calories are overridden, then rice is logged
		rec, err := svc.SetCaloriesOverride(ctx, alice, jan15, dec("1500"))
		require.NoError(t, err)
		assert.True(t, rec.Totals.Calories.Equal(dec("1500")))
		assert.True(t, rec.Totals.Protein.Equal(dec("0.5")), "other totals untouched")

		_, err = svc.AddEntry(ctx, alice, jan15, rice())
		require.NoError(t, err)

		// THEN: The increment lands on the overridden value
		rec, err = svc.GetOrCreateDailyRecord(ctx, alice, jan15)
		require.NoError(t, err)
		assert.True(t, rec.Totals.Calories.Equal(dec("1612")), "got %s", rec.Totals.Calories)
	})
}

// =============================================================================
// FAILURES
// =============================================================================

// flakyStore fails Increment while failIncrements is set.
type flakyStore struct {
	nutrition.Store
	mu             sync.Mutex
	failIncrements bool
}

var errBoom = errors.New("connection reset")

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failIncrements = v
}

func (f *flakyStore) Increment(ctx context.Context, key nutrition.DayKey, deltas ...nutrition.Delta) error {
	f.mu.Lock()
	fail := f.failIncrements
	f.mu.Unlock()
	if fail {
		return nutrition.NewStorageError("increment", errBoom)
	}
	return f.Store.Increment(ctx, key, deltas...)
}

func TestAddEntry_PartialWriteIsReportedAndRepaired(t *testing.T) {
	// GIVEN: A store whose increments fail
	core, logs := observer.New(zap.InfoLevel)
	fs := &flakyStore{Store: store.NewMemory()}
	svc := nutrition.NewService(fs, nutrition.WithLogger(zap.New(core)), nutrition.WithSettleWindow(0))
	ctx := context.Background()

	_, err := svc.AddEntry(ctx, alice, jan15, rice())
	require.NoError(t, err)
	fs.setFailing(true)

	// WHEN: An entry is added
	stored, err := svc.AddEntry(ctx, alice, jan15, apple())

	// THEN: The entry landed, the error says so and is not retryable
	require.Error(t, err)
	assert.ErrorIs(t, err, nutrition.ErrPartialWrite)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, nutrition.IsRetryable(err))
	assert.NotEmpty(t, stored.ID)

	var pw *nutrition.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, "add", pw.Op)
	assert.Equal(t, stored.ID, pw.EntryID)

	flagged := logs.FilterField(zap.String("consistency", "partial_write_risk")).All()
	require.Len(t, flagged, 1)
	assert.Equal(t, zap.ErrorLevel, flagged[0].Level)

	rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assertTotals(t, nutrients("112", "2.6", "23", "0.9", "1.8"), rec)

	// WHEN: The store recovers and the queue is drained
	fs.setFailing(false)
	processed, err := svc.DrainReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// THEN: Totals match the entries again and the queue is empty
	rec, err = svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assertTotals(t, nutrients("207", "3.1", "48", "1.2", "5.8"), rec)

	processed, err = svc.DrainReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestRemoveEntry_PartialWriteQueuesDay(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory()}
	svc := nutrition.NewService(fs)
	ctx := context.Background()

	a, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.NoError(t, err)

	fs.setFailing(true)
	err = svc.RemoveEntry(ctx, alice, jan15, a.ID)
	assert.ErrorIs(t, err, nutrition.ErrPartialWrite)

	pending, err := fs.PendingReconciliations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, alice, pending[0].Key.UserID)
	assert.Equal(t, jan15.String(), pending[0].Key.Date.String())

	fs.setFailing(false)
	res, err := svc.Reconcile(ctx, alice, jan15)
	require.NoError(t, err)
	assert.True(t, res.Drifted)
	assert.Equal(t, 0, res.Entries)
	assert.True(t, res.After.IsZero())
}

// slowStore blocks record creation until the context is done.
type slowStore struct {
	nutrition.Store
}

func (s slowStore) CreateIfAbsent(ctx context.Context, key nutrition.DayKey, initial nutrition.DailyRecord) (nutrition.DailyRecord, bool, error) {
	<-ctx.Done()
	return nutrition.DailyRecord{}, false, ctx.Err()
}

func TestStoreTimeout_IsStorageUnavailable(t *testing.T) {
	svc := nutrition.NewService(slowStore{store.NewMemory()}, nutrition.WithTimeout(20*time.Millisecond))

	_, err := svc.GetOrCreateDailyRecord(context.Background(), alice, jan15)
	require.Error(t, err)
	assert.ErrorIs(t, err, nutrition.ErrStorageUnavailable)
	assert.True(t, nutrition.IsRetryable(err))
	assert.False(t, nutrition.IsClientError(err))
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_ResetsCalorieOverride(t *testing.T) {
	svc := nutrition.NewService(store.NewMemory())
	ctx := context.Background()
	_, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.NoError(t, err)
	_, err = svc.SetCaloriesOverride(ctx, alice, jan15, dec("2000"))
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, alice, jan15)
	require.NoError(t, err)
	assert.True(t, res.Drifted)
	assert.True(t, res.Before.Calories.Equal(dec("2000")))
	assert.True(t, res.After.Calories.Equal(dec("95")))

	res, err = svc.Reconcile(ctx, alice, jan15)
	require.NoError(t, err)
	assert.False(t, res.Drifted)
	assert.Equal(t, 1, res.Entries)
}

// gatedStore parks the first Increment until release is closed.
type gatedStore struct {
	nutrition.Store
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   store.NewMemory(),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) Increment(ctx context.Context, key nutrition.DayKey, deltas ...nutrition.Delta) error {
	g.once.Do(func() { close(g.reached) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Store.Increment(ctx, key, deltas...)
}

func TestReconcile_WaitsForInFlightAdd(t *testing.T) {
	// GIVEN: An add whose entry is stored but whose increment is parked
	gs := newGatedStore()
	svc := nutrition.NewService(gs)
	ctx := context.Background()

	added := make(chan error, 1)
	go func() {
		_, err := svc.AddEntry(ctx, alice, jan15, apple())
		added <- err
	}()
	<-gs.reached

	// WHEN: The day is reconciled meanwhile
	reconciled := make(chan nutrition.ReconcileResult, 1)
	go func() {
		res, err := svc.Reconcile(ctx, alice, jan15)
		assert.NoError(t, err)
		reconciled <- res
	}()

	// THEN: Reconcile does not finish before the increment lands
	select {
	case <-reconciled:
		t.Fatal("reconcile finished while an add was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(gs.release)
	require.NoError(t, <-added)
	res := <-reconciled
	assert.False(t, res.Drifted)
	assert.Equal(t, 1, res.Entries)

	// AND: The entry is counted once
	rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assert.True(t, rec.Totals.Calories.Equal(dec("95")), "got %s", rec.Totals.Calories)
}

func TestDrainReconciliations_SkipsItemsInsideSettleWindow(t *testing.T) {
	// GIVEN: A queued partial write and a one minute settle window
	fs := &flakyStore{Store: store.NewMemory()}
	offset := time.Duration(0)
	clock := func() time.Time { return time.Now().UTC().Add(offset) }
	svc := nutrition.NewService(fs, nutrition.WithClock(clock), nutrition.WithSettleWindow(time.Minute))
	ctx := context.Background()

	fs.setFailing(true)
	_, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.ErrorIs(t, err, nutrition.ErrPartialWrite)
	fs.setFailing(false)

	// WHEN: The queue is drained right away
	processed, err := svc.DrainReconciliations(ctx, 10)

	// THEN: The item stays queued and totals are untouched
	require.NoError(t, err)
	assert.Zero(t, processed)
	pending, err := fs.PendingReconciliations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// WHEN: The window has passed
	offset = 2 * time.Minute
	processed, err = svc.DrainReconciliations(ctx, 10)

	// THEN: The day is repaired
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	rec, err := svc.GetOrCreateDailyRecord(ctx, alice, jan15)
	require.NoError(t, err)
	assert.True(t, rec.Totals.Calories.Equal(dec("95")))
}

func TestNewService_SettleWindowDefaultsToTwiceTimeout(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory()}
	offset := time.Duration(0)
	clock := func() time.Time { return time.Now().UTC().Add(offset) }
	svc := nutrition.NewService(fs, nutrition.WithClock(clock), nutrition.WithTimeout(time.Second))
	ctx := context.Background()

	fs.setFailing(true)
	_, err := svc.AddEntry(ctx, alice, jan15, apple())
	require.ErrorIs(t, err, nutrition.ErrPartialWrite)
	fs.setFailing(false)

	offset = time.Second
	processed, err := svc.DrainReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)

	offset = 3 * time.Second
	processed, err = svc.DrainReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}
