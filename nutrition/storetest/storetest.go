// Package storetest is a contract suite every nutrition.Store must pass.
//
//	func TestMemoryStore(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) nutrition.Store { return store.NewMemory() })
//	}
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nutrition-ledger/nutrition"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) nutrition.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("CreateIfAbsentConcurrent", func(t *testing.T) { testCreateIfAbsentConcurrent(t, newStore(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("IncrementConcurrent", func(t *testing.T) { testIncrementConcurrent(t, newStore(t)) })
	t.Run("IncrementMissingRecord", func(t *testing.T) { testIncrementMissingRecord(t, newStore(t)) })
	t.Run("WaterClampsAtZero", func(t *testing.T) { testWaterClamp(t, newStore(t)) })
	t.Run("SetField", func(t *testing.T) { testSetField(t, newStore(t)) })
	t.Run("SetTotals", func(t *testing.T) { testSetTotals(t, newStore(t)) })
	t.Run("Entries", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("DeleteEntryOnce", func(t *testing.T) { testDeleteEntryOnce(t, newStore(t)) })
	t.Run("ListRecordsRange", func(t *testing.T) { testListRecords(t, newStore(t)) })
	t.Run("Goals", func(t *testing.T) { testGoals(t, newStore(t)) })
	t.Run("ReconciliationQueue", func(t *testing.T) { testQueue(t, newStore(t)) })
	t.Run("LargeAmounts", func(t *testing.T) { testLargeAmounts(t, newStore(t)) })
}

var (
	day = nutrition.MustParseDate("2024-03-15")
	key = nutrition.DayKey{UserID: "alice", Date: day}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func create(t *testing.T, s nutrition.Store, k nutrition.DayKey) nutrition.DailyRecord {
	t.Helper()
	rec, _, err := s.CreateIfAbsent(context.Background(), k, nutrition.NewDailyRecord(k, time.Now().UTC()))
	require.NoError(t, err)
	return rec
}

func get(t *testing.T, s nutrition.Store, k nutrition.DayKey) nutrition.DailyRecord {
	t.Helper()
	rec, err := s.GetRecord(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func testCreateIfAbsent(t *testing.T, s nutrition.Store) {
	ctx := context.Background()

	// GIVEN no record
	rec, err := s.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// WHEN created twice
	first, created, err := s.CreateIfAbsent(ctx, key, nutrition.NewDailyRecord(key, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateIfAbsent(ctx, key, nutrition.NewDailyRecord(key, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created)

	// THEN both calls see the same zeroed record
	assert.Equal(t, key.Date.String(), first.Date.String())
	assert.Equal(t, nutrition.MoodNeutral, first.Mood)
	assert.True(t, first.Totals.IsZero())
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.Date.String(), second.Date.String())
}

func testCreateIfAbsentConcurrent(t *testing.T, s nutrition.Store) {
	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.CreateIfAbsent(context.Background(), key, nutrition.NewDailyRecord(key, time.Now().UTC()))
			assert.NoError(t, err)
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one caller creates the record")
	recs, err := s.ListRecords(context.Background(), key.UserID, nutrition.DateRange{Start: day, End: day})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testIncrement(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	create(t, s, key)

	n := nutrition.Nutrients{
		Calories: dec("250.5"),
		Protein:  dec("10.25"),
		Carbs:    dec("30"),
		Fat:      dec("8.125"),
		Fiber:    dec("0.3"),
	}
	require.NoError(t, s.Increment(ctx, key, n.Deltas()...))
	require.NoError(t, s.Increment(ctx, key, n.Deltas()...))
	require.NoError(t, s.Increment(ctx, key, n.Neg().Deltas()...))
	require.NoError(t, s.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldSteps, Amount: dec("1200")}))

	rec := get(t, s, key)
	assert.True(t, rec.Totals.Equal(n), "got %+v", rec.Totals)
	assert.Equal(t, int64(1200), rec.Steps)

	err := s.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldMood, Amount: dec("1")})
	assert.ErrorIs(t, err, nutrition.ErrInvalidField)
}

func testIncrementConcurrent(t *testing.T, s nutrition.Store) {
	create(t, s, key)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Increment(context.Background(), key,
				nutrition.Delta{Field: nutrition.FieldCalories, Amount: dec("100.1")},
				nutrition.Delta{Field: nutrition.FieldWater, Amount: dec("1")},
			))
		}()
	}
	wg.Wait()

	rec := get(t, s, key)
	assert.True(t, rec.Totals.Calories.Equal(dec("2502.5")), "got %s", rec.Totals.Calories)
	assert.Equal(t, int64(n), rec.Water)
}

func testIncrementMissingRecord(t *testing.T, s nutrition.Store) {
	err := s.Increment(context.Background(), key, nutrition.Delta{Field: nutrition.FieldCalories, Amount: dec("1")})
	assert.ErrorIs(t, err, nutrition.ErrNotFound)
}

func testWaterClamp(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	create(t, s, key)

	require.NoError(t, s.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldWater, Amount: dec("3")}))
	require.NoError(t, s.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldWater, Amount: dec("-5")}))
	assert.Equal(t, int64(0), get(t, s, key).Water)

	require.NoError(t, s.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldWater, Amount: dec("2")}))
	assert.Equal(t, int64(2), get(t, s, key).Water)
}

func testSetField(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	create(t, s, key)

	require.NoError(t, s.SetField(ctx, key, nutrition.FieldSteps, int64(8000)))
	require.NoError(t, s.SetField(ctx, key, nutrition.FieldSteps, int64(9500)))
	require.NoError(t, s.SetField(ctx, key, nutrition.FieldSleep, dec("7.5")))
	require.NoError(t, s.SetField(ctx, key, nutrition.FieldMood, nutrition.MoodGood))
	require.NoError(t, s.SetField(ctx, key, nutrition.FieldCalories, dec("1800")))

	rec := get(t, s, key)
	assert.Equal(t, int64(9500), rec.Steps)
	assert.True(t, rec.Sleep.Equal(dec("7.5")))
	assert.Equal(t, nutrition.MoodGood, rec.Mood)
	assert.True(t, rec.Totals.Calories.Equal(dec("1800")))

	assert.ErrorIs(t, s.SetField(ctx, key, nutrition.FieldMood, nutrition.Mood("ecstatic")), nutrition.ErrInvalidMood)
	assert.ErrorIs(t, s.SetField(ctx, key, nutrition.FieldSteps, "lots"), nutrition.ErrInvalidField)
	assert.ErrorIs(t, s.SetField(ctx, key, nutrition.Field("nope"), int64(1)), nutrition.ErrInvalidField)

	other := nutrition.DayKey{UserID: "bob", Date: day}
	assert.ErrorIs(t, s.SetField(ctx, other, nutrition.FieldSteps, int64(1)), nutrition.ErrNotFound)
}

func testSetTotals(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	create(t, s, key)
	require.NoError(t, s.SetField(ctx, key, nutrition.FieldSteps, int64(42)))

	totals := nutrition.Nutrients{Calories: dec("500"), Protein: dec("20"), Carbs: dec("60"), Fat: dec("15"), Fiber: dec("4")}
	require.NoError(t, s.SetTotals(ctx, key, totals))

	rec := get(t, s, key)
	assert.True(t, rec.Totals.Equal(totals))
	assert.Equal(t, int64(42), rec.Steps, "scalars untouched")
}

func testEntries(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	put := func(name string, at time.Time) nutrition.FoodEntry {
		e, err := s.PutEntry(ctx, nutrition.FoodEntry{
			ID:           "ignored",
			UserID:       key.UserID,
			Date:         day,
			CreatedAt:    at,
			Name:         name,
			Nutrients:    nutrition.Nutrients{Calories: dec("100.5"), Protein: dec("1"), Carbs: dec("2"), Fat: dec("3"), Fiber: dec("0.25")},
			AnalysisType: nutrition.AnalysisAIImage,
			HealthScore:  dec("7.5"),
			ServingSize:  "1 bowl",
			Metadata:     map[string]any{"source": "camera"},
		})
		require.NoError(t, err)
		return e
	}

	breakfast := put("oatmeal", base)
	lunch := put("salad", base.Add(4*time.Hour))
	snackA := put("apple", base.Add(6*time.Hour))
	snackB := put("pear", base.Add(6*time.Hour))

	assert.NotEqual(t, nutrition.EntryID("ignored"), breakfast.ID)
	assert.NotEqual(t, breakfast.ID, lunch.ID)

	// Most recent first; ties broken by insertion order, newest first.
	list, err := s.ListEntries(ctx, key)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []nutrition.EntryID{snackB.ID, snackA.ID, lunch.ID, breakfast.ID},
		[]nutrition.EntryID{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

	got, err := s.GetEntry(ctx, key, lunch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "salad", got.Name)
	assert.Equal(t, nutrition.AnalysisAIImage, got.AnalysisType)
	assert.True(t, got.Nutrients.Fiber.Equal(dec("0.25")))
	assert.True(t, got.HealthScore.Equal(dec("7.5")))
	assert.Equal(t, "1 bowl", got.ServingSize)
	assert.Equal(t, "camera", got.Metadata["source"])
	assert.True(t, got.CreatedAt.Equal(base.Add(4*time.Hour)))

	// Scoped to the day partition.
	otherDay := nutrition.DayKey{UserID: key.UserID, Date: day.AddDays(1)}
	missing, err := s.GetEntry(ctx, otherDay, lunch.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := s.ListEntries(ctx, otherDay)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeleteEntryOnce(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	e, err := s.PutEntry(ctx, nutrition.FoodEntry{
		UserID: key.UserID, Date: day, CreatedAt: time.Now().UTC(),
		Name: "toast", AnalysisType: nutrition.AnalysisManual,
	})
	require.NoError(t, err)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.DeleteEntry(context.Background(), key, e.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				deleted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, deleted)
	got, err := s.GetEntry(ctx, key, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testListRecords(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	for _, d := range []string{"2024-03-10", "2024-03-12", "2024-03-14", "2024-03-20"} {
		create(t, s, nutrition.DayKey{UserID: "alice", Date: nutrition.MustParseDate(d)})
	}
	create(t, s, nutrition.DayKey{UserID: "bob", Date: nutrition.MustParseDate("2024-03-12")})

	recs, err := s.ListRecords(ctx, "alice", nutrition.DateRange{
		Start: nutrition.MustParseDate("2024-03-11"),
		End:   nutrition.MustParseDate("2024-03-14"),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-03-12", recs[0].Date.String())
	assert.Equal(t, "2024-03-14", recs[1].Date.String())
	for _, r := range recs {
		assert.Equal(t, nutrition.UserID("alice"), r.UserID)
	}
}

func testGoals(t *testing.T, s nutrition.Store) {
	ctx := context.Background()

	g, err := s.GetGoals(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, g)

	// First write merges over the defaults.
	cal := dec("1800")
	require.NoError(t, s.UpsertGoals(ctx, "alice", nutrition.GoalsPatch{Calories: &cal}))
	g, err = s.GetGoals(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.Calories.Equal(cal))
	assert.True(t, g.Protein.Equal(dec("150")))
	assert.Equal(t, int64(8), g.Water)
	assert.Equal(t, int64(10000), g.Steps)

	// Later writes keep untouched fields.
	steps := int64(12000)
	sleep := dec("7.5")
	require.NoError(t, s.UpsertGoals(ctx, "alice", nutrition.GoalsPatch{Steps: &steps, Sleep: &sleep}))
	g, err = s.GetGoals(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, g.Calories.Equal(cal))
	assert.Equal(t, int64(12000), g.Steps)
	assert.True(t, g.Sleep.Equal(sleep))
}

func testQueue(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	other := nutrition.DayKey{UserID: "bob", Date: day.AddDays(-1)}

	require.NoError(t, s.EnqueueReconciliation(ctx, key, "add e1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.EnqueueReconciliation(ctx, other, "remove e2"))

	pending, err := s.PendingReconciliations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, key.String(), pending[0].Key.String())
	assert.Equal(t, "add e1", pending[0].Reason)
	assert.Equal(t, other.String(), pending[1].Key.String())

	limited, err := s.PendingReconciliations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.CompleteReconciliation(ctx, pending[0].ID))
	pending, err = s.PendingReconciliations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, other.String(), pending[0].Key.String())
}

func testLargeAmounts(t *testing.T, s nutrition.Store) {
	ctx := context.Background()
	create(t, s, key)

	// GIVEN three entries at the largest accepted amount
	for i := 0; i < 3; i++ {
		e, err := s.PutEntry(ctx, nutrition.FoodEntry{
			UserID:       key.UserID,
			Date:         key.Date,
			CreatedAt:    time.Now().UTC(),
			Name:         "bulk",
			Nutrients:    nutrition.Nutrients{Calories: nutrition.MaxAmount},
			AnalysisType: nutrition.AnalysisManual,
		})
		require.NoError(t, err)
		require.NoError(t, s.Increment(ctx, key, e.Nutrients.Deltas()...))
	}

	// THEN entries and totals read back exactly
	entries, err := s.ListEntries(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.True(t, e.Nutrients.Calories.Equal(nutrition.MaxAmount), "got %s", e.Nutrients.Calories)
	}
	assert.Equal(t, "3000000000", get(t, s, key).Totals.Calories.String())
}
