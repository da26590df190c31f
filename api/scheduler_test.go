package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nutrition-ledger/nutrition"
	"github.com/warp/nutrition-ledger/nutrition/store"
)

// driftedDay logs one 200 kcal entry, inflates the totals behind the
// ledger's back and queues the day, as a partial write would.
func driftedDay(t *testing.T, mem *store.Memory, svc *nutrition.Service) nutrition.DayKey {
	t.Helper()
	ctx := context.Background()
	key := nutrition.DayKey{UserID: "alice", Date: nutrition.MustParseDate("2024-03-01")}

	_, err := svc.AddEntry(ctx, key.UserID, key.Date, nutrition.EntryInput{Name: "Rice", Calories: 200})
	require.NoError(t, err)
	require.NoError(t, mem.Increment(ctx, key, nutrition.Delta{Field: nutrition.FieldCalories, Amount: decimal.NewFromInt(90)}))
	require.NoError(t, mem.EnqueueReconciliation(ctx, key, "partial_write"))
	return key
}

func calories(t *testing.T, mem *store.Memory, key nutrition.DayKey) string {
	t.Helper()
	rec, err := mem.GetRecord(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.Totals.Calories.String()
}

func TestScheduler_RunNowDrainsQueue(t *testing.T) {
	// GIVEN: One queued day whose totals drifted
	mem := store.NewMemory()
	svc := nutrition.NewService(mem, nutrition.WithSettleWindow(0))
	key := driftedDay(t, mem, svc)
	require.Equal(t, "290", calories(t, mem, key))

	// WHEN: The scheduler runs
	rs := NewReconciliationScheduler(svc, nil)
	processed := rs.RunNow()

	// THEN: The day is repaired and the queue is empty
	assert.Equal(t, 1, processed)
	assert.Equal(t, "200", calories(t, mem, key))
	pending, err := mem.PendingReconciliations(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// AND: A second run has nothing to do
	assert.Equal(t, 0, rs.RunNow())
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	mem := store.NewMemory()
	svc := nutrition.NewService(mem, nutrition.WithSettleWindow(0))
	key := driftedDay(t, mem, svc)

	rs := NewReconciliationScheduler(svc, nil)
	rs.CheckInterval = time.Hour
	rs.Start()
	defer rs.Stop()

	assert.Eventually(t, func() bool {
		pending, err := mem.PendingReconciliations(context.Background(), 0)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "200", calories(t, mem, key))
}

func TestScheduler_DisabledIsNoop(t *testing.T) {
	mem := store.NewMemory()
	svc := nutrition.NewService(mem, nutrition.WithSettleWindow(0))
	driftedDay(t, mem, svc)

	rs := NewReconciliationScheduler(svc, nil)
	rs.CheckInterval = 0
	rs.Start()
	rs.Stop()

	pending, err := mem.PendingReconciliations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestScheduler_LeavesFreshItemsQueued(t *testing.T) {
	// GIVEN: A day queued just now and a one minute settle window
	mem := store.NewMemory()
	svc := nutrition.NewService(mem, nutrition.WithSettleWindow(time.Minute))
	key := driftedDay(t, mem, svc)

	// WHEN: The scheduler runs
	processed := NewReconciliationScheduler(svc, nil).RunNow()

	// THEN: Nothing is repaired yet
	assert.Zero(t, processed)
	assert.Equal(t, "290", calories(t, mem, key))
	pending, err := mem.PendingReconciliations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	rs := NewReconciliationScheduler(nutrition.NewService(store.NewMemory()), nil)
	rs.CheckInterval = time.Hour
	rs.Start()
	rs.Stop()
	rs.Stop()
}
