// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/nutrition-ledger/nutrition"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. Every method holds the
// lock for its whole body, which gives CreateIfAbsent and Increment the
// same atomicity a database statement would.
type Memory struct {
	mu      sync.RWMutex
	records map[key]*nutrition.DailyRecord
	entries map[key][]storedEntry
	goals   map[nutrition.UserID]nutrition.Goals
	queue   []nutrition.PendingReconciliation
	seq     int64
}

var _ nutrition.Store = (*Memory)(nil)

// key flattens DayKey so it compares by calendar day rather than time.Time internals.
type key struct {
	UserID nutrition.UserID
	Date   string
}

type storedEntry struct {
	entry nutrition.FoodEntry
	seq   int64
}

func toKey(k nutrition.DayKey) key {
	return key{UserID: k.UserID, Date: k.Date.String()}
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[key]*nutrition.DailyRecord),
		entries: make(map[key][]storedEntry),
		goals:   make(map[nutrition.UserID]nutrition.Goals),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op. Data is lost when the process exits.
func (m *Memory) Close() error { return nil }

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) PutEntry(_ context.Context, entry nutrition.FoodEntry) (nutrition.FoodEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = nutrition.EntryID(uuid.NewString())
	entry.Metadata = copyMetadata(entry.Metadata)
	m.seq++
	k := toKey(entry.Key())
	m.entries[k] = append(m.entries[k], storedEntry{entry: entry, seq: m.seq})
	return entry, nil
}

func (m *Memory) GetEntry(_ context.Context, dayKey nutrition.DayKey, id nutrition.EntryID) (*nutrition.FoodEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, se := range m.entries[toKey(dayKey)] {
		if se.entry.ID == id {
			e := se.entry
			e.Metadata = copyMetadata(e.Metadata)
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) DeleteEntry(_ context.Context, dayKey nutrition.DayKey, id nutrition.EntryID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := toKey(dayKey)
	list := m.entries[k]
	for i, se := range list {
		if se.entry.ID == id {
			m.entries[k] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListEntries(_ context.Context, dayKey nutrition.DayKey) ([]nutrition.FoodEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := append([]storedEntry(nil), m.entries[toKey(dayKey)]...)
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].entry.CreatedAt.Equal(list[j].entry.CreatedAt) {
			return list[i].entry.CreatedAt.After(list[j].entry.CreatedAt)
		}
		return list[i].seq > list[j].seq
	})

	result := make([]nutrition.FoodEntry, len(list))
	for i, se := range list {
		result[i] = se.entry
		result[i].Metadata = copyMetadata(se.entry.Metadata)
	}
	return result, nil
}

// =============================================================================
// DAILY RECORDS
// =============================================================================

func (m *Memory) CreateIfAbsent(_ context.Context, dayKey nutrition.DayKey, initial nutrition.DailyRecord) (nutrition.DailyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := toKey(dayKey)
	if existing, ok := m.records[k]; ok {
		return *existing, false, nil
	}
	rec := initial
	rec.UserID = dayKey.UserID
	rec.Date = dayKey.Date
	m.records[k] = &rec
	return rec, true, nil
}

func (m *Memory) GetRecord(_ context.Context, dayKey nutrition.DayKey) (*nutrition.DailyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[toKey(dayKey)]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (m *Memory) Increment(_ context.Context, dayKey nutrition.DayKey, deltas ...nutrition.Delta) error {
	for _, d := range deltas {
		if !d.Field.Incrementable() {
			return fmt.Errorf("%w: cannot increment %q", nutrition.ErrInvalidField, d.Field)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[toKey(dayKey)]
	if !ok {
		return fmt.Errorf("%w: no daily record for %s", nutrition.ErrNotFound, dayKey)
	}
	for _, d := range deltas {
		switch d.Field {
		case nutrition.FieldCalories:
			rec.Totals.Calories = rec.Totals.Calories.Add(d.Amount)
		case nutrition.FieldProtein:
			rec.Totals.Protein = rec.Totals.Protein.Add(d.Amount)
		case nutrition.FieldCarbs:
			rec.Totals.Carbs = rec.Totals.Carbs.Add(d.Amount)
		case nutrition.FieldFat:
			rec.Totals.Fat = rec.Totals.Fat.Add(d.Amount)
		case nutrition.FieldFiber:
			rec.Totals.Fiber = rec.Totals.Fiber.Add(d.Amount)
		case nutrition.FieldWater:
			rec.Water += d.Amount.IntPart()
			if rec.Water < 0 {
				rec.Water = 0
			}
		case nutrition.FieldSteps:
			rec.Steps += d.Amount.IntPart()
		case nutrition.FieldSleep:
			rec.Sleep = rec.Sleep.Add(d.Amount)
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetField(_ context.Context, dayKey nutrition.DayKey, field nutrition.Field, value any) error {
	if err := nutrition.CheckFieldValue(field, value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[toKey(dayKey)]
	if !ok {
		return fmt.Errorf("%w: no daily record for %s", nutrition.ErrNotFound, dayKey)
	}
	switch field {
	case nutrition.FieldCalories:
		rec.Totals.Calories = value.(decimal.Decimal)
	case nutrition.FieldProtein:
		rec.Totals.Protein = value.(decimal.Decimal)
	case nutrition.FieldCarbs:
		rec.Totals.Carbs = value.(decimal.Decimal)
	case nutrition.FieldFat:
		rec.Totals.Fat = value.(decimal.Decimal)
	case nutrition.FieldFiber:
		rec.Totals.Fiber = value.(decimal.Decimal)
	case nutrition.FieldWater:
		rec.Water = value.(int64)
	case nutrition.FieldSteps:
		rec.Steps = value.(int64)
	case nutrition.FieldSleep:
		rec.Sleep = value.(decimal.Decimal)
	case nutrition.FieldMood:
		rec.Mood = value.(nutrition.Mood)
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetTotals(_ context.Context, dayKey nutrition.DayKey, totals nutrition.Nutrients) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[toKey(dayKey)]
	if !ok {
		return fmt.Errorf("%w: no daily record for %s", nutrition.ErrNotFound, dayKey)
	}
	rec.Totals = totals
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListRecords(_ context.Context, userID nutrition.UserID, r nutrition.DateRange) ([]nutrition.DailyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []nutrition.DailyRecord
	for _, rec := range m.records {
		if rec.UserID == userID && r.Contains(rec.Date) {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

// =============================================================================
// GOALS
// =============================================================================

func (m *Memory) GetGoals(_ context.Context, userID nutrition.UserID) (*nutrition.Goals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.goals[userID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) UpsertGoals(_ context.Context, userID nutrition.UserID, patch nutrition.GoalsPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.goals[userID]
	if !ok {
		current = nutrition.DefaultGoals()
	}
	m.goals[userID] = patch.Apply(current)
	return nil
}

// =============================================================================
// RECONCILIATION QUEUE
// =============================================================================

func (m *Memory) EnqueueReconciliation(_ context.Context, dayKey nutrition.DayKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, nutrition.PendingReconciliation{
		ID:         uuid.NewString(),
		Key:        dayKey,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) PendingReconciliations(_ context.Context, limit int) ([]nutrition.PendingReconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]nutrition.PendingReconciliation(nil), m.queue[:n]...), nil
}

func (m *Memory) CompleteReconciliation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.queue {
		if p.ID == id {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
