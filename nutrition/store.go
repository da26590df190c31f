/*
store.go - Persistence interface for entries, daily records and goals

PURPOSE:
  Defines the boundary between the ledger logic and the database. Stores
  hold no business logic: they create, increment, set, read and delete.

KEY INTERFACES:
  EntryStore:          FoodEntry children of a day partition
  RecordStore:         DailyRecord aggregates (create-if-absent, increment, set)
  GoalStore:           Per-user goals with merge-writes
  ReconciliationStore: Queue of days flagged after partial writes
  Store:               All of the above

ATOMICITY CONTRACT:
  - CreateIfAbsent must use the store's native conditional insert
    (INSERT ... ON CONFLICT DO NOTHING, or a locked map check). Concurrent
    callers for the same key see exactly one record.
  - Increment must be a single atomic statement per call
    (SET x = x + ?), never read-modify-write. All deltas in one call
    apply together.
  - DeleteEntry reports whether THIS call removed the row, so concurrent
    removals of the same entry cannot both decrement the totals.

ERRORS:
  Driver failures are wrapped with NewStorageError so they unwrap to
  ErrStorageUnavailable. Absent rows are reported as (nil, nil) on reads.

IMPLEMENTATIONS:
  - nutrition/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:    SQLite (default)
  - store/postgres/postgres.go: PostgreSQL
*/
package nutrition

import "context"

// =============================================================================
// ENTRY STORE - FoodEntry children, keyed by (user, date, entry id)
// =============================================================================

type EntryStore interface {
	// PutEntry stores a new entry and returns it with its store-assigned ID.
	// Any ID on the input is ignored.
	PutEntry(ctx context.Context, entry FoodEntry) (FoodEntry, error)

	// GetEntry returns nil, nil if the entry does not exist under key.
	GetEntry(ctx context.Context, key DayKey, id EntryID) (*FoodEntry, error)

	// DeleteEntry removes the entry. deleted is false if it was already gone.
	DeleteEntry(ctx context.Context, key DayKey, id EntryID) (deleted bool, err error)

	// ListEntries returns the day's entries, most recent first.
	ListEntries(ctx context.Context, key DayKey) ([]FoodEntry, error)
}

// =============================================================================
// RECORD STORE - DailyRecord aggregates, keyed by (user, date)
// =============================================================================

type RecordStore interface {
	// CreateIfAbsent inserts initial unless a record for key exists, and
	// returns the stored record either way. created reports whether this
	// call inserted it.
	CreateIfAbsent(ctx context.Context, key DayKey, initial DailyRecord) (record DailyRecord, created bool, err error)

	// GetRecord returns nil, nil if no record exists for key.
	GetRecord(ctx context.Context, key DayKey) (*DailyRecord, error)

	// Increment atomically adds every delta to its field. The record must
	// exist. Water never drops below zero.
	Increment(ctx context.Context, key DayKey, deltas ...Delta) error

	// SetField overwrites one field (last write wins). value must match the
	// field kind: decimal.Decimal, int64 or Mood.
	SetField(ctx context.Context, key DayKey, field Field, value any) error

	// SetTotals overwrites all five nutrient totals in one statement.
	// Used by reconciliation only.
	SetTotals(ctx context.Context, key DayKey, totals Nutrients) error

	// ListRecords returns the records that exist in the range, ascending by date.
	ListRecords(ctx context.Context, userID UserID, r DateRange) ([]DailyRecord, error)
}

// =============================================================================
// GOAL STORE
// =============================================================================

type GoalStore interface {
	// GetGoals returns nil, nil when the user never stored goals.
	GetGoals(ctx context.Context, userID UserID) (*Goals, error)

	// UpsertGoals merges patch over the stored goals (or over DefaultGoals
	// when none are stored) in a single write.
	UpsertGoals(ctx context.Context, userID UserID, patch GoalsPatch) error
}

// =============================================================================
// RECONCILIATION STORE
// =============================================================================

type ReconciliationStore interface {
	EnqueueReconciliation(ctx context.Context, key DayKey, reason string) error
	PendingReconciliations(ctx context.Context, limit int) ([]PendingReconciliation, error)
	CompleteReconciliation(ctx context.Context, id string) error
}

// Store is the full persistence surface the ledger needs.
type Store interface {
	EntryStore
	RecordStore
	GoalStore
	ReconciliationStore
}
