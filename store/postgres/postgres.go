/*
Package postgres provides a PostgreSQL implementation of nutrition.Store.

PURPOSE:
  Shared store for multi-instance deployments. Any number of ledger
  Services may run against the same database: the aggregate writes are
  single statements, so no coordination between instances is needed.

ATOMICITY:
  - CreateIfAbsent: INSERT ... ON CONFLICT (user_id, date) DO NOTHING
  - Increment:      UPDATE ... SET col = col + $n
  - DeleteEntry:    DELETE ... and RowsAffected decides who "won"

AMOUNTS:
  NUMERIC(20,3) columns, exchanged with shopspring/decimal which
  implements driver.Valuer and sql.Scanner. Single amounts are capped at
  nutrition.MaxAmount, leaving eight digits of headroom for day totals.

USAGE:
  store, err := postgres.Open(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ nutrition.Store = (*Store)(nil)

type Option func(*Store)

// WithLogger receives rows the store had to read around, such as
// unreadable entry metadata.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open connects with the pgx driver and runs migrations.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed migrations: %w", err)
	}
	return s, nil
}

// New wraps an existing connection. The schema is not touched.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS daily_records (
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    total_calories NUMERIC(20,3) NOT NULL DEFAULT 0,
    total_protein NUMERIC(20,3) NOT NULL DEFAULT 0,
    total_carbs NUMERIC(20,3) NOT NULL DEFAULT 0,
    total_fat NUMERIC(20,3) NOT NULL DEFAULT 0,
    total_fiber NUMERIC(20,3) NOT NULL DEFAULT 0,
    water BIGINT NOT NULL DEFAULT 0,
    steps BIGINT NOT NULL DEFAULT 0,
    sleep NUMERIC(6,3) NOT NULL DEFAULT 0,
    mood TEXT NOT NULL DEFAULT 'neutral',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, date)
);

CREATE TABLE IF NOT EXISTS food_entries (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE DEFAULT gen_random_uuid()::text,
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    name TEXT NOT NULL,
    calories NUMERIC(20,3) NOT NULL,
    protein NUMERIC(20,3) NOT NULL,
    carbs NUMERIC(20,3) NOT NULL,
    fat NUMERIC(20,3) NOT NULL,
    fiber NUMERIC(20,3) NOT NULL,
    serving_size TEXT NOT NULL DEFAULT '',
    analysis_type TEXT NOT NULL,
    health_score NUMERIC(6,3) NOT NULL,
    recommendations TEXT NOT NULL DEFAULT '',
    image TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_food_entries_day
    ON food_entries (user_id, date, created_at DESC);

CREATE TABLE IF NOT EXISTS goals (
    user_id TEXT PRIMARY KEY,
    calories NUMERIC(20,3) NOT NULL,
    protein NUMERIC(20,3) NOT NULL,
    carbs NUMERIC(20,3) NOT NULL,
    fat NUMERIC(20,3) NOT NULL,
    water BIGINT NOT NULL,
    steps BIGINT NOT NULL,
    sleep NUMERIC(6,3) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reconciliation_queue (
    id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE daily_records
    ALTER COLUMN total_calories TYPE NUMERIC(20,3),
    ALTER COLUMN total_protein TYPE NUMERIC(20,3),
    ALTER COLUMN total_carbs TYPE NUMERIC(20,3),
    ALTER COLUMN total_fat TYPE NUMERIC(20,3),
    ALTER COLUMN total_fiber TYPE NUMERIC(20,3);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ROW TYPES
// =============================================================================

type entryRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Date            time.Time       `db:"date"`
	Name            string          `db:"name"`
	Calories        decimal.Decimal `db:"calories"`
	Protein         decimal.Decimal `db:"protein"`
	Carbs           decimal.Decimal `db:"carbs"`
	Fat             decimal.Decimal `db:"fat"`
	Fiber           decimal.Decimal `db:"fiber"`
	ServingSize     string          `db:"serving_size"`
	AnalysisType    string          `db:"analysis_type"`
	HealthScore     decimal.Decimal `db:"health_score"`
	Recommendations string          `db:"recommendations"`
	Image           string          `db:"image"`
	Metadata        []byte          `db:"metadata"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r entryRow) toEntry(logger *zap.Logger) nutrition.FoodEntry {
	e := nutrition.FoodEntry{
		ID:        nutrition.EntryID(r.ID),
		UserID:    nutrition.UserID(r.UserID),
		Date:      nutrition.DateOf(r.Date),
		CreatedAt: r.CreatedAt.UTC(),
		Name:      r.Name,
		Nutrients: nutrition.Nutrients{
			Calories: r.Calories,
			Protein:  r.Protein,
			Carbs:    r.Carbs,
			Fat:      r.Fat,
			Fiber:    r.Fiber,
		},
		ServingSize:     r.ServingSize,
		AnalysisType:    nutrition.AnalysisType(r.AnalysisType),
		HealthScore:     r.HealthScore,
		Recommendations: r.Recommendations,
		Image:           r.Image,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			logger.Debug("discarding unreadable entry metadata",
				zap.String("entry_id", r.ID),
				zap.Error(err),
			)
			e.Metadata = nil
		}
	}
	return e
}

type recordRow struct {
	UserID        string          `db:"user_id"`
	Date          time.Time       `db:"date"`
	TotalCalories decimal.Decimal `db:"total_calories"`
	TotalProtein  decimal.Decimal `db:"total_protein"`
	TotalCarbs    decimal.Decimal `db:"total_carbs"`
	TotalFat      decimal.Decimal `db:"total_fat"`
	TotalFiber    decimal.Decimal `db:"total_fiber"`
	Water         int64           `db:"water"`
	Steps         int64           `db:"steps"`
	Sleep         decimal.Decimal `db:"sleep"`
	Mood          string          `db:"mood"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r recordRow) toRecord() nutrition.DailyRecord {
	return nutrition.DailyRecord{
		UserID: nutrition.UserID(r.UserID),
		Date:   nutrition.DateOf(r.Date),
		Totals: nutrition.Nutrients{
			Calories: r.TotalCalories,
			Protein:  r.TotalProtein,
			Carbs:    r.TotalCarbs,
			Fat:      r.TotalFat,
			Fiber:    r.TotalFiber,
		},
		Water:     r.Water,
		Steps:     r.Steps,
		Sleep:     r.Sleep,
		Mood:      nutrition.Mood(r.Mood),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, user_id, date, name, calories, protein, carbs, fat, fiber,
    serving_size, analysis_type, health_score, recommendations, image, metadata, created_at`

func (s *Store) PutEntry(ctx context.Context, entry nutrition.FoodEntry) (nutrition.FoodEntry, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nutrition.FoodEntry{}, fmt.Errorf("%w: metadata: %v", nutrition.ErrInvalidField, err)
		}
		metadata = b
	}

	n := entry.Nutrients
	var id string
	err := s.db.GetContext(ctx, &id, `
INSERT INTO food_entries (user_id, date, name, calories, protein, carbs, fat, fiber,
    serving_size, analysis_type, health_score, recommendations, image, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15)
RETURNING id`,
		string(entry.UserID), entry.Date.Time(), entry.Name,
		n.Calories, n.Protein, n.Carbs, n.Fat, n.Fiber,
		entry.ServingSize, string(entry.AnalysisType), entry.HealthScore,
		entry.Recommendations, entry.Image, nullJSON(metadata), entry.CreatedAt,
	)
	if err != nil {
		return nutrition.FoodEntry{}, nutrition.NewStorageError("insert food entry", err)
	}
	entry.ID = nutrition.EntryID(id)
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, key nutrition.DayKey, id nutrition.EntryID) (*nutrition.FoodEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+entryColumns+` FROM food_entries WHERE user_id = $1 AND date = $2 AND id = $3`,
		string(key.UserID), key.Date.Time(), string(id),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, nutrition.NewStorageError("get food entry", err)
	}
	e := row.toEntry(s.logger)
	return &e, nil
}

func (s *Store) DeleteEntry(ctx context.Context, key nutrition.DayKey, id nutrition.EntryID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM food_entries WHERE user_id = $1 AND date = $2 AND id = $3`,
		string(key.UserID), key.Date.Time(), string(id),
	)
	if err != nil {
		return false, nutrition.NewStorageError("delete food entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nutrition.NewStorageError("delete food entry", err)
	}
	return n == 1, nil
}

func (s *Store) ListEntries(ctx context.Context, key nutrition.DayKey) ([]nutrition.FoodEntry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT `+entryColumns+`
FROM food_entries
WHERE user_id = $1 AND date = $2
ORDER BY created_at DESC, seq DESC`,
		string(key.UserID), key.Date.Time(),
	)
	if err != nil {
		return nil, nutrition.NewStorageError("list food entries", err)
	}
	entries := make([]nutrition.FoodEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry(s.logger)
	}
	return entries, nil
}

// =============================================================================
// DAILY RECORDS
// =============================================================================

const recordColumns = `user_id, date, total_calories, total_protein, total_carbs, total_fat, total_fiber,
    water, steps, sleep, mood, created_at, updated_at`

func (s *Store) CreateIfAbsent(ctx context.Context, key nutrition.DayKey, initial nutrition.DailyRecord) (nutrition.DailyRecord, bool, error) {
	t := initial.Totals
	res, err := s.db.ExecContext(ctx, `
INSERT INTO daily_records (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (user_id, date) DO NOTHING`,
		string(key.UserID), key.Date.Time(),
		t.Calories, t.Protein, t.Carbs, t.Fat, t.Fiber,
		initial.Water, initial.Steps, initial.Sleep, string(initial.Mood),
		initial.CreatedAt, initial.UpdatedAt,
	)
	if err != nil {
		return nutrition.DailyRecord{}, false, nutrition.NewStorageError("create daily record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nutrition.DailyRecord{}, false, nutrition.NewStorageError("create daily record", err)
	}

	rec, err := s.GetRecord(ctx, key)
	if err != nil {
		return nutrition.DailyRecord{}, false, err
	}
	if rec == nil {
		return nutrition.DailyRecord{}, false, nutrition.NewStorageError("create daily record",
			fmt.Errorf("record %s missing after insert", key))
	}
	return *rec, n == 1, nil
}

func (s *Store) GetRecord(ctx context.Context, key nutrition.DayKey) (*nutrition.DailyRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+recordColumns+` FROM daily_records WHERE user_id = $1 AND date = $2`,
		string(key.UserID), key.Date.Time(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, nutrition.NewStorageError("get daily record", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *Store) Increment(ctx context.Context, key nutrition.DayKey, deltas ...nutrition.Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	sets := make([]string, 0, len(deltas))
	args := make([]any, 0, len(deltas)+2)
	for _, d := range deltas {
		if !d.Field.Incrementable() {
			return fmt.Errorf("%w: cannot increment %q", nutrition.ErrInvalidField, d.Field)
		}
		col := string(d.Field)
		p := fmt.Sprintf("$%d", len(args)+1)
		switch {
		case d.Field == nutrition.FieldWater:
			sets = append(sets, col+" = GREATEST(0, "+col+" + "+p+")")
			args = append(args, d.Amount.IntPart())
		case d.Field.Kind() == nutrition.KindInteger:
			sets = append(sets, col+" = "+col+" + "+p)
			args = append(args, d.Amount.IntPart())
		default:
			sets = append(sets, col+" = "+col+" + "+p+"::numeric")
			args = append(args, d.Amount)
		}
	}
	args = append(args, string(key.UserID), key.Date.Time())

	query := fmt.Sprintf(`UPDATE daily_records SET %s, updated_at = NOW() WHERE user_id = $%d AND date = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	return s.updateRecord(ctx, "increment daily record", key, query, args...)
}

func (s *Store) SetField(ctx context.Context, key nutrition.DayKey, field nutrition.Field, value any) error {
	if err := nutrition.CheckFieldValue(field, value); err != nil {
		return err
	}
	if m, ok := value.(nutrition.Mood); ok {
		value = string(m)
	}
	return s.updateRecord(ctx, "set "+string(field), key,
		`UPDATE daily_records SET `+string(field)+` = $1, updated_at = NOW() WHERE user_id = $2 AND date = $3`,
		value, string(key.UserID), key.Date.Time())
}

func (s *Store) SetTotals(ctx context.Context, key nutrition.DayKey, totals nutrition.Nutrients) error {
	return s.updateRecord(ctx, "set totals", key, `
UPDATE daily_records
SET total_calories = $1, total_protein = $2, total_carbs = $3, total_fat = $4, total_fiber = $5,
    updated_at = NOW()
WHERE user_id = $6 AND date = $7`,
		totals.Calories, totals.Protein, totals.Carbs, totals.Fat, totals.Fiber,
		string(key.UserID), key.Date.Time(),
	)
}

func (s *Store) updateRecord(ctx context.Context, op string, key nutrition.DayKey, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nutrition.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nutrition.NewStorageError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no daily record for %s", nutrition.ErrNotFound, key)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, userID nutrition.UserID, r nutrition.DateRange) ([]nutrition.DailyRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT `+recordColumns+`
FROM daily_records
WHERE user_id = $1 AND date BETWEEN $2 AND $3
ORDER BY date ASC`,
		string(userID), r.Start.Time(), r.End.Time(),
	)
	if err != nil {
		return nil, nutrition.NewStorageError("list daily records", err)
	}
	records := make([]nutrition.DailyRecord, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return records, nil
}

// =============================================================================
// GOALS
// =============================================================================

type goalsRow struct {
	Calories decimal.Decimal `db:"calories"`
	Protein  decimal.Decimal `db:"protein"`
	Carbs    decimal.Decimal `db:"carbs"`
	Fat      decimal.Decimal `db:"fat"`
	Water    int64           `db:"water"`
	Steps    int64           `db:"steps"`
	Sleep    decimal.Decimal `db:"sleep"`
}

func (s *Store) GetGoals(ctx context.Context, userID nutrition.UserID) (*nutrition.Goals, error) {
	var row goalsRow
	err := s.db.GetContext(ctx, &row,
		`SELECT calories, protein, carbs, fat, water, steps, sleep FROM goals WHERE user_id = $1`,
		string(userID),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, nutrition.NewStorageError("get goals", err)
	}
	return &nutrition.Goals{
		Calories: row.Calories,
		Protein:  row.Protein,
		Carbs:    row.Carbs,
		Fat:      row.Fat,
		Water:    row.Water,
		Steps:    row.Steps,
		Sleep:    row.Sleep,
	}, nil
}

// UpsertGoals merges in one statement. NULL parameters keep the stored
// value, or take the default on first insert.
func (s *Store) UpsertGoals(ctx context.Context, userID nutrition.UserID, patch nutrition.GoalsPatch) error {
	def := nutrition.DefaultGoals()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO goals (user_id, calories, protein, carbs, fat, water, steps, sleep, updated_at)
VALUES ($1,
    COALESCE($2::numeric, $9::numeric), COALESCE($3::numeric, $10::numeric),
    COALESCE($4::numeric, $11::numeric), COALESCE($5::numeric, $12::numeric),
    COALESCE($6::bigint, $13::bigint), COALESCE($7::bigint, $14::bigint),
    COALESCE($8::numeric, $15::numeric), NOW())
ON CONFLICT (user_id) DO UPDATE SET
    calories = COALESCE($2::numeric, goals.calories),
    protein = COALESCE($3::numeric, goals.protein),
    carbs = COALESCE($4::numeric, goals.carbs),
    fat = COALESCE($5::numeric, goals.fat),
    water = COALESCE($6::bigint, goals.water),
    steps = COALESCE($7::bigint, goals.steps),
    sleep = COALESCE($8::numeric, goals.sleep),
    updated_at = NOW()`,
		string(userID),
		decimalArg(patch.Calories), decimalArg(patch.Protein), decimalArg(patch.Carbs), decimalArg(patch.Fat),
		intArg(patch.Water), intArg(patch.Steps), decimalArg(patch.Sleep),
		def.Calories, def.Protein, def.Carbs, def.Fat,
		def.Water, def.Steps, def.Sleep,
	)
	return nutrition.NewStorageError("upsert goals", err)
}

// =============================================================================
// RECONCILIATION QUEUE
// =============================================================================

func (s *Store) EnqueueReconciliation(ctx context.Context, key nutrition.DayKey, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_queue (user_id, date, reason) VALUES ($1, $2, $3)`,
		string(key.UserID), key.Date.Time(), reason,
	)
	return nutrition.NewStorageError("enqueue reconciliation", err)
}

func (s *Store) PendingReconciliations(ctx context.Context, limit int) ([]nutrition.PendingReconciliation, error) {
	var rows []struct {
		ID         string    `db:"id"`
		UserID     string    `db:"user_id"`
		Date       time.Time `db:"date"`
		Reason     string    `db:"reason"`
		EnqueuedAt time.Time `db:"enqueued_at"`
	}
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT id, user_id, date, reason, enqueued_at
FROM reconciliation_queue
ORDER BY enqueued_at ASC
LIMIT $1`, lim)
	if err != nil {
		return nil, nutrition.NewStorageError("list reconciliations", err)
	}

	pending := make([]nutrition.PendingReconciliation, len(rows))
	for i, r := range rows {
		pending[i] = nutrition.PendingReconciliation{
			ID:         r.ID,
			Key:        nutrition.DayKey{UserID: nutrition.UserID(r.UserID), Date: nutrition.DateOf(r.Date)},
			Reason:     r.Reason,
			EnqueuedAt: r.EnqueuedAt.UTC(),
		}
	}
	return pending, nil
}

func (s *Store) CompleteReconciliation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reconciliation_queue WHERE id = $1`, id)
	return nutrition.NewStorageError("complete reconciliation", err)
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

func intArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
