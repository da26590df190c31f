/*
Package sqlite provides a SQLite-backed implementation of nutrition.Store.

PURPOSE:
  Default embedded store. Holds the two logical collections of the ledger
  (daily_records keyed by (user_id, date), food_entries keyed by
  (user_id, date, id)) plus goals and the reconciliation queue.

ATOMICITY:
  - CreateIfAbsent: INSERT ... ON CONFLICT(user_id, date) DO NOTHING
  - Increment:      UPDATE ... SET col = col + ? (one statement per call)
  - DeleteEntry:    DELETE ... and RowsAffected decides who "won"
  No application-level lock is taken: SQLite serializes writers and the
  busy timeout absorbs contention.

AMOUNTS:
  Nutrient amounts and sleep hours are stored as INTEGER milli-units
  (value * 1000). Integer arithmetic in SQL keeps increments exact, which
  REAL columns would not (0.3 + 0.9 - 0.3 != 0.9 in float).

WAL MODE:
  Opened with WAL and a busy timeout so readers never block the writer.
  ":memory:" databases are pinned to one connection, since every new
  connection would otherwise see its own empty database.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := nutrition.NewService(store)

SEE ALSO:
  - nutrition/store.go: Interface definitions
  - nutrition/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements nutrition.Store using SQLite.
type Store struct {
	db     *sql.DB
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

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- One aggregate per (user, day). Amounts in milli-units.
	CREATE TABLE IF NOT EXISTS daily_records (
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		total_calories INTEGER NOT NULL DEFAULT 0,
		total_protein INTEGER NOT NULL DEFAULT 0,
		total_carbs INTEGER NOT NULL DEFAULT 0,
		total_fat INTEGER NOT NULL DEFAULT 0,
		total_fiber INTEGER NOT NULL DEFAULT 0,
		water INTEGER NOT NULL DEFAULT 0,
		steps INTEGER NOT NULL DEFAULT 0,
		sleep INTEGER NOT NULL DEFAULT 0,
		mood TEXT NOT NULL DEFAULT 'neutral',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, date)
	);

	-- Food entries, children of a day partition. Never updated.
	CREATE TABLE IF NOT EXISTS food_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		calories INTEGER NOT NULL,
		protein INTEGER NOT NULL,
		carbs INTEGER NOT NULL,
		fat INTEGER NOT NULL,
		fiber INTEGER NOT NULL,
		serving_size TEXT,
		analysis_type TEXT NOT NULL,
		health_score INTEGER NOT NULL,
		recommendations TEXT,
		image TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: list a day's entries, most recent first
	CREATE INDEX IF NOT EXISTS idx_food_entries_day
		ON food_entries(user_id, date, created_at DESC);

	CREATE TABLE IF NOT EXISTS goals (
		user_id TEXT PRIMARY KEY,
		calories INTEGER NOT NULL,
		protein INTEGER NOT NULL,
		carbs INTEGER NOT NULL,
		fat INTEGER NOT NULL,
		water INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		sleep INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Days flagged after a partial write
	CREATE TABLE IF NOT EXISTS reconciliation_queue (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason TEXT,
		enqueued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_queue_enqueued
		ON reconciliation_queue(enqueued_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const entryColumns = `id, user_id, date, name, calories, protein, carbs, fat, fiber,
	serving_size, analysis_type, health_score, recommendations, image, metadata_json, created_at`

// PutEntry inserts a new entry with a fresh UUID.
func (s *Store) PutEntry(ctx context.Context, entry nutrition.FoodEntry) (nutrition.FoodEntry, error) {
	entry.ID = nutrition.EntryID(uuid.NewString())

	var metadataJSON sql.NullString
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nutrition.FoodEntry{}, fmt.Errorf("%w: metadata: %v", nutrition.ErrInvalidField, err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	n := entry.Nutrients
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO food_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Date.String(),
		entry.Name,
		toMilli(n.Calories), toMilli(n.Protein), toMilli(n.Carbs), toMilli(n.Fat), toMilli(n.Fiber),
		nullString(entry.ServingSize),
		entry.AnalysisType,
		toMilli(entry.HealthScore),
		nullString(entry.Recommendations),
		nullString(entry.Image),
		metadataJSON,
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return nutrition.FoodEntry{}, nutrition.NewStorageError("insert food entry", err)
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, key nutrition.DayKey, id nutrition.EntryID) (*nutrition.FoodEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM food_entries WHERE user_id = ? AND date = ? AND id = ?`,
		key.UserID, key.Date.String(), id,
	)
	if err != nil {
		return nil, nutrition.NewStorageError("get food entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nutrition.NewStorageError("get food entry", rows.Err())
	}
	e, err := s.scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) DeleteEntry(ctx context.Context, key nutrition.DayKey, id nutrition.EntryID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM food_entries WHERE user_id = ? AND date = ? AND id = ?`,
		key.UserID, key.Date.String(), id,
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM food_entries
		WHERE user_id = ? AND date = ?
		ORDER BY created_at DESC, seq DESC`,
		key.UserID, key.Date.String(),
	)
	if err != nil {
		return nil, nutrition.NewStorageError("list food entries", err)
	}
	defer rows.Close()

	entries := []nutrition.FoodEntry{}
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nutrition.NewStorageError("list food entries", rows.Err())
}

func (s *Store) scanEntry(rows *sql.Rows) (nutrition.FoodEntry, error) {
	var (
		e                                    nutrition.FoodEntry
		date, createdAt                      string
		calories, protein, carbs, fat, fiber int64
		healthScore                          int64
		servingSize, recommendations, image  sql.NullString
		metadataJSON                         sql.NullString
	)
	err := rows.Scan(
		&e.ID, &e.UserID, &date, &e.Name,
		&calories, &protein, &carbs, &fat, &fiber,
		&servingSize, &e.AnalysisType, &healthScore, &recommendations, &image,
		&metadataJSON, &createdAt,
	)
	if err != nil {
		return e, nutrition.NewStorageError("scan food entry", err)
	}

	if e.Date, err = nutrition.ParseDate(date); err != nil {
		return e, nutrition.NewStorageError("scan food entry", err)
	}
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.Nutrients = nutrition.Nutrients{
		Calories: fromMilli(calories),
		Protein:  fromMilli(protein),
		Carbs:    fromMilli(carbs),
		Fat:      fromMilli(fat),
		Fiber:    fromMilli(fiber),
	}
	e.HealthScore = fromMilli(healthScore)
	e.ServingSize = servingSize.String
	e.Recommendations = recommendations.String
	e.Image = image.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			s.logger.Debug("discarding unreadable entry metadata",
				zap.String("entry_id", string(e.ID)),
				zap.Error(err),
			)
			e.Metadata = nil
		}
	}
	return e, nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

const recordColumns = `user_id, date, total_calories, total_protein, total_carbs, total_fat, total_fiber,
	water, steps, sleep, mood, created_at, updated_at`

// CreateIfAbsent relies on the primary key: concurrent callers race on the
// INSERT and exactly one of them affects a row.
func (s *Store) CreateIfAbsent(ctx context.Context, key nutrition.DayKey, initial nutrition.DailyRecord) (nutrition.DailyRecord, bool, error) {
	t := initial.Totals
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO NOTHING`,
		key.UserID,
		key.Date.String(),
		toMilli(t.Calories), toMilli(t.Protein), toMilli(t.Carbs), toMilli(t.Fat), toMilli(t.Fiber),
		initial.Water,
		initial.Steps,
		toMilli(initial.Sleep),
		initial.Mood,
		initial.CreatedAt.UTC().Format(timeLayout),
		initial.UpdatedAt.UTC().Format(timeLayout),
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM daily_records WHERE user_id = ? AND date = ?`,
		key.UserID, key.Date.String(),
	)
	if err != nil {
		return nil, nutrition.NewStorageError("get daily record", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nutrition.NewStorageError("get daily record", rows.Err())
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Increment applies all deltas in a single UPDATE.
func (s *Store) Increment(ctx context.Context, key nutrition.DayKey, deltas ...nutrition.Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	sets := make([]string, 0, len(deltas)+1)
	args := make([]any, 0, len(deltas)+3)
	for _, d := range deltas {
		if !d.Field.Incrementable() {
			return fmt.Errorf("%w: cannot increment %q", nutrition.ErrInvalidField, d.Field)
		}
		col := string(d.Field)
		switch {
		case d.Field == nutrition.FieldWater:
			sets = append(sets, col+" = MAX(0, "+col+" + ?)")
			args = append(args, d.Amount.IntPart())
		case d.Field.Kind() == nutrition.KindInteger:
			sets = append(sets, col+" = "+col+" + ?")
			args = append(args, d.Amount.IntPart())
		default:
			sets = append(sets, col+" = "+col+" + ?")
			args = append(args, toMilli(d.Amount))
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now(), key.UserID, key.Date.String())

	return s.updateRecord(ctx, "increment daily record", key,
		`UPDATE daily_records SET `+strings.Join(sets, ", ")+` WHERE user_id = ? AND date = ?`, args...)
}

func (s *Store) SetField(ctx context.Context, key nutrition.DayKey, field nutrition.Field, value any) error {
	if err := nutrition.CheckFieldValue(field, value); err != nil {
		return err
	}

	var arg any
	switch v := value.(type) {
	case decimal.Decimal:
		arg = toMilli(v)
	case int64:
		arg = v
	case nutrition.Mood:
		arg = string(v)
	}

	return s.updateRecord(ctx, "set "+string(field), key,
		`UPDATE daily_records SET `+string(field)+` = ?, updated_at = ? WHERE user_id = ? AND date = ?`,
		arg, now(), key.UserID, key.Date.String())
}

func (s *Store) SetTotals(ctx context.Context, key nutrition.DayKey, totals nutrition.Nutrients) error {
	return s.updateRecord(ctx, "set totals", key, `
		UPDATE daily_records
		SET total_calories = ?, total_protein = ?, total_carbs = ?, total_fat = ?, total_fiber = ?,
		    updated_at = ?
		WHERE user_id = ? AND date = ?`,
		toMilli(totals.Calories), toMilli(totals.Protein), toMilli(totals.Carbs),
		toMilli(totals.Fat), toMilli(totals.Fiber),
		now(), key.UserID, key.Date.String(),
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM daily_records
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		userID, r.Start.String(), r.End.String(),
	)
	if err != nil {
		return nil, nutrition.NewStorageError("list daily records", err)
	}
	defer rows.Close()

	var records []nutrition.DailyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nutrition.NewStorageError("list daily records", rows.Err())
}

func scanRecord(rows *sql.Rows) (nutrition.DailyRecord, error) {
	var (
		rec                                  nutrition.DailyRecord
		date, createdAt, updatedAt           string
		calories, protein, carbs, fat, fiber int64
		sleep                                int64
	)
	err := rows.Scan(
		&rec.UserID, &date,
		&calories, &protein, &carbs, &fat, &fiber,
		&rec.Water, &rec.Steps, &sleep, &rec.Mood,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return rec, nutrition.NewStorageError("scan daily record", err)
	}
	if rec.Date, err = nutrition.ParseDate(date); err != nil {
		return rec, nutrition.NewStorageError("scan daily record", err)
	}
	rec.Totals = nutrition.Nutrients{
		Calories: fromMilli(calories),
		Protein:  fromMilli(protein),
		Carbs:    fromMilli(carbs),
		Fat:      fromMilli(fat),
		Fiber:    fromMilli(fiber),
	}
	rec.Sleep = fromMilli(sleep)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return rec, nil
}

// =============================================================================
// GOAL STORE
// =============================================================================

func (s *Store) GetGoals(ctx context.Context, userID nutrition.UserID) (*nutrition.Goals, error) {
	var (
		g                                      nutrition.Goals
		calories, protein, carbs, fat, sleepMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT calories, protein, carbs, fat, water, steps, sleep
		FROM goals WHERE user_id = ?`, userID,
	).Scan(&calories, &protein, &carbs, &fat, &g.Water, &g.Steps, &sleepMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, nutrition.NewStorageError("get goals", err)
	}
	g.Calories = fromMilli(calories)
	g.Protein = fromMilli(protein)
	g.Carbs = fromMilli(carbs)
	g.Fat = fromMilli(fat)
	g.Sleep = fromMilli(sleepMs)
	return &g, nil
}

// UpsertGoals merges in one statement: absent fields fall back to the
// stored value on update, or to the defaults on insert.
func (s *Store) UpsertGoals(ctx context.Context, userID nutrition.UserID, patch nutrition.GoalsPatch) error {
	def := nutrition.DefaultGoals()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (user_id, calories, protein, carbs, fat, water, steps, sleep, updated_at)
		VALUES (:user_id,
			COALESCE(:calories, :def_calories), COALESCE(:protein, :def_protein),
			COALESCE(:carbs, :def_carbs), COALESCE(:fat, :def_fat),
			COALESCE(:water, :def_water), COALESCE(:steps, :def_steps),
			COALESCE(:sleep, :def_sleep), :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET
			calories = COALESCE(:calories, goals.calories),
			protein = COALESCE(:protein, goals.protein),
			carbs = COALESCE(:carbs, goals.carbs),
			fat = COALESCE(:fat, goals.fat),
			water = COALESCE(:water, goals.water),
			steps = COALESCE(:steps, goals.steps),
			sleep = COALESCE(:sleep, goals.sleep),
			updated_at = :updated_at`,
		sql.Named("user_id", string(userID)),
		sql.Named("calories", milliPtr(patch.Calories)),
		sql.Named("protein", milliPtr(patch.Protein)),
		sql.Named("carbs", milliPtr(patch.Carbs)),
		sql.Named("fat", milliPtr(patch.Fat)),
		sql.Named("water", intPtr(patch.Water)),
		sql.Named("steps", intPtr(patch.Steps)),
		sql.Named("sleep", milliPtr(patch.Sleep)),
		sql.Named("def_calories", toMilli(def.Calories)),
		sql.Named("def_protein", toMilli(def.Protein)),
		sql.Named("def_carbs", toMilli(def.Carbs)),
		sql.Named("def_fat", toMilli(def.Fat)),
		sql.Named("def_water", def.Water),
		sql.Named("def_steps", def.Steps),
		sql.Named("def_sleep", toMilli(def.Sleep)),
		sql.Named("updated_at", now()),
	)
	return nutrition.NewStorageError("upsert goals", err)
}

// =============================================================================
// RECONCILIATION QUEUE
// =============================================================================

func (s *Store) EnqueueReconciliation(ctx context.Context, key nutrition.DayKey, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_queue (id, user_id, date, reason, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), key.UserID, key.Date.String(), reason, now(),
	)
	return nutrition.NewStorageError("enqueue reconciliation", err)
}

func (s *Store) PendingReconciliations(ctx context.Context, limit int) ([]nutrition.PendingReconciliation, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, date, reason, enqueued_at
		FROM reconciliation_queue
		ORDER BY enqueued_at ASC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, nutrition.NewStorageError("list reconciliations", err)
	}
	defer rows.Close()

	var pending []nutrition.PendingReconciliation
	for rows.Next() {
		var (
			p                nutrition.PendingReconciliation
			date, enqueuedAt string
			reason           sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Key.UserID, &date, &reason, &enqueuedAt); err != nil {
			return nil, nutrition.NewStorageError("scan reconciliation", err)
		}
		if p.Key.Date, err = nutrition.ParseDate(date); err != nil {
			return nil, nutrition.NewStorageError("scan reconciliation", err)
		}
		p.Reason = reason.String
		p.EnqueuedAt, _ = time.Parse(timeLayout, enqueuedAt)
		pending = append(pending, p)
	}
	return pending, nutrition.NewStorageError("list reconciliations", rows.Err())
}

func (s *Store) CompleteReconciliation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reconciliation_queue WHERE id = ?`, id)
	return nutrition.NewStorageError("complete reconciliation", err)
}

// Helper functions

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toMilli(d decimal.Decimal) int64 {
	return d.Shift(nutrition.Precision).Round(0).IntPart()
}

func fromMilli(v int64) decimal.Decimal {
	return decimal.New(v, -nutrition.Precision)
}

func milliPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return toMilli(*d)
}

func intPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
