/*
ledger.go - Service keeping food entries and daily totals consistent

PURPOSE:
  The Service is the only writer of FoodEntry and DailyRecord. It turns
  each add/remove into two store calls: the entry write, then a signed
  atomic increment of the day's totals.

CRITICAL INVARIANTS:
  1. SUM CONSISTENCY: at rest, each nutrient total equals the sum of that
     nutrient over the day's live entries.
  2. IDEMPOTENT CREATION: one DailyRecord per (user, date), created with
     the store's conditional insert. No application lock.
  3. SYMMETRIC REVERSAL: removal subtracts the values stored on the entry,
     which were coerced at add time with the same rules.

WRITE MODES ON totalCalories:
  Entry add/remove increments it. SetCaloriesOverride absolute-sets it.
  The modes do not reset each other: after an override, later entry
  increments apply on top of the overridden value.

PARTIAL WRITES:
  Entry write and aggregate increment are separate calls. If the second
  fails, the Service logs consistency=partial_write_risk, enqueues the day
  for reconciliation (best effort), and returns a PartialWriteError.

DAY LOCKS:
  Entry writes hold a shared per-day lock across the entry write and the
  increment. Reconcile holds the same lock exclusively, so it never reads
  an entry whose increment is still in flight. The lock is per process:
  other Service instances on the same store are covered only by the
  reconciliation settle window (see reconcile.go).

SEE ALSO:
  - store.go:     Persistence contract
  - rollup.go:    Range queries over DailyRecords
  - reconcile.go: Rebuilding totals from entries
*/
package nutrition

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every store call made by the Service.
const DefaultTimeout = 5 * time.Second

var maxSleepHours = decimal.NewFromInt(24)

const (
	// MaxGlasses bounds one water delta and the water goal.
	MaxGlasses = 1000
	// MaxSteps bounds a day's step count and the steps goal.
	MaxSteps = 1_000_000
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	settle  time.Duration
	now     func() time.Time
	days    dayLocks
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout sets the per-call store timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSettleWindow sets how long a queued reconciliation waits before
// DrainReconciliations picks it up. Defaults to twice the store timeout.
func WithSettleWindow(d time.Duration) Option {
	return func(s *Service) { s.settle = d }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
		settle:  -1,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settle < 0 {
		s.settle = 2 * s.timeout
		if s.timeout <= 0 {
			s.settle = 2 * DefaultTimeout
		}
	}
	return s
}

const dayLockStripes = 64

// dayLocks stripes days over a fixed set of RWMutexes. Two days may share
// a stripe, which only costs contention.
type dayLocks [dayLockStripes]sync.RWMutex

func (l *dayLocks) of(key DayKey) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.Date.String()))
	return &l[h.Sum32()%dayLockStripes]
}

// call runs fn with the per-call timeout. A timeout surfaces as
// ErrStorageUnavailable.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return NewStorageError(op, err)
	}
	return err
}

func validateKey(userID UserID, date Date) (DayKey, error) {
	if userID == "" {
		return DayKey{}, fmt.Errorf("%w: empty user id", ErrInvalidField)
	}
	if date.IsZero() {
		return DayKey{}, fmt.Errorf("%w: zero date", ErrInvalidDate)
	}
	return DayKey{UserID: userID, Date: date}, nil
}

// =============================================================================
// DAILY RECORD
// =============================================================================

// GetOrCreateDailyRecord returns the record for (userID, date), creating a
// zeroed one with mood "neutral" if needed. Safe to call repeatedly and
// concurrently.
func (s *Service) GetOrCreateDailyRecord(ctx context.Context, userID UserID, date Date) (DailyRecord, error) {
	key, err := validateKey(userID, date)
	if err != nil {
		return DailyRecord{}, err
	}
	return s.getOrCreate(ctx, key)
}

func (s *Service) getOrCreate(ctx context.Context, key DayKey) (DailyRecord, error) {
	var (
		record  DailyRecord
		created bool
	)
	err := s.call(ctx, "create daily record", func(ctx context.Context) error {
		var err error
		record, created, err = s.store.CreateIfAbsent(ctx, key, NewDailyRecord(key, s.now()))
		return err
	})
	if err != nil {
		return DailyRecord{}, err
	}
	if created {
		s.logger.Debug("daily record created", zap.String("user_id", string(key.UserID)), zap.Stringer("date", key.Date))
	}
	return record, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

// AddEntry stores a new entry and adds its nutrients to the day's totals.
// Malformed nutrient values are stored as 0. On a PartialWriteError the
// returned entry is the one that was stored.
func (s *Service) AddEntry(ctx context.Context, userID UserID, date Date, in EntryInput) (FoodEntry, error) {
	key, err := validateKey(userID, date)
	if err != nil {
		return FoodEntry{}, err
	}

	norm := in.Normalize()
	if len(norm.Coerced) > 0 {
		s.logger.Debug("entry fields defaulted to zero",
			zap.String("user_id", string(userID)),
			zap.Stringer("date", date),
			zap.Strings("fields", norm.Coerced),
		)
	}

	// The record must exist before it can be incremented.
	if _, err := s.getOrCreate(ctx, key); err != nil {
		return FoodEntry{}, err
	}

	entry := FoodEntry{
		UserID:          userID,
		Date:            date,
		CreatedAt:       s.now(),
		Name:            in.Name,
		Nutrients:       norm.Nutrients,
		ServingSize:     in.ServingSize,
		AnalysisType:    norm.AnalysisType,
		HealthScore:     norm.HealthScore,
		Recommendations: in.Recommendations,
		Image:           in.Image,
		Metadata:        in.Metadata,
	}

	lock := s.days.of(key)
	lock.RLock()
	defer lock.RUnlock()

	var stored FoodEntry
	err = s.call(ctx, "put entry", func(ctx context.Context) error {
		var err error
		stored, err = s.store.PutEntry(ctx, entry)
		return err
	})
	if err != nil {
		return FoodEntry{}, err
	}

	err = s.call(ctx, "increment totals", func(ctx context.Context) error {
		return s.store.Increment(ctx, key, stored.Nutrients.Deltas()...)
	})
	if err != nil {
		return stored, s.partialWrite(key, stored.ID, "add", err)
	}

	s.logger.Info("entry added",
		zap.String("user_id", string(userID)),
		zap.Stringer("date", date),
		zap.String("entry_id", string(stored.ID)),
		zap.String("calories", stored.Nutrients.Calories.String()),
	)
	return stored, nil
}

// RemoveEntry deletes the entry and subtracts its stored nutrients from the
// day's totals. Returns an EntryNotFoundError if it does not exist, including
// when a concurrent removal got there first.
func (s *Service) RemoveEntry(ctx context.Context, userID UserID, date Date, id EntryID) error {
	key, err := validateKey(userID, date)
	if err != nil {
		return err
	}

	var entry *FoodEntry
	err = s.call(ctx, "get entry", func(ctx context.Context) error {
		var err error
		entry, err = s.store.GetEntry(ctx, key, id)
		return err
	})
	if err != nil {
		return err
	}
	if entry == nil {
		return &EntryNotFoundError{Key: key, EntryID: id}
	}

	lock := s.days.of(key)
	lock.RLock()
	defer lock.RUnlock()

	var deleted bool
	err = s.call(ctx, "delete entry", func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteEntry(ctx, key, id)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return &EntryNotFoundError{Key: key, EntryID: id}
	}

	err = s.call(ctx, "decrement totals", func(ctx context.Context) error {
		return s.store.Increment(ctx, key, entry.Nutrients.Neg().Deltas()...)
	})
	if err != nil {
		return s.partialWrite(key, id, "remove", err)
	}

	s.logger.Info("entry removed",
		zap.String("user_id", string(userID)),
		zap.Stringer("date", date),
		zap.String("entry_id", string(id)),
	)
	return nil
}

// ListEntries returns the day's entries, most recent first.
func (s *Service) ListEntries(ctx context.Context, userID UserID, date Date) ([]FoodEntry, error) {
	key, err := validateKey(userID, date)
	if err != nil {
		return nil, err
	}
	var entries []FoodEntry
	err = s.call(ctx, "list entries", func(ctx context.Context) error {
		var err error
		entries, err = s.store.ListEntries(ctx, key)
		return err
	})
	return entries, err
}

// partialWrite logs the gap distinctly from ordinary failures and queues the
// day for reconciliation. The enqueue gets its own context since the
// request's may already be spent.
func (s *Service) partialWrite(key DayKey, id EntryID, op string, cause error) error {
	s.logger.Error("entry and daily totals out of sync",
		zap.String("consistency", "partial_write_risk"),
		zap.String("op", op),
		zap.String("user_id", string(key.UserID)),
		zap.Stringer("date", key.Date),
		zap.String("entry_id", string(id)),
		zap.Error(cause),
	)

	timeout := s.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.store.EnqueueReconciliation(ctx, key, op+" "+string(id)); err != nil {
		s.logger.Warn("could not queue reconciliation",
			zap.String("user_id", string(key.UserID)),
			zap.Stringer("date", key.Date),
			zap.Error(err),
		)
	}
	return &PartialWriteError{Key: key, EntryID: id, Op: op, Err: cause}
}

// =============================================================================
// WELLNESS SCALARS
// =============================================================================

// SetWaterIntake adds deltaGlasses (may be negative) to the day's water count.
// Water is cumulative and never drops below zero. A delta beyond
// ±MaxGlasses is rejected.
func (s *Service) SetWaterIntake(ctx context.Context, userID UserID, date Date, deltaGlasses int64) (DailyRecord, error) {
	if deltaGlasses > MaxGlasses || deltaGlasses < -MaxGlasses {
		return DailyRecord{}, fmt.Errorf("%w: water delta %d exceeds %d glasses", ErrInvalidField, deltaGlasses, MaxGlasses)
	}
	return s.mutate(ctx, userID, date, "increment water", func(ctx context.Context, key DayKey) error {
		return s.store.Increment(ctx, key, Delta{Field: FieldWater, Amount: decimal.NewFromInt(deltaGlasses)})
	})
}

// SetSteps overwrites the step count. Negative counts are stored as 0;
// counts above MaxSteps are rejected.
func (s *Service) SetSteps(ctx context.Context, userID UserID, date Date, steps int64) (DailyRecord, error) {
	if steps > MaxSteps {
		return DailyRecord{}, fmt.Errorf("%w: %d steps exceeds %d", ErrInvalidField, steps, MaxSteps)
	}
	if steps < 0 {
		steps = 0
	}
	return s.setField(ctx, userID, date, FieldSteps, steps)
}

// SetSleepHours overwrites sleep, clamped to [0, 24].
func (s *Service) SetSleepHours(ctx context.Context, userID UserID, date Date, hours decimal.Decimal) (DailyRecord, error) {
	if hours.IsNegative() {
		hours = decimal.Zero
	}
	hours, ok := BoundAmount(hours)
	if !ok || hours.GreaterThan(maxSleepHours) {
		hours = maxSleepHours
	}
	return s.setField(ctx, userID, date, FieldSleep, hours)
}

func (s *Service) SetMood(ctx context.Context, userID UserID, date Date, mood Mood) (DailyRecord, error) {
	if !mood.Valid() {
		return DailyRecord{}, fmt.Errorf("%w: %q", ErrInvalidMood, mood)
	}
	return s.setField(ctx, userID, date, FieldMood, mood)
}

// SetCaloriesOverride absolute-sets totalCalories. Entry increments made
// afterwards apply on top of the new value. Values above MaxAmount are
// rejected.
func (s *Service) SetCaloriesOverride(ctx context.Context, userID UserID, date Date, calories decimal.Decimal) (DailyRecord, error) {
	if calories.IsNegative() {
		calories = decimal.Zero
	}
	calories, ok := BoundAmount(calories)
	if !ok {
		return DailyRecord{}, fmt.Errorf("%w: calories exceed %s", ErrInvalidField, MaxAmount)
	}
	return s.setField(ctx, userID, date, FieldCalories, calories)
}

func (s *Service) setField(ctx context.Context, userID UserID, date Date, field Field, value any) (DailyRecord, error) {
	return s.mutate(ctx, userID, date, "set "+string(field), func(ctx context.Context, key DayKey) error {
		return s.store.SetField(ctx, key, field, value)
	})
}

// mutate is get-or-create, one field write, then a read of the result.
func (s *Service) mutate(ctx context.Context, userID UserID, date Date, op string, write func(context.Context, DayKey) error) (DailyRecord, error) {
	key, err := validateKey(userID, date)
	if err != nil {
		return DailyRecord{}, err
	}
	if _, err := s.getOrCreate(ctx, key); err != nil {
		return DailyRecord{}, err
	}
	if err := s.call(ctx, op, func(ctx context.Context) error { return write(ctx, key) }); err != nil {
		return DailyRecord{}, err
	}

	var record *DailyRecord
	err = s.call(ctx, "get daily record", func(ctx context.Context) error {
		var err error
		record, err = s.store.GetRecord(ctx, key)
		return err
	})
	if err != nil {
		return DailyRecord{}, err
	}
	if record == nil {
		return DailyRecord{}, NewStorageError("get daily record", fmt.Errorf("record %s vanished after write", key))
	}
	return *record, nil
}
