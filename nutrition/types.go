/*
Package nutrition provides the daily nutrition ledger.

PURPOSE:
  Accumulates discrete food-intake events (FoodEntry) into per-user,
  per-day aggregate totals (DailyRecord), supports removal of entries,
  and answers multi-day range queries against the aggregates.

KEY CONCEPTS IN THIS FILE (types.go):
  - Nutrients:   The five tracked nutrient amounts (decimal, milli precision)
  - FoodEntry:   One immutable intake event, child of a day partition
  - DailyRecord: Running totals + wellness scalars for one (user, day)
  - Goals:       Per-user targets with fixed defaults
  - Field/Delta: Addressable DailyRecord fields for store-level writes

TWO REPRESENTATIONS:
  Entries are the event log, DailyRecord is the derived summary. They are
  kept in sync by the Service (ledger.go) using atomic increments, never
  by read-modify-write. Reporting (rollup.go) only reads summaries.

SEE ALSO:
  - ledger.go: Service that keeps entries and records consistent
  - store.go:  Persistence boundary
  - coerce.go: Lenient numeric normalization of incoming payloads
*/
package nutrition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the stable identity supplied by the identity provider.
// The ledger trusts it and performs no auth.
type UserID string

type EntryID string

// DayKey addresses one day partition. Every DailyRecord and every FoodEntry
// belongs to exactly one DayKey.
type DayKey struct {
	UserID UserID
	Date   Date
}

func (k DayKey) String() string { return string(k.UserID) + "/" + k.Date.String() }

// =============================================================================
// NUTRIENTS
// =============================================================================

// Precision is the number of decimal places kept for nutrient amounts.
// All stores agree on it so totals compare exactly across adapters.
const Precision = 3

type Nutrients struct {
	Calories decimal.Decimal
	Protein  decimal.Decimal
	Carbs    decimal.Decimal
	Fat      decimal.Decimal
	Fiber    decimal.Decimal
}

func (n Nutrients) Add(o Nutrients) Nutrients {
	return Nutrients{
		Calories: n.Calories.Add(o.Calories),
		Protein:  n.Protein.Add(o.Protein),
		Carbs:    n.Carbs.Add(o.Carbs),
		Fat:      n.Fat.Add(o.Fat),
		Fiber:    n.Fiber.Add(o.Fiber),
	}
}

func (n Nutrients) Neg() Nutrients {
	return Nutrients{
		Calories: n.Calories.Neg(),
		Protein:  n.Protein.Neg(),
		Carbs:    n.Carbs.Neg(),
		Fat:      n.Fat.Neg(),
		Fiber:    n.Fiber.Neg(),
	}
}

// DivInt divides every amount by d, rounded to Precision.
func (n Nutrients) DivInt(d int) Nutrients {
	if d <= 0 {
		return Nutrients{}
	}
	div := decimal.NewFromInt(int64(d))
	return Nutrients{
		Calories: n.Calories.Div(div),
		Protein:  n.Protein.Div(div),
		Carbs:    n.Carbs.Div(div),
		Fat:      n.Fat.Div(div),
		Fiber:    n.Fiber.Div(div),
	}.normalize()
}

// Equal compares numerically (0.50 == 0.5).
func (n Nutrients) Equal(o Nutrients) bool {
	return n.Calories.Equal(o.Calories) &&
		n.Protein.Equal(o.Protein) &&
		n.Carbs.Equal(o.Carbs) &&
		n.Fat.Equal(o.Fat) &&
		n.Fiber.Equal(o.Fiber)
}

func (n Nutrients) IsZero() bool { return n.Equal(Nutrients{}) }

// Deltas expands the amounts into per-field increments.
func (n Nutrients) Deltas() []Delta {
	return []Delta{
		{Field: FieldCalories, Amount: n.Calories},
		{Field: FieldProtein, Amount: n.Protein},
		{Field: FieldCarbs, Amount: n.Carbs},
		{Field: FieldFat, Amount: n.Fat},
		{Field: FieldFiber, Amount: n.Fiber},
	}
}

func (n Nutrients) normalize() Nutrients {
	return Nutrients{
		Calories: n.Calories.Round(Precision),
		Protein:  n.Protein.Round(Precision),
		Carbs:    n.Carbs.Round(Precision),
		Fat:      n.Fat.Round(Precision),
		Fiber:    n.Fiber.Round(Precision),
	}
}

// =============================================================================
// FOOD ENTRY - One intake event (immutable once stored)
// =============================================================================

type AnalysisType string

const (
	AnalysisManual   AnalysisType = "manual"
	AnalysisAIImage  AnalysisType = "ai_image"
	AnalysisAIName   AnalysisType = "ai_name"
	AnalysisAIRecipe AnalysisType = "ai_recipe"
)

func (a AnalysisType) Valid() bool {
	switch a {
	case AnalysisManual, AnalysisAIImage, AnalysisAIName, AnalysisAIRecipe:
		return true
	}
	return false
}

// FoodEntry is never updated in place. The only mutation is full deletion.
type FoodEntry struct {
	ID        EntryID
	UserID    UserID
	Date      Date
	CreatedAt time.Time

	Name            string
	Nutrients       Nutrients
	ServingSize     string
	AnalysisType    AnalysisType
	HealthScore     decimal.Decimal // 0-10
	Recommendations string
	Image           string // optional reference (URL or object key)
	Metadata        map[string]any
}

func (e FoodEntry) Key() DayKey { return DayKey{UserID: e.UserID, Date: e.Date} }

// =============================================================================
// DAILY RECORD - Aggregate for one (user, day)
// =============================================================================

type Mood string

const (
	MoodGreat    Mood = "great"
	MoodGood     Mood = "good"
	MoodNeutral  Mood = "neutral"
	MoodBad      Mood = "bad"
	MoodTerrible Mood = "terrible"
)

func (m Mood) Valid() bool {
	switch m {
	case MoodGreat, MoodGood, MoodNeutral, MoodBad, MoodTerrible:
		return true
	}
	return false
}

// DailyRecord holds the running nutrient totals (derived from entries) and
// the wellness scalars (set directly, no children).
type DailyRecord struct {
	UserID UserID
	Date   Date
	Totals Nutrients

	Water int64           // glasses, cumulative
	Steps int64           // last write wins
	Sleep decimal.Decimal // hours, last write wins
	Mood  Mood            // last write wins

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r DailyRecord) Key() DayKey { return DayKey{UserID: r.UserID, Date: r.Date} }

// NewDailyRecord returns the zeroed record a get-or-create inserts.
func NewDailyRecord(key DayKey, now time.Time) DailyRecord {
	return DailyRecord{
		UserID:    key.UserID,
		Date:      key.Date,
		Totals:    Nutrients{},
		Sleep:     decimal.Zero,
		Mood:      MoodNeutral,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// FIELDS - Addressable DailyRecord columns for Increment/SetField
// =============================================================================

type Field string

const (
	FieldCalories Field = "total_calories"
	FieldProtein  Field = "total_protein"
	FieldCarbs    Field = "total_carbs"
	FieldFat      Field = "total_fat"
	FieldFiber    Field = "total_fiber"
	FieldWater    Field = "water"
	FieldSteps    Field = "steps"
	FieldSleep    Field = "sleep"
	FieldMood     Field = "mood"
)

// FieldKind tells stores how a field is represented.
type FieldKind int

const (
	KindDecimal FieldKind = iota
	KindInteger
	KindText
)

func (f Field) Kind() FieldKind {
	switch f {
	case FieldWater, FieldSteps:
		return KindInteger
	case FieldMood:
		return KindText
	default:
		return KindDecimal
	}
}

func (f Field) Valid() bool {
	switch f {
	case FieldCalories, FieldProtein, FieldCarbs, FieldFat, FieldFiber,
		FieldWater, FieldSteps, FieldSleep, FieldMood:
		return true
	}
	return false
}

// Incrementable reports whether the field supports atomic increments.
func (f Field) Incrementable() bool {
	return f.Valid() && f.Kind() != KindText
}

// CheckFieldValue verifies value has the Go type SetField expects for field.
func CheckFieldValue(field Field, value any) error {
	if !field.Valid() {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidField, field)
	}
	ok := false
	switch field.Kind() {
	case KindDecimal:
		_, ok = value.(decimal.Decimal)
	case KindInteger:
		_, ok = value.(int64)
	case KindText:
		var m Mood
		m, ok = value.(Mood)
		if ok && !m.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidMood, m)
		}
	}
	if !ok {
		return fmt.Errorf("%w: %T is not a valid value for %s", ErrInvalidField, value, field)
	}
	return nil
}

// Delta is one signed per-field increment. For integer fields only the
// integer part of Amount is applied.
type Delta struct {
	Field  Field
	Amount decimal.Decimal
}

// =============================================================================
// GOALS - Per-user targets
// =============================================================================

type Goals struct {
	Calories decimal.Decimal
	Protein  decimal.Decimal
	Carbs    decimal.Decimal
	Fat      decimal.Decimal
	Water    int64
	Steps    int64
	Sleep    decimal.Decimal
}

// DefaultGoals is returned for users who never stored goals.
func DefaultGoals() Goals {
	return Goals{
		Calories: decimal.NewFromInt(2000),
		Protein:  decimal.NewFromInt(150),
		Carbs:    decimal.NewFromInt(250),
		Fat:      decimal.NewFromInt(65),
		Water:    8,
		Steps:    10000,
		Sleep:    decimal.NewFromInt(8),
	}
}

// GoalsPatch is a partial update: nil fields are left untouched.
type GoalsPatch struct {
	Calories *decimal.Decimal
	Protein  *decimal.Decimal
	Carbs    *decimal.Decimal
	Fat      *decimal.Decimal
	Water    *int64
	Steps    *int64
	Sleep    *decimal.Decimal
}

func (p GoalsPatch) IsEmpty() bool {
	return p.Calories == nil && p.Protein == nil && p.Carbs == nil && p.Fat == nil &&
		p.Water == nil && p.Steps == nil && p.Sleep == nil
}

// Apply merges the patch over g.
func (p GoalsPatch) Apply(g Goals) Goals {
	if p.Calories != nil {
		g.Calories = *p.Calories
	}
	if p.Protein != nil {
		g.Protein = *p.Protein
	}
	if p.Carbs != nil {
		g.Carbs = *p.Carbs
	}
	if p.Fat != nil {
		g.Fat = *p.Fat
	}
	if p.Water != nil {
		g.Water = *p.Water
	}
	if p.Steps != nil {
		g.Steps = *p.Steps
	}
	if p.Sleep != nil {
		g.Sleep = *p.Sleep
	}
	return g
}

// =============================================================================
// RECONCILIATION QUEUE
// =============================================================================

// PendingReconciliation marks a day whose totals may have drifted from its
// entries after a partial write.
type PendingReconciliation struct {
	ID         string
	Key        DayKey
	Reason     string
	EnqueuedAt time.Time
}
