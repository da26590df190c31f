package nutrition

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// EntryInput is the loosely typed payload handed over by the UI or an AI
// analyzer. Nutrient fields accept any JSON-ish value (numbers, numeric
// strings, nil). Anything missing, non-numeric, negative or above
// MaxAmount becomes 0; it is never rejected.
type EntryInput struct {
	Name            string
	Calories        any
	Protein         any
	Carbs           any
	Fat             any
	Fiber           any
	ServingSize     string
	AnalysisType    AnalysisType
	HealthScore     any
	Recommendations string
	Image           string
	Metadata        map[string]any
}

// Normalized is the result of coercing an EntryInput.
type Normalized struct {
	Nutrients    Nutrients
	HealthScore  decimal.Decimal
	AnalysisType AnalysisType
	// Coerced lists fields that were missing or malformed and defaulted to 0.
	Coerced []string
}

var maxHealthScore = decimal.NewFromInt(10)

// MaxAmount bounds every nutrient amount, calorie override and goal target.
var MaxAmount = decimal.NewFromInt(1_000_000_000)

// maxAmountDigits is the integer digit count of MaxAmount.
const maxAmountDigits = 10

// Normalize applies the lenient coercion rules. The same rules produce the
// stored entry, so removal subtracts exactly what addition added.
func (in EntryInput) Normalize() Normalized {
	var out Normalized
	coerce := func(name string, v any) decimal.Decimal {
		d, ok := CoerceAmount(v)
		if !ok {
			out.Coerced = append(out.Coerced, name)
		}
		return d
	}

	out.Nutrients = Nutrients{
		Calories: coerce("calories", in.Calories),
		Protein:  coerce("protein", in.Protein),
		Carbs:    coerce("carbs", in.Carbs),
		Fat:      coerce("fat", in.Fat),
		Fiber:    coerce("fiber", in.Fiber),
	}

	score := coerce("healthScore", in.HealthScore)
	if score.GreaterThan(maxHealthScore) {
		score = maxHealthScore
	}
	out.HealthScore = score

	out.AnalysisType = in.AnalysisType
	if !out.AnalysisType.Valid() {
		out.AnalysisType = AnalysisManual
	}
	return out
}

// CoerceAmount converts v into a non-negative amount rounded to Precision.
// ok is false when v was absent, unparseable, non-finite, negative or above
// MaxAmount; the returned amount is then 0.
func CoerceAmount(v any) (decimal.Decimal, bool) {
	d, ok := toDecimal(v)
	if !ok || d.IsNegative() {
		return decimal.Zero, false
	}
	return BoundAmount(d)
}

// BoundAmount rounds a non-negative d to Precision. ok is false when d
// exceeds MaxAmount.
//
// The magnitude is checked from the coefficient length and exponent before
// Round or any comparison: both rescale to a common exponent, which costs
// time and memory proportional to the exponent (1e5000000 is 9 bytes).
func BoundAmount(d decimal.Decimal) (decimal.Decimal, bool) {
	if d.IsZero() {
		return decimal.Zero, true
	}
	magnitude := d.NumDigits() + int(d.Exponent())
	switch {
	case magnitude > maxAmountDigits:
		return decimal.Zero, false
	case magnitude < -Precision:
		// Below 0.0001, rounds to zero.
		return decimal.Zero, true
	}
	d = d.Round(Precision)
	if d.GreaterThan(MaxAmount) {
		return decimal.Zero, false
	}
	return d, true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false
		}
		return *x, true
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint:
		return fromUint(uint64(x))
	case uint64:
		return fromUint(x)
	case json.Number:
		return fromString(x.String())
	case string:
		return fromString(x)
	}
	return decimal.Zero, false
}

func fromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func fromUint(u uint64) (decimal.Decimal, bool) {
	if u > math.MaxInt64 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(int64(u)), true
}

func fromString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
