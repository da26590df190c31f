/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts travel as JSON
  numbers. Internally they are decimals, so conversion happens here and
  nowhere else.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

LENIENT ENTRY PAYLOADS:
  AddEntryRequest nutrient fields are `any`. The body is decoded with
  UseNumber, so numbers arrive as json.Number and strings stay strings;
  both are handed to the ledger, which coerces bad values to 0.

SEE ALSO:
  - handlers.go: Uses these types
  - nutrition/coerce.go: Coercion rules
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/nutrition-ledger/nutrition"
)

// =============================================================================
// ENTRIES
// =============================================================================

// AddEntryRequest is the payload produced by the UI or an analyzer.
type AddEntryRequest struct {
	Name            string         `json:"name"`
	Calories        any            `json:"calories"`
	Protein         any            `json:"protein"`
	Carbs           any            `json:"carbs"`
	Fat             any            `json:"fat"`
	Fiber           any            `json:"fiber"`
	ServingSize     string         `json:"servingSize"`
	AnalysisType    string         `json:"analysisType"`
	HealthScore     any            `json:"healthScore"`
	Recommendations string         `json:"recommendations"`
	Image           string         `json:"image"`
	Metadata        map[string]any `json:"metadata"`
}

func (r AddEntryRequest) toInput() nutrition.EntryInput {
	return nutrition.EntryInput{
		Name:            r.Name,
		Calories:        r.Calories,
		Protein:         r.Protein,
		Carbs:           r.Carbs,
		Fat:             r.Fat,
		Fiber:           r.Fiber,
		ServingSize:     r.ServingSize,
		AnalysisType:    nutrition.AnalysisType(r.AnalysisType),
		HealthScore:     r.HealthScore,
		Recommendations: r.Recommendations,
		Image:           r.Image,
		Metadata:        r.Metadata,
	}
}

type NutrientsDTO struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Fiber    float64 `json:"fiber"`
}

type EntryDTO struct {
	ID              string         `json:"id"`
	Date            string         `json:"date"`
	Name            string         `json:"name"`
	NutrientsDTO                   // flattened
	ServingSize     string         `json:"servingSize,omitempty"`
	AnalysisType    string         `json:"analysisType"`
	HealthScore     float64        `json:"healthScore"`
	Recommendations string         `json:"recommendations,omitempty"`
	Image           string         `json:"image,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"createdAt"`
}

// =============================================================================
// DAILY RECORDS
// =============================================================================

type DailyRecordDTO struct {
	Date          string  `json:"date"`
	TotalCalories float64 `json:"totalCalories"`
	TotalProtein  float64 `json:"totalProtein"`
	TotalCarbs    float64 `json:"totalCarbs"`
	TotalFat      float64 `json:"totalFat"`
	TotalFiber    float64 `json:"totalFiber"`
	Water         int64   `json:"water"`
	Steps         int64   `json:"steps"`
	Sleep         float64 `json:"sleep"`
	Mood          string  `json:"mood"`
	CreatedAt     string  `json:"createdAt,omitempty"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
}

type WaterRequest struct {
	Glasses int64 `json:"glasses"`
}

type StepsRequest struct {
	Steps int64 `json:"steps"`
}

type SleepRequest struct {
	Hours decimal.Decimal `json:"hours"`
}

type MoodRequest struct {
	Mood string `json:"mood"`
}

type CaloriesRequest struct {
	Calories decimal.Decimal `json:"calories"`
}

type ReconcileDTO struct {
	Date    string       `json:"date"`
	Entries int          `json:"entries"`
	Before  NutrientsDTO `json:"before"`
	After   NutrientsDTO `json:"after"`
	Drifted bool         `json:"drifted"`
}

// =============================================================================
// GOALS AND SUMMARY
// =============================================================================

type GoalsDTO struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Water    int64   `json:"water"`
	Steps    int64   `json:"steps"`
	Sleep    float64 `json:"sleep"`
}

// GoalsPatchRequest only touches the fields present in the body.
type GoalsPatchRequest struct {
	Calories *decimal.Decimal `json:"calories"`
	Protein  *decimal.Decimal `json:"protein"`
	Carbs    *decimal.Decimal `json:"carbs"`
	Fat      *decimal.Decimal `json:"fat"`
	Water    *int64           `json:"water"`
	Steps    *int64           `json:"steps"`
	Sleep    *decimal.Decimal `json:"sleep"`
}

func (r GoalsPatchRequest) toPatch() nutrition.GoalsPatch {
	return nutrition.GoalsPatch(r)
}

type ProgressDTO struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Water    float64 `json:"water"`
	Steps    float64 `json:"steps"`
	Sleep    float64 `json:"sleep"`
}

type SummaryDTO struct {
	Start           string           `json:"start"`
	End             string           `json:"end"`
	Days            []DailyRecordDTO `json:"days"`
	Totals          NutrientsDTO     `json:"totals"`
	Average         NutrientsDTO     `json:"average"`
	AverageWater    float64          `json:"averageWater"`
	AverageSteps    float64          `json:"averageSteps"`
	AverageSleep    float64          `json:"averageSleep"`
	DaysWithEntries int              `json:"daysWithEntries"`
	Goals           GoalsDTO         `json:"goals"`
	Progress        ProgressDTO      `json:"progress"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func f64(d decimal.Decimal) float64 { return d.InexactFloat64() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toNutrientsDTO(n nutrition.Nutrients) NutrientsDTO {
	return NutrientsDTO{
		Calories: f64(n.Calories),
		Protein:  f64(n.Protein),
		Carbs:    f64(n.Carbs),
		Fat:      f64(n.Fat),
		Fiber:    f64(n.Fiber),
	}
}

func toEntryDTO(e nutrition.FoodEntry) EntryDTO {
	return EntryDTO{
		ID:              string(e.ID),
		Date:            e.Date.String(),
		Name:            e.Name,
		NutrientsDTO:    toNutrientsDTO(e.Nutrients),
		ServingSize:     e.ServingSize,
		AnalysisType:    string(e.AnalysisType),
		HealthScore:     f64(e.HealthScore),
		Recommendations: e.Recommendations,
		Image:           e.Image,
		Metadata:        e.Metadata,
		CreatedAt:       formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []nutrition.FoodEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toDailyRecordDTO(r nutrition.DailyRecord) DailyRecordDTO {
	return DailyRecordDTO{
		Date:          r.Date.String(),
		TotalCalories: f64(r.Totals.Calories),
		TotalProtein:  f64(r.Totals.Protein),
		TotalCarbs:    f64(r.Totals.Carbs),
		TotalFat:      f64(r.Totals.Fat),
		TotalFiber:    f64(r.Totals.Fiber),
		Water:         r.Water,
		Steps:         r.Steps,
		Sleep:         f64(r.Sleep),
		Mood:          string(r.Mood),
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
	}
}

func toDailyRecordDTOs(records []nutrition.DailyRecord) []DailyRecordDTO {
	dtos := make([]DailyRecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toDailyRecordDTO(r)
	}
	return dtos
}

func toGoalsDTO(g nutrition.Goals) GoalsDTO {
	return GoalsDTO{
		Calories: f64(g.Calories),
		Protein:  f64(g.Protein),
		Carbs:    f64(g.Carbs),
		Fat:      f64(g.Fat),
		Water:    g.Water,
		Steps:    g.Steps,
		Sleep:    f64(g.Sleep),
	}
}

func toSummaryDTO(s nutrition.RangeSummary) SummaryDTO {
	return SummaryDTO{
		Start:           s.Range.Start.String(),
		End:             s.Range.End.String(),
		Days:            toDailyRecordDTOs(s.Days),
		Totals:          toNutrientsDTO(s.Totals),
		Average:         toNutrientsDTO(s.Average),
		AverageWater:    f64(s.AverageWater),
		AverageSteps:    f64(s.AverageSteps),
		AverageSleep:    f64(s.AverageSleep),
		DaysWithEntries: s.DaysWithEntries,
		Goals:           toGoalsDTO(s.Goals),
		Progress: ProgressDTO{
			Calories: f64(s.Progress.Calories),
			Protein:  f64(s.Progress.Protein),
			Carbs:    f64(s.Progress.Carbs),
			Fat:      f64(s.Progress.Fat),
			Water:    f64(s.Progress.Water),
			Steps:    f64(s.Progress.Steps),
			Sleep:    f64(s.Progress.Sleep),
		},
	}
}

func toReconcileDTO(r nutrition.ReconcileResult) ReconcileDTO {
	return ReconcileDTO{
		Date:    r.Key.Date.String(),
		Entries: r.Entries,
		Before:  toNutrientsDTO(r.Before),
		After:   toNutrientsDTO(r.After),
		Drifted: r.Drifted,
	}
}
