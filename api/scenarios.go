/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Seeds realistic data for the calling user so the UI has something to
	show. Everything goes through the Service, so totals are built by the
	same increments a real client would trigger.

AVAILABLE SCENARIOS:

	demo-week:     Seven days of meals, water, steps, sleep and mood
	cutting-phase: Lower calorie goals and three lighter days

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "demo-week", "end": "2024-03-07"}

	"end" is optional and defaults to today (UTC).

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, user, end)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios add to whatever the user already logged. Load them into an
	empty account.

SEE ALSO:
  - handlers.go: Shared helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-week",
		Name:        "Demo Week",
		Description: "Seven days of meals, water, steps, sleep and mood with default goals",
	},
	{
		ID:          "cutting-phase",
		Name:        "Cutting Phase",
		Description: "1600 kcal goal with three lighter days",
	},
}

type meal struct {
	name                               string
	calories, protein, carbs, fat, fib float64
	analysis                           nutrition.AnalysisType
}

var menu = []meal{
	{"Oatmeal with berries", 320, 11, 54, 6, 8, nutrition.AnalysisManual},
	{"Chicken salad", 450, 38, 18, 24, 6, nutrition.AnalysisAIImage},
	{"Salmon with rice", 610, 42, 58, 21, 3, nutrition.AnalysisAIImage},
	{"Greek yogurt", 150, 15, 8, 4, 0, nutrition.AnalysisManual},
	{"Lentil soup", 380, 24, 52, 7, 15, nutrition.AnalysisAIName},
	{"Apple", 95, 0.5, 25, 0.3, 4.4, nutrition.AnalysisManual},
}

var moods = []nutrition.Mood{
	nutrition.MoodGood, nutrition.MoodGreat, nutrition.MoodNeutral, nutrition.MoodGood,
	nutrition.MoodBad, nutrition.MoodGreat, nutrition.MoodGood,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a predefined scenario for the caller.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ScenarioID string `json:"scenario_id"`
		End        string `json:"end"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	end := nutrition.Today()
	if req.End != "" {
		d, err := nutrition.ParseDate(req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date", err)
			return
		}
		end = d
	}

	ctx := r.Context()

	var err error
	switch req.ScenarioID {
	case "demo-week":
		err = h.loadDemoWeekScenario(ctx, user, end)
	case "cutting-phase":
		err = h.loadCuttingPhaseScenario(ctx, user, end)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		h.writeServiceError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.Logger.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.String("user_id", string(user)),
		zap.Stringer("end", end),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDemoWeekScenario(ctx context.Context, user nutrition.UserID, end nutrition.Date) error {
	for i := 0; i < 7; i++ {
		date := end.AddDays(i - 6)

		// Three meals, rotating through the menu
		for j := 0; j < 3; j++ {
			if err := h.logMeal(ctx, user, date, menu[(i+j)%len(menu)]); err != nil {
				return err
			}
		}
		if _, err := h.Service.SetWaterIntake(ctx, user, date, int64(5+i%4)); err != nil {
			return err
		}
		if _, err := h.Service.SetSteps(ctx, user, date, int64(6000+i*850)); err != nil {
			return err
		}
		if _, err := h.Service.SetSleepHours(ctx, user, date, decimal.NewFromFloat(6.5+float64(i%3)*0.5)); err != nil {
			return err
		}
		if _, err := h.Service.SetMood(ctx, user, date, moods[i]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadCuttingPhaseScenario(ctx context.Context, user nutrition.UserID, end nutrition.Date) error {
	calories := decimal.NewFromInt(1600)
	protein := decimal.NewFromInt(140)
	carbs := decimal.NewFromInt(150)
	fat := decimal.NewFromInt(50)
	steps := int64(12000)
	if _, err := h.Service.UpsertGoals(ctx, user, nutrition.GoalsPatch{
		Calories: &calories,
		Protein:  &protein,
		Carbs:    &carbs,
		Fat:      &fat,
		Steps:    &steps,
	}); err != nil {
		return err
	}

	light := []meal{menu[0], menu[1], menu[3], menu[5]}
	for i := 0; i < 3; i++ {
		date := end.AddDays(i - 2)
		for _, m := range light {
			if err := h.logMeal(ctx, user, date, m); err != nil {
				return err
			}
		}
		if _, err := h.Service.SetSteps(ctx, user, date, int64(11000+i*1200)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) logMeal(ctx context.Context, user nutrition.UserID, date nutrition.Date, m meal) error {
	_, err := h.Service.AddEntry(ctx, user, date, nutrition.EntryInput{
		Name:         m.name,
		Calories:     m.calories,
		Protein:      m.protein,
		Carbs:        m.carbs,
		Fat:          m.fat,
		Fiber:        m.fib,
		AnalysisType: m.analysis,
		HealthScore:  7,
		Metadata:     map[string]any{"source": "scenario"},
	})
	return err
}
