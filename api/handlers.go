/*
handlers.go - HTTP API handlers for the nutrition ledger

PURPOSE:
  Exposes the ledger Service via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to the Service.
  The caller's user id always comes from the identity middleware, never
  from the URL or body.

ENDPOINTS:
  Days:
    GET    /api/days/{date}                    Get (or create) the day's record
    GET    /api/days/{date}/entries            List entries, most recent first
    POST   /api/days/{date}/entries            Add entry
    DELETE /api/days/{date}/entries/{entryID}  Remove entry
    POST   /api/days/{date}/water              Add glasses (may be negative)
    PUT    /api/days/{date}/steps              Set steps
    PUT    /api/days/{date}/sleep              Set sleep hours
    PUT    /api/days/{date}/mood               Set mood
    PUT    /api/days/{date}/calories           Override total calories
    POST   /api/days/{date}/reconcile          Rebuild totals from entries

  Reports:
    GET    /api/range?start=&end=              One record per day, gaps zero-filled
    GET    /api/week?end=                      Seven days ending at end (default today)
    GET    /api/summary?start=&end=            Totals, averages and goal progress

  Goals:
    GET    /api/goals                          Goals (defaults if never set)
    PATCH  /api/goals                          Partial update

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    POST   /api/scenarios/load                 Seed demo data for the caller

ERROR HANDLING:
  - 400: Invalid date, range, mood or field
  - 401: No identity
  - 404: Entry not found
  - 413: Request body over maxBodyBytes
  - 500: Partial write (entry and totals may disagree, day queued for repair)
  - 503: Store unavailable or timed out, safe to retry

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Identity and request logging
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *nutrition.Service
	Logger  *zap.Logger

	// Ping checks the store for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// NewHandler creates a new handler for the given service.
func NewHandler(svc *nutrition.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Healthz reports liveness, and store reachability when Ping is set.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// DAY HANDLERS
// =============================================================================

// GetDay returns the day's record, creating it if needed.
func (h *Handler) GetDay(w http.ResponseWriter, r *http.Request) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}
	rec, err := h.Service.GetOrCreateDailyRecord(r.Context(), user, date)
	if err != nil {
		h.writeServiceError(w, "Failed to get daily record", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyRecordDTO(rec))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}
	entries, err := h.Service.ListEntries(r.Context(), user, date)
	if err != nil {
		h.writeServiceError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// AddEntry logs a food entry. Malformed nutrient values are stored as 0.
func (h *Handler) AddEntry(w http.ResponseWriter, r *http.Request) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}

	var req AddEntryRequest
	if !readJSON(w, r, &req) {
		return
	}

	entry, err := h.Service.AddEntry(r.Context(), user, date, req.toInput())
	if err != nil {
		h.writeServiceError(w, "Failed to add entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}
	id := nutrition.EntryID(chi.URLParam(r, "entryID"))
	if err := h.Service.RemoveEntry(r.Context(), user, date, id); err != nil {
		h.writeServiceError(w, "Failed to remove entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddWater adds (or with a negative value, removes) glasses of water.
func (h *Handler) AddWater(w http.ResponseWriter, r *http.Request) {
	var req WaterRequest
	h.updateDay(w, r, &req, func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error) {
		return h.Service.SetWaterIntake(ctx, user, date, req.Glasses)
	})
}

func (h *Handler) SetSteps(w http.ResponseWriter, r *http.Request) {
	var req StepsRequest
	h.updateDay(w, r, &req, func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error) {
		return h.Service.SetSteps(ctx, user, date, req.Steps)
	})
}

func (h *Handler) SetSleep(w http.ResponseWriter, r *http.Request) {
	var req SleepRequest
	h.updateDay(w, r, &req, func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error) {
		return h.Service.SetSleepHours(ctx, user, date, req.Hours)
	})
}

func (h *Handler) SetMood(w http.ResponseWriter, r *http.Request) {
	var req MoodRequest
	h.updateDay(w, r, &req, func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error) {
		return h.Service.SetMood(ctx, user, date, nutrition.Mood(req.Mood))
	})
}

// SetCalories overrides the day's calorie total. Entries added afterwards
// are counted on top of it.
func (h *Handler) SetCalories(w http.ResponseWriter, r *http.Request) {
	var req CaloriesRequest
	h.updateDay(w, r, &req, func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error) {
		return h.Service.SetCaloriesOverride(ctx, user, date, req.Calories)
	})
}

func (h *Handler) ReconcileDay(w http.ResponseWriter, r *http.Request) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}
	res, err := h.Service.Reconcile(r.Context(), user, date)
	if err != nil {
		h.writeServiceError(w, "Failed to reconcile day", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(res))
}

// updateDay decodes the body into req, then runs a single-field update.
func (h *Handler) updateDay(w http.ResponseWriter, r *http.Request, req any,
	update func(ctx context.Context, user nutrition.UserID, date nutrition.Date) (nutrition.DailyRecord, error)) {
	user, date, ok := h.dayParams(w, r)
	if !ok {
		return
	}
	if !readJSON(w, r, req) {
		return
	}
	rec, err := update(r.Context(), user, date)
	if err != nil {
		h.writeServiceError(w, "Failed to update daily record", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyRecordDTO(rec))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetRange returns one record per day in [start, end].
// GET /api/range?start=2024-01-01&end=2024-01-31
func (h *Handler) GetRange(w http.ResponseWriter, r *http.Request) {
	user, start, end, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	days, err := h.Service.GetRange(r.Context(), user, start, end)
	if err != nil {
		h.writeServiceError(w, "Failed to get range", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyRecordDTOs(days))
}

// GetWeek returns the seven days ending at ?end (default: today, UTC).
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	end := nutrition.Today()
	if v := r.URL.Query().Get("end"); v != "" {
		d, err := nutrition.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date", err)
			return
		}
		end = d
	}
	days, err := h.Service.GetWeek(r.Context(), user, end)
	if err != nil {
		h.writeServiceError(w, "Failed to get week", err)
		return
	}
	writeJSON(w, http.StatusOK, toDailyRecordDTOs(days))
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	user, start, end, ok := h.rangeParams(w, r)
	if !ok {
		return
	}
	sum, err := h.Service.Summarize(r.Context(), user, start, end)
	if err != nil {
		h.writeServiceError(w, "Failed to summarize range", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// =============================================================================
// GOAL HANDLERS
// =============================================================================

func (h *Handler) GetGoals(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	goals, err := h.Service.GetGoals(r.Context(), user)
	if err != nil {
		h.writeServiceError(w, "Failed to get goals", err)
		return
	}
	writeJSON(w, http.StatusOK, toGoalsDTO(goals))
}

// PatchGoals merges the supplied fields into the stored goals.
func (h *Handler) PatchGoals(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req GoalsPatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	goals, err := h.Service.UpsertGoals(r.Context(), user, req.toPatch())
	if err != nil {
		h.writeServiceError(w, "Failed to update goals", err)
		return
	}
	writeJSON(w, http.StatusOK, toGoalsDTO(goals))
}

// =============================================================================
// HELPERS
// =============================================================================

func requireUser(w http.ResponseWriter, r *http.Request) (nutrition.UserID, bool) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity", nil)
	}
	return user, ok
}

func (h *Handler) dayParams(w http.ResponseWriter, r *http.Request) (nutrition.UserID, nutrition.Date, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return "", nutrition.Date{}, false
	}
	date, err := nutrition.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return "", nutrition.Date{}, false
	}
	return user, date, true
}

func (h *Handler) rangeParams(w http.ResponseWriter, r *http.Request) (nutrition.UserID, nutrition.Date, nutrition.Date, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return "", nutrition.Date{}, nutrition.Date{}, false
	}
	q := r.URL.Query()
	start, err := nutrition.ParseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date", err)
		return "", nutrition.Date{}, nutrition.Date{}, false
	}
	end, err := nutrition.ParseDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date", err)
		return "", nutrition.Date{}, nutrition.Date{}, false
	}
	return user, start, end, true
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// readJSON decodes the request body into v, keeping numbers as json.Number.
// It writes the error response and returns false on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	err := dec.Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err)
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

// writeServiceError maps ledger errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case nutrition.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case nutrition.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, nutrition.ErrPartialWrite):
		writeError(w, http.StatusInternalServerError, message, err)
	case nutrition.IsRetryable(err):
		h.Logger.Warn("store unavailable", zap.String("op", message), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Logger.Error("request failed", zap.String("op", message), zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
