package nutrition

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetGoals returns the user's goals, or DefaultGoals if none are stored.
func (s *Service) GetGoals(ctx context.Context, userID UserID) (Goals, error) {
	if userID == "" {
		return Goals{}, fmt.Errorf("%w: empty user id", ErrInvalidField)
	}
	var goals *Goals
	err := s.call(ctx, "get goals", func(ctx context.Context) error {
		var err error
		goals, err = s.store.GetGoals(ctx, userID)
		return err
	})
	if err != nil {
		return Goals{}, err
	}
	if goals == nil {
		return DefaultGoals(), nil
	}
	return *goals, nil
}

// UpsertGoals merge-writes only the fields set in patch. Negative or
// out-of-range targets are rejected. The Service never touches goals from the entry paths.
func (s *Service) UpsertGoals(ctx context.Context, userID UserID, patch GoalsPatch) (Goals, error) {
	if userID == "" {
		return Goals{}, fmt.Errorf("%w: empty user id", ErrInvalidField)
	}
	patch, err := normalizePatch(patch)
	if err != nil {
		return Goals{}, err
	}
	if !patch.IsEmpty() {
		err := s.call(ctx, "upsert goals", func(ctx context.Context) error {
			return s.store.UpsertGoals(ctx, userID, patch)
		})
		if err != nil {
			return Goals{}, err
		}
		s.logger.Info("goals updated", zap.String("user_id", string(userID)))
	}
	return s.GetGoals(ctx, userID)
}

// normalizePatch rejects negative or out-of-range targets and rounds the
// amounts to Precision.
func normalizePatch(p GoalsPatch) (GoalsPatch, error) {
	amounts := []struct {
		name  string
		value **decimal.Decimal
		max   decimal.Decimal
	}{
		{"calories", &p.Calories, MaxAmount},
		{"protein", &p.Protein, MaxAmount},
		{"carbs", &p.Carbs, MaxAmount},
		{"fat", &p.Fat, MaxAmount},
		{"sleep", &p.Sleep, maxSleepHours},
	}
	for _, a := range amounts {
		if *a.value == nil {
			continue
		}
		if (*a.value).IsNegative() {
			return GoalsPatch{}, fmt.Errorf("%w: negative %s goal", ErrInvalidField, a.name)
		}
		d, ok := BoundAmount(**a.value)
		if !ok || d.GreaterThan(a.max) {
			return GoalsPatch{}, fmt.Errorf("%w: %s goal exceeds %s", ErrInvalidField, a.name, a.max)
		}
		*a.value = &d
	}
	if p.Water != nil && (*p.Water < 0 || *p.Water > MaxGlasses) {
		return GoalsPatch{}, fmt.Errorf("%w: water goal must be within [0, %d]", ErrInvalidField, MaxGlasses)
	}
	if p.Steps != nil && (*p.Steps < 0 || *p.Steps > MaxSteps) {
		return GoalsPatch{}, fmt.Errorf("%w: steps goal must be within [0, %d]", ErrInvalidField, MaxSteps)
	}
	return p, nil
}
