package kitchen

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

const dateLayout = "2006-01-02"

// MaxPlanDays bounds the length of a meal plan.
const MaxPlanDays = 14

type DietaryGoals struct {
	DailyCalories *float64 `json:"daily_calories,omitempty" jsonschema_description:"Daily calorie target"`
	ProteinGrams  *float64 `json:"protein_grams,omitempty" jsonschema_description:"Daily protein target in grams"`
	CarbsGrams    *float64 `json:"carbs_grams,omitempty" jsonschema_description:"Daily carbohydrate target in grams"`
	FatGrams      *float64 `json:"fat_grams,omitempty" jsonschema_description:"Daily fat target in grams"`
}

type Meal struct {
	Date        string `json:"date" jsonschema:"format=date" jsonschema_description:"Date of the meal (YYYY-MM-DD)"`
	Type        string `json:"type" jsonschema:"enum=breakfast,enum=lunch,enum=dinner,enum=snack" jsonschema_description:"Meal slot"`
	RecipeID    string `json:"recipe_id,omitempty" jsonschema_description:"Saved recipe to cook"`
	RecipeTitle string `json:"recipe_title,omitempty" jsonschema_description:"Title when no saved recipe is referenced"`
	Notes       string `json:"notes,omitempty" jsonschema_description:"Free-form notes"`
}

// MealPlanInput is the payload of a new meal plan.
type MealPlanInput struct {
	Name            string        `json:"name" jsonschema:"minLength=1" jsonschema_description:"Plan name"`
	StartDate       string        `json:"start_date" jsonschema:"format=date" jsonschema_description:"First day of the plan (YYYY-MM-DD)"`
	Days            int           `json:"days" jsonschema:"minimum=1,maximum=14" jsonschema_description:"Number of days covered (1-14)"`
	Goals           *DietaryGoals `json:"goals,omitempty" jsonschema_description:"Nutrition targets the plan aims for"`
	FamilyMemberIDs []string      `json:"family_member_ids,omitempty" jsonschema_description:"Family members the plan feeds"`
	Meals           []Meal        `json:"meals" jsonschema_description:"Planned meals"`
}

type MealPlanDay struct {
	Date  string `json:"date"`
	Meals []Meal `json:"meals"`
}

type MealPlan struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Name            string        `json:"name"`
	StartDate       string        `json:"start_date"`
	EndDate         string        `json:"end_date"`
	Days            []MealPlanDay `json:"days"`
	Goals           *DietaryGoals `json:"goals"`
	FamilyMemberIDs []string      `json:"family_member_ids"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// CreateMealPlan stores a plan. Meals are grouped into days by date in the
// order their dates first appear.
func (s *Service) CreateMealPlan(ctx context.Context, userID string, in MealPlanInput) (*MealPlan, error) {
	userID = userOrDemo(userID)
	start, err := time.Parse(dateLayout, in.StartDate)
	if err != nil {
		return nil, &ValidationError{Field: "start_date", Reason: "must be a YYYY-MM-DD date"}
	}
	if in.Days < 1 || in.Days > MaxPlanDays {
		return nil, &ValidationError{Field: "days", Reason: fmt.Sprintf("must be between 1 and %d", MaxPlanDays)}
	}

	var days []MealPlanDay
	index := map[string]int{}
	for i, m := range in.Meals {
		if _, err := time.Parse(dateLayout, m.Date); err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("meals[%d].date", i), Reason: "must be a YYYY-MM-DD date"}
		}
		pos, ok := index[m.Date]
		if !ok {
			pos = len(days)
			index[m.Date] = pos
			days = append(days, MealPlanDay{Date: m.Date})
		}
		days[pos].Meals = append(days[pos].Meals, m)
	}
	if days == nil {
		days = []MealPlanDay{}
	}
	family := in.FamilyMemberIDs
	if family == nil {
		family = []string{}
	}

	now := s.now().UTC()
	p := &MealPlan{
		ID:              s.newID(),
		UserID:          userID,
		Name:            in.Name,
		StartDate:       in.StartDate,
		EndDate:         start.AddDate(0, 0, in.Days-1).Format(dateLayout),
		Days:            days,
		Goals:           in.Goals,
		FamilyMemberIDs: family,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := putJSON(ctx, s.store, collMealPlans, p.ID, p, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "meal_plan.create", slog.String("meal_plan_id", p.ID), slog.Int("meals", len(in.Meals)))
	return p, nil
}

// ListMealPlans returns the user's plans ordered by start date, latest first.
func (s *Service) ListMealPlans(ctx context.Context, userID string) ([]MealPlan, error) {
	plans, err := listJSON[MealPlan](ctx, s.store, collMealPlans, storage.WithUser(userOrDemo(userID)))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].StartDate > plans[j].StartDate })
	return plans, nil
}

// MealPlan returns one plan or ErrNotFound.
func (s *Service) MealPlan(ctx context.Context, userID, id string) (*MealPlan, error) {
	return getJSON[MealPlan](ctx, s.store, collMealPlans, id, storage.WithUser(userOrDemo(userID)))
}

// CurrentMealPlan returns the first plan covering today, or ErrNotFound.
func (s *Service) CurrentMealPlan(ctx context.Context, userID string) (*MealPlan, error) {
	plans, err := listJSON[MealPlan](ctx, s.store, collMealPlans, storage.WithUser(userOrDemo(userID)))
	if err != nil {
		return nil, err
	}
	today := s.now().UTC().Format(dateLayout)
	for i := range plans {
		if plans[i].StartDate <= today && plans[i].EndDate >= today {
			return &plans[i], nil
		}
	}
	return nil, fmt.Errorf("current meal plan: %w", ErrNotFound)
}
