package kitchen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

type Preferences struct {
	Language         string   `json:"language"`
	Cuisines         []string `json:"cuisines,omitempty"`
	AvoidIngredients []string `json:"avoid_ingredients,omitempty"`
}

type FamilyMember struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	Name                string             `json:"name"`
	DietaryRestrictions []string           `json:"dietary_restrictions"`
	Preferences         *FamilyPreferences `json:"preferences"`
	CreatedAt           time.Time          `json:"created_at"`
}

type FamilyPreferences struct {
	PortionSize string   `json:"portion_size,omitempty"`
	Allergies   []string `json:"allergies,omitempty"`
}

type User struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Email        *string       `json:"email"`
	DietaryGoals *DietaryGoals `json:"dietary_goals"`
	Preferences  *Preferences  `json:"preferences"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type UserProfile struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	DietaryGoals        *DietaryGoals  `json:"dietary_goals"`
	DietaryRestrictions []string       `json:"dietary_restrictions"`
	Preferences         *Preferences   `json:"preferences"`
	FamilyMembers       []FamilyMember `json:"family_members"`
}

// GoalsUpdate replaces the macro targets and the restriction list.
type GoalsUpdate struct {
	DailyCalories       float64  `json:"daily_calories" jsonschema:"minimum=0" jsonschema_description:"Daily calorie target"`
	ProteinGrams        float64  `json:"protein_grams" jsonschema:"minimum=0" jsonschema_description:"Daily protein target in grams"`
	CarbsGrams          float64  `json:"carbs_grams" jsonschema:"minimum=0" jsonschema_description:"Daily carbohydrate target in grams"`
	FatGrams            float64  `json:"fat_grams" jsonschema:"minimum=0" jsonschema_description:"Daily fat target in grams"`
	DietaryRestrictions []string `json:"dietary_restrictions" jsonschema_description:"Restrictions such as vegetarian or gluten-free"`
}

// FamilyMemberInput adds a person to the household.
type FamilyMemberInput struct {
	Name                string             `json:"name"`
	DietaryRestrictions []string           `json:"dietary_restrictions,omitempty"`
	Preferences         *FamilyPreferences `json:"preferences,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func defaultGoals() *DietaryGoals {
	return &DietaryGoals{
		DailyCalories: ptr(2000.0),
		ProteinGrams:  ptr(150.0),
		CarbsGrams:    ptr(200.0),
		FatGrams:      ptr(65.0),
	}
}

func (s *Service) demoUser() *User {
	now := s.now().UTC()
	return &User{
		ID:           DemoUserID,
		Name:         "Demo User",
		DietaryGoals: defaultGoals(),
		Preferences:  &Preferences{Language: "en"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// user loads a stored user. The demo user exists implicitly.
func (s *Service) user(ctx context.Context, id string) (*User, error) {
	u, err := getJSON[User](ctx, s.store, collUsers, id)
	if errors.Is(err, ErrNotFound) && id == DemoUserID {
		return s.demoUser(), nil
	}
	return u, err
}

func (s *Service) restrictions(ctx context.Context, userID string) ([]string, error) {
	r, err := getJSON[[]string](ctx, s.store, collRestrictions, userID)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return *r, nil
}

// Profile assembles the user's profile. Unknown users get a guest profile
// with default goals.
func (s *Service) Profile(ctx context.Context, userID string) (*UserProfile, error) {
	userID = userOrDemo(userID)
	family, err := s.FamilyMembers(ctx, userID)
	if err != nil {
		return nil, err
	}
	restr, err := s.restrictions(ctx, userID)
	if err != nil {
		return nil, err
	}

	u, err := s.user(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &UserProfile{
			ID:                  userID,
			Name:                "Guest",
			DietaryGoals:        defaultGoals(),
			DietaryRestrictions: restr,
			Preferences:         &Preferences{Language: "en"},
			FamilyMembers:       family,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &UserProfile{
		ID:                  u.ID,
		Name:                u.Name,
		DietaryGoals:        u.DietaryGoals,
		DietaryRestrictions: restr,
		Preferences:         u.Preferences,
		FamilyMembers:       family,
	}, nil
}

// UpdateGoals stores the restrictions and merges the macro targets into the
// user's goals. For users without a stored record the merged goals are
// returned but not persisted.
func (s *Service) UpdateGoals(ctx context.Context, userID string, in GoalsUpdate) (*DietaryGoals, error) {
	userID = userOrDemo(userID)
	if in.DietaryRestrictions != nil {
		if err := putJSON(ctx, s.store, collRestrictions, userID, in.DietaryRestrictions); err != nil {
			return nil, err
		}
	}
	goals := &DietaryGoals{
		DailyCalories: ptr(in.DailyCalories),
		ProteinGrams:  ptr(in.ProteinGrams),
		CarbsGrams:    ptr(in.CarbsGrams),
		FatGrams:      ptr(in.FatGrams),
	}

	u, err := s.user(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return goals, nil
	}
	if err != nil {
		return nil, err
	}
	merged := goals
	if u.DietaryGoals != nil {
		cp := *u.DietaryGoals
		cp.DailyCalories, cp.ProteinGrams, cp.CarbsGrams, cp.FatGrams = goals.DailyCalories, goals.ProteinGrams, goals.CarbsGrams, goals.FatGrams
		merged = &cp
	}
	u.DietaryGoals = merged
	u.UpdatedAt = s.now().UTC()
	if err := putJSON(ctx, s.store, collUsers, u.ID, u); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "user.goals.update", slog.String("user_id", userID))
	return merged, nil
}

// AddFamilyMember records a household member for userID.
func (s *Service) AddFamilyMember(ctx context.Context, userID string, in FamilyMemberInput) (*FamilyMember, error) {
	userID = userOrDemo(userID)
	if in.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	restr := in.DietaryRestrictions
	if restr == nil {
		restr = []string{}
	}
	m := &FamilyMember{
		ID:                  s.newID(),
		UserID:              userID,
		Name:                in.Name,
		DietaryRestrictions: restr,
		Preferences:         in.Preferences,
		CreatedAt:           s.now().UTC(),
	}
	if err := putJSON(ctx, s.store, collFamily, m.ID, m, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	return m, nil
}

// FamilyMembers lists the user's household in insertion order.
func (s *Service) FamilyMembers(ctx context.Context, userID string) ([]FamilyMember, error) {
	return listJSON[FamilyMember](ctx, s.store, collFamily, storage.WithUser(userOrDemo(userID)))
}
