package kitchen

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

// Recipe categories accepted by SaveRecipe.
var RecipeCategories = []string{"breakfast", "lunch", "dinner", "snack", "dessert", "appetizer"}

type Ingredient struct {
	Name   string  `json:"name" jsonschema_description:"Ingredient name"`
	Amount float64 `json:"amount" jsonschema_description:"Quantity in the given unit"`
	Unit   string  `json:"unit" jsonschema_description:"Unit of measure, e.g. g, ml, cup, pcs"`
	Notes  string  `json:"notes,omitempty" jsonschema_description:"Preparation notes"`
}

type Nutrition struct {
	Calories float64  `json:"calories" jsonschema_description:"Calories per serving"`
	Protein  float64  `json:"protein" jsonschema_description:"Protein grams per serving"`
	Carbs    float64  `json:"carbs" jsonschema_description:"Carbohydrate grams per serving"`
	Fat      float64  `json:"fat" jsonschema_description:"Fat grams per serving"`
	Fiber    *float64 `json:"fiber,omitempty" jsonschema_description:"Fiber grams per serving"`
	Sugar    *float64 `json:"sugar,omitempty" jsonschema_description:"Sugar grams per serving"`
	Sodium   *float64 `json:"sodium,omitempty" jsonschema_description:"Sodium milligrams per serving"`
}

// RecipeInput is the payload of a new recipe.
type RecipeInput struct {
	Title           string       `json:"title" jsonschema:"minLength=1" jsonschema_description:"Recipe title"`
	Description     string       `json:"description,omitempty" jsonschema_description:"Short description"`
	Ingredients     []Ingredient `json:"ingredients" jsonschema:"minItems=1" jsonschema_description:"Ingredients with amounts"`
	Instructions    []string     `json:"instructions" jsonschema:"minItems=1" jsonschema_description:"Ordered preparation steps"`
	Nutrition       Nutrition    `json:"nutrition" jsonschema_description:"Nutrition facts per serving"`
	Servings        int          `json:"servings" jsonschema:"minimum=1" jsonschema_description:"Number of servings"`
	PrepTimeMinutes int          `json:"prep_time_minutes" jsonschema:"minimum=0" jsonschema_description:"Preparation time in minutes"`
	CookTimeMinutes int          `json:"cook_time_minutes" jsonschema:"minimum=0" jsonschema_description:"Cooking time in minutes"`
	Category        string       `json:"category" jsonschema:"enum=breakfast,enum=lunch,enum=dinner,enum=snack,enum=dessert,enum=appetizer" jsonschema_description:"Meal category"`
	Tags            []string     `json:"tags,omitempty" jsonschema_description:"Free-form tags"`
}

type Recipe struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Ingredients     []Ingredient `json:"ingredients"`
	Instructions    []string     `json:"instructions"`
	Nutrition       Nutrition    `json:"nutrition"`
	Servings        int          `json:"servings"`
	PrepTimeMinutes int          `json:"prep_time_minutes"`
	CookTimeMinutes int          `json:"cook_time_minutes"`
	Category        string       `json:"category"`
	Tags            []string     `json:"tags"`
	ImageURL        *string      `json:"image_url"`
	IsFavorite      bool         `json:"is_favorite"`
	Source          string       `json:"source"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// RecipeFilter narrows ListRecipes. Zero values do not filter.
type RecipeFilter struct {
	Category      string
	Search        string
	FavoritesOnly bool
	Limit         int
}

// SaveRecipe stores a new AI-generated recipe for userID.
func (s *Service) SaveRecipe(ctx context.Context, userID string, in RecipeInput) (*Recipe, error) {
	userID = userOrDemo(userID)
	if strings.TrimSpace(in.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Servings < 1 {
		return nil, &ValidationError{Field: "servings", Reason: "must be at least 1"}
	}
	now := s.now().UTC()
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	r := &Recipe{
		ID:              s.newID(),
		UserID:          userID,
		Title:           in.Title,
		Description:     in.Description,
		Ingredients:     in.Ingredients,
		Instructions:    in.Instructions,
		Nutrition:       in.Nutrition,
		Servings:        in.Servings,
		PrepTimeMinutes: in.PrepTimeMinutes,
		CookTimeMinutes: in.CookTimeMinutes,
		Category:        in.Category,
		Tags:            tags,
		Source:          "ai_generated",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := putJSON(ctx, s.store, collRecipes, r.ID, r, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "recipe.save", slog.String("recipe_id", r.ID))
	return r, nil
}

// ListRecipes returns the user's recipes, newest first.
func (s *Service) ListRecipes(ctx context.Context, userID string, f RecipeFilter) ([]Recipe, error) {
	all, err := listJSON[Recipe](ctx, s.store, collRecipes, storage.WithUser(userOrDemo(userID)))
	if err != nil {
		return nil, err
	}
	search := strings.ToLower(f.Search)
	out := make([]Recipe, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		r := all[i]
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if f.FavoritesOnly && !r.IsFavorite {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(r.Title), search) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Recipe returns one recipe or ErrNotFound.
func (s *Service) Recipe(ctx context.Context, userID, id string) (*Recipe, error) {
	return getJSON[Recipe](ctx, s.store, collRecipes, id, storage.WithUser(userOrDemo(userID)))
}

// ToggleFavorite flips the favorite flag.
func (s *Service) ToggleFavorite(ctx context.Context, userID, id string) (*Recipe, error) {
	userID = userOrDemo(userID)
	r, err := s.Recipe(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	r.IsFavorite = !r.IsFavorite
	r.UpdatedAt = s.now().UTC()
	if err := putJSON(ctx, s.store, collRecipes, r.ID, r, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteRecipe removes a recipe or returns ErrNotFound.
func (s *Service) DeleteRecipe(ctx context.Context, userID, id string) error {
	if err := deleteRecord(ctx, s.store, collRecipes, id, storage.WithUser(userOrDemo(userID))); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "recipe.delete", slog.String("recipe_id", id))
	return nil
}
