package kitchen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mealmate/mealmate-mcp/storage"
)

// ingredientCategories is checked in order; the first keyword contained in
// the lowercased ingredient name wins.
var ingredientCategories = []struct{ keyword, category string }{
	{"tomato", "produce"}, {"onion", "produce"}, {"garlic", "produce"}, {"lettuce", "produce"},
	{"spinach", "produce"}, {"carrot", "produce"}, {"potato", "produce"}, {"apple", "produce"},
	{"banana", "produce"}, {"lemon", "produce"},
	{"milk", "dairy"}, {"cheese", "dairy"}, {"butter", "dairy"}, {"yogurt", "dairy"},
	{"cream", "dairy"}, {"egg", "dairy"},
	{"chicken", "meat"}, {"beef", "meat"}, {"pork", "meat"}, {"fish", "meat"}, {"salmon", "meat"},
	{"flour", "pantry"}, {"sugar", "pantry"}, {"salt", "pantry"}, {"pepper", "pantry"},
	{"oil", "pantry"}, {"rice", "pantry"}, {"pasta", "pantry"},
	{"frozen", "frozen"},
	{"bread", "bakery"},
}

// CategorizeIngredient maps an ingredient name to a store aisle.
func CategorizeIngredient(name string) string {
	lower := strings.ToLower(name)
	for _, c := range ingredientCategories {
		if strings.Contains(lower, c.keyword) {
			return c.category
		}
	}
	return "other"
}

type ShoppingItem struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Amount    float64  `json:"amount"`
	Unit      string   `json:"unit"`
	Category  string   `json:"category"`
	Checked   bool     `json:"checked"`
	RecipeIDs []string `json:"recipe_ids"`
}

type ShoppingList struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	MealPlanID *string        `json:"meal_plan_id"`
	Name       string         `json:"name"`
	Items      []ShoppingItem `json:"items"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// GenerateShoppingList aggregates the ingredients of every recipe referenced
// by the plan. Ingredients sharing a name and unit (case-insensitively) are
// summed. Referenced recipes that no longer exist are skipped.
func (s *Service) GenerateShoppingList(ctx context.Context, userID, mealPlanID, name string) (*ShoppingList, error) {
	userID = userOrDemo(userID)
	plan, err := s.MealPlan(ctx, userID, mealPlanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("meal plan not found: %s: %w", mealPlanID, ErrNotFound)
		}
		return nil, err
	}

	var recipeIDs []string
	seen := map[string]bool{}
	for _, day := range plan.Days {
		for _, m := range day.Meals {
			if m.RecipeID != "" && !seen[m.RecipeID] {
				seen[m.RecipeID] = true
				recipeIDs = append(recipeIDs, m.RecipeID)
			}
		}
	}

	byKey := map[string]*ShoppingItem{}
	var items []*ShoppingItem
	for _, rid := range recipeIDs {
		r, err := s.Recipe(ctx, userID, rid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.log.WarnContext(ctx, "shopping_list.recipe.miss", slog.String("recipe_id", rid))
				continue
			}
			return nil, err
		}
		for _, ing := range r.Ingredients {
			key := strings.ToLower(ing.Name) + "-" + strings.ToLower(ing.Unit)
			if it, ok := byKey[key]; ok {
				it.Amount += ing.Amount
				if !slices.Contains(it.RecipeIDs, rid) {
					it.RecipeIDs = append(it.RecipeIDs, rid)
				}
				continue
			}
			it := &ShoppingItem{
				ID:        s.newID(),
				Name:      ing.Name,
				Amount:    ing.Amount,
				Unit:      ing.Unit,
				Category:  CategorizeIngredient(ing.Name),
				RecipeIDs: []string{rid},
			}
			byKey[key] = it
			items = append(items, it)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})

	if name == "" {
		name = "Shopping list for " + plan.Name
	}
	now := s.now().UTC()
	planID := plan.ID
	list := &ShoppingList{
		ID:         s.newID(),
		UserID:     userID,
		MealPlanID: &planID,
		Name:       name,
		Items:      make([]ShoppingItem, 0, len(items)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, it := range items {
		list.Items = append(list.Items, *it)
	}
	if err := putJSON(ctx, s.store, collShopping, list.ID, list, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "shopping_list.generate", slog.String("shopping_list_id", list.ID), slog.Int("items", len(list.Items)))
	return list, nil
}

// ShoppingList returns one list or ErrNotFound.
func (s *Service) ShoppingList(ctx context.Context, userID, id string) (*ShoppingList, error) {
	return getJSON[ShoppingList](ctx, s.store, collShopping, id, storage.WithUser(userOrDemo(userID)))
}

// ListShoppingLists returns the user's lists, newest first.
func (s *Service) ListShoppingLists(ctx context.Context, userID string) ([]ShoppingList, error) {
	lists, err := listJSON[ShoppingList](ctx, s.store, collShopping, storage.WithUser(userOrDemo(userID)))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].CreatedAt.After(lists[j].CreatedAt) })
	return lists, nil
}

// ToggleShoppingItem sets the checked flag of the item at index.
func (s *Service) ToggleShoppingItem(ctx context.Context, userID, listID string, index int, checked bool) (*ShoppingList, error) {
	userID = userOrDemo(userID)
	list, err := s.ShoppingList(ctx, userID, listID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(list.Items) {
		return nil, &ValidationError{Field: "item_index", Reason: fmt.Sprintf("item index %d out of bounds", index)}
	}
	list.Items[index].Checked = checked
	list.UpdatedAt = s.now().UTC()
	if err := putJSON(ctx, s.store, collShopping, list.ID, list, storage.WithUser(userID)); err != nil {
		return nil, err
	}
	return list, nil
}
