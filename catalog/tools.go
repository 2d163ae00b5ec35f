package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mealmate/mealmate-mcp/kitchen"
	"github.com/mealmate/mealmate-mcp/mcp"
)

type getRecipesArgs struct {
	Category      string `json:"category,omitempty" jsonschema_description:"Filter by category"`
	Search        string `json:"search,omitempty" jsonschema_description:"Search term matched against title and description"`
	FavoritesOnly bool   `json:"favorites_only,omitempty" jsonschema_description:"Only return favorites"`
	Limit         int    `json:"limit,omitempty" jsonschema:"minimum=1" jsonschema_description:"Max number of recipes"`
}

type generateShoppingListArgs struct {
	MealPlanID string `json:"meal_plan_id" jsonschema:"minLength=1" jsonschema_description:"ID of the meal plan"`
	Name       string `json:"name,omitempty" jsonschema_description:"Optional name for the list"`
}

type toggleShoppingItemArgs struct {
	ShoppingListID string `json:"shopping_list_id" jsonschema:"minLength=1" jsonschema_description:"ID of the shopping list"`
	ItemIndex      int    `json:"item_index" jsonschema:"minimum=0" jsonschema_description:"Index of item to toggle"`
	Checked        bool   `json:"checked" jsonschema_description:"New checked state"`
}

type deleteRecipeArgs struct {
	RecipeID string `json:"recipe_id" jsonschema:"minLength=1" jsonschema_description:"ID of recipe to delete"`
}

type noArgs struct{}

type showRecipesArgs struct {
	Category string `json:"category,omitempty" jsonschema_description:"Filter by category"`
}

type showRecipeDetailArgs struct {
	RecipeID string `json:"recipe_id" jsonschema:"minLength=1" jsonschema_description:"ID of the recipe to show"`
}

type showMealPlanArgs struct {
	MealPlanID string `json:"meal_plan_id,omitempty" jsonschema_description:"ID of meal plan (optional, shows current if omitted)"`
}

type showShoppingListArgs struct {
	ShoppingListID string `json:"shopping_list_id,omitempty" jsonschema_description:"ID of shopping list (optional)"`
}

var (
	readOnly    = annotations{readOnly: true}
	mutating    = annotations{}
	destructive = annotations{destructive: true}
)

func (c *Catalog) definitions() []*tool {
	k := c.kitchen
	return []*tool{
		newTool("save_recipe", "Save Recipe",
			"Save a recipe to the user's collection. Use this after generating a recipe.", mutating,
			func(ctx context.Context, userID string, in kitchen.RecipeInput) (*mcp.CallToolResult, error) {
				r, err := k.SaveRecipe(ctx, userID, in)
				if err != nil {
					return nil, err
				}
				sc := toMap(in)
				sc["recipe_id"] = r.ID
				return result(`Recipe "`+r.Title+`" saved successfully!`, sc), nil
			}),

		newTool("get_recipes", "Get Recipes",
			"Retrieve saved recipes. Can filter by category, search term, or favorites.", readOnly,
			func(ctx context.Context, userID string, in getRecipesArgs) (*mcp.CallToolResult, error) {
				recipes, err := k.ListRecipes(ctx, userID, kitchen.RecipeFilter{
					Category:      in.Category,
					Search:        in.Search,
					FavoritesOnly: in.FavoritesOnly,
					Limit:         in.Limit,
				})
				if err != nil {
					return nil, err
				}
				return result(fmt.Sprintf("Found %d recipes.", len(recipes)), map[string]any{"recipes": recipes}), nil
			}),

		newTool("create_meal_plan", "Create Meal Plan",
			"Create a meal plan for specified days. Can include dietary goals and family members.", mutating,
			func(ctx context.Context, userID string, in kitchen.MealPlanInput) (*mcp.CallToolResult, error) {
				p, err := k.CreateMealPlan(ctx, userID, in)
				if err != nil {
					return nil, err
				}
				sc := toMap(in)
				sc["meal_plan_id"] = p.ID
				return result(`Meal plan "`+p.Name+`" created successfully!`, sc), nil
			}),

		newTool("generate_shopping_list", "Generate Shopping List",
			"Generate a shopping list from a meal plan by aggregating all ingredients.", mutating,
			func(ctx context.Context, userID string, in generateShoppingListArgs) (*mcp.CallToolResult, error) {
				l, err := k.GenerateShoppingList(ctx, userID, in.MealPlanID, in.Name)
				if err != nil {
					return nil, err
				}
				return result(fmt.Sprintf("Shopping list generated with %d items.", len(l.Items)),
					map[string]any{"shopping_list_id": l.ID, "items": l.Items}), nil
			}),

		newTool("toggle_shopping_item", "Toggle Shopping Item",
			"Check or uncheck a shopping list item.", mutating,
			func(ctx context.Context, userID string, in toggleShoppingItemArgs) (*mcp.CallToolResult, error) {
				if _, err := k.ToggleShoppingItem(ctx, userID, in.ShoppingListID, in.ItemIndex, in.Checked); err != nil {
					return nil, err
				}
				text := "Item unchecked."
				if in.Checked {
					text = "Item checked."
				}
				return result(text, map[string]any{"success": true}), nil
			}),

		newTool("delete_recipe", "Delete Recipe",
			"Delete a recipe from the user's collection.", destructive,
			func(ctx context.Context, userID string, in deleteRecipeArgs) (*mcp.CallToolResult, error) {
				if err := k.DeleteRecipe(ctx, userID, in.RecipeID); err != nil {
					return nil, err
				}
				return result("Recipe deleted successfully.", map[string]any{"success": true}), nil
			}),

		newTool("get_user_profile", "Get User Profile",
			"Get the user's profile including dietary goals and restrictions.", readOnly,
			func(ctx context.Context, userID string, _ noArgs) (*mcp.CallToolResult, error) {
				p, err := k.Profile(ctx, userID)
				if err != nil {
					return nil, err
				}
				return result("User profile retrieved.", map[string]any{"profile": p}), nil
			}),

		newTool("update_user_goals", "Update Dietary Goals",
			"Update the user's dietary goals and restrictions.", mutating,
			func(ctx context.Context, userID string, in kitchen.GoalsUpdate) (*mcp.CallToolResult, error) {
				g, err := k.UpdateGoals(ctx, userID, in)
				if err != nil {
					return nil, err
				}
				return result("Goals updated successfully.", map[string]any{"goals": g}), nil
			}),

		c.widgetTool(newTool("show_dashboard", "Show Dashboard",
			"Display the MealMate dashboard with overview of recipes, meal plans, and quick actions.", readOnly,
			func(ctx context.Context, userID string, _ noArgs) (*mcp.CallToolResult, error) {
				recipes, err := k.ListRecipes(ctx, userID, kitchen.RecipeFilter{})
				if err != nil {
					return nil, err
				}
				plans, err := k.ListMealPlans(ctx, userID)
				if err != nil {
					return nil, err
				}
				lists, err := k.ListShoppingLists(ctx, userID)
				if err != nil {
					return nil, err
				}
				return result("Displaying your MealMate dashboard.", map[string]any{
					"recipe_count":        len(recipes),
					"meal_plan_count":     len(plans),
					"shopping_list_count": len(lists),
				}), nil
			})),

		c.widgetTool(newTool("show_recipes", "Show Recipes",
			"Display the user's saved recipes in a list view.", readOnly,
			func(ctx context.Context, userID string, in showRecipesArgs) (*mcp.CallToolResult, error) {
				recipes, err := k.ListRecipes(ctx, userID, kitchen.RecipeFilter{Category: in.Category})
				if err != nil {
					return nil, err
				}
				return result("Displaying your recipes.", map[string]any{"category": in.Category, "recipes": recipes}), nil
			})),

		c.widgetTool(newTool("show_recipe_detail", "Show Recipe Detail",
			"Display detailed view of a specific recipe.", readOnly,
			func(ctx context.Context, userID string, in showRecipeDetailArgs) (*mcp.CallToolResult, error) {
				sc := map[string]any{"recipe_id": in.RecipeID}
				r, err := optional(k.Recipe(ctx, userID, in.RecipeID))
				if err != nil {
					return nil, err
				}
				if r != nil {
					sc["recipe"] = r
				}
				return result("Displaying recipe details.", sc), nil
			})),

		c.widgetTool(newTool("show_meal_plan", "Show Meal Plan",
			"Display the current or specified meal plan.", readOnly,
			func(ctx context.Context, userID string, in showMealPlanArgs) (*mcp.CallToolResult, error) {
				var (
					p   *kitchen.MealPlan
					err error
				)
				if in.MealPlanID != "" {
					p, err = optional(k.MealPlan(ctx, userID, in.MealPlanID))
				} else {
					p, err = optional(k.CurrentMealPlan(ctx, userID))
				}
				if err != nil {
					return nil, err
				}
				sc := map[string]any{"meal_plan_id": in.MealPlanID}
				if p != nil {
					sc["meal_plan_id"] = p.ID
					sc["meal_plan"] = p
				}
				return result("Displaying your meal plan.", sc), nil
			})),

		c.widgetTool(newTool("show_shopping_list", "Show Shopping List",
			"Display a shopping list.", readOnly,
			func(ctx context.Context, userID string, in showShoppingListArgs) (*mcp.CallToolResult, error) {
				var l *kitchen.ShoppingList
				if in.ShoppingListID != "" {
					var err error
					if l, err = optional(k.ShoppingList(ctx, userID, in.ShoppingListID)); err != nil {
						return nil, err
					}
				} else {
					lists, err := k.ListShoppingLists(ctx, userID)
					if err != nil {
						return nil, err
					}
					if len(lists) > 0 {
						l = &lists[0]
					}
				}
				sc := map[string]any{"shopping_list_id": in.ShoppingListID}
				if l != nil {
					sc["shopping_list_id"] = l.ID
					sc["shopping_list"] = l
				}
				return result("Displaying your shopping list.", sc), nil
			})),
	}
}

// optional turns a not-found lookup into a nil value. Widgets render an
// empty state for missing records.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, kitchen.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// WidgetID maps a show_* tool name to the widget it renders.
func WidgetID(toolName string) string {
	return "mealmate-" + strings.ReplaceAll(strings.TrimPrefix(toolName, "show_"), "_", "-")
}

// widgetTool attaches the rendered widget's meta to the descriptor and to
// every successful result.
func (c *Catalog) widgetTool(t *tool) *tool {
	w, ok := c.widgets.ByID(WidgetID(t.desc.Name))
	if !ok {
		return t
	}
	t.desc.Meta = w.Meta()
	inner := t.handle
	t.handle = func(ctx context.Context, userID string, raw json.RawMessage) (*mcp.CallToolResult, error) {
		res, err := inner(ctx, userID, raw)
		if err != nil {
			return nil, err
		}
		if cur, ok := c.widgets.ByID(w.ID); ok {
			res.Meta = cur.Meta()
		}
		return res, nil
	}
	return t
}
