package core

import (
	"context"
	"fmt"

	"bakeops/internal/ledger"
	"bakeops/internal/snapshot"
	"bakeops/internal/snapshot/serializers"
	"bakeops/pkg/domain"
)

// RecipeInput creates or replaces a recipe. An empty ID creates a new one.
type RecipeInput struct {
	ID        string
	ScopeID   string                 `validate:"required"`
	Name      string                 `validate:"required"`
	Yield     float64                `validate:"gt=0"`
	YieldUnit string                 `validate:"required"`
	Sections  []domain.RecipeSection `validate:"min=1"`
}

// SavedRecipe is the persisted recipe and the key of its SAVE snapshot.
// SnapshotKey is empty when the snapshot could not be written.
type SavedRecipe struct {
	Recipe      domain.Recipe
	Costing     serializers.RecipeSnapshot
	SnapshotKey string
	Result      Result
}

// SaveRecipe costs the recipe at the current weighted-average cost of each
// ingredient ledger, persists it with that cost, and then records a SAVE
// snapshot of the costed breakdown.
func (s *Service) SaveRecipe(ctx context.Context, in RecipeInput, actor *string) (SavedRecipe, error) {
	var out SavedRecipe
	err := s.run(ctx, "save_recipe", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid recipe: %w", err)
		}
		if err := validateLines(in.Sections); err != nil {
			return err
		}
		var costing serializers.RecipeCosting
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			recipe := domain.Recipe{
				Base:      domain.Base{ID: in.ID},
				ScopeID:   in.ScopeID,
				Name:      in.Name,
				Yield:     in.Yield,
				YieldUnit: in.YieldUnit,
				Sections:  in.Sections,
			}
			costing = serializers.RecipeCosting{Recipe: recipe, Costs: s.ingredientCosts(tx, in.ScopeID, recipe)}
			recipe.Cost = serializers.CostRecipe(costing).TotalCost

			var err error
			if _, exists := tx.FindRecipe(in.ID); in.ID != "" && exists {
				recipe, err = tx.UpdateRecipe(in.ID, func(r *domain.Recipe) error {
					r.ScopeID = recipe.ScopeID
					r.Name = recipe.Name
					r.Yield = recipe.Yield
					r.YieldUnit = recipe.YieldUnit
					r.Cost = recipe.Cost
					r.Sections = recipe.Sections
					return nil
				})
			} else {
				recipe, err = tx.CreateRecipe(recipe)
			}
			costing.Recipe = recipe
			return err
		})
		if err != nil {
			return err
		}
		out.Recipe = costing.Recipe
		out.Costing = serializers.CostRecipe(costing)
		out.Result = res
		if len(out.Costing.Uncosted) > 0 {
			s.opts.logger.Warn("recipe lines without cost basis", "recipe_id", out.Recipe.ID, "ingredients", out.Costing.Uncosted)
		}

		key, err := s.recipes.CreateSnapshot(ctx, costing, in.ScopeID, out.Recipe.ID, out.Recipe.Name, snapshot.TriggerSave, actor)
		if err != nil {
			s.opts.logger.Error("recipe snapshot failed", "recipe_id", out.Recipe.ID, "error", err)
			return nil
		}
		out.SnapshotKey = key
		return nil
	})
	return out, err
}

func validateLines(sections []domain.RecipeSection) error {
	for _, section := range sections {
		for _, line := range section.Lines {
			if line.IngredientID == "" {
				return fmt.Errorf("invalid recipe: section %q has a line without ingredient", section.Name)
			}
			if line.Quantity < 0 {
				return fmt.Errorf("invalid recipe: %s quantity %g is negative", line.IngredientID, line.Quantity)
			}
			if line.Unit == "" {
				return fmt.Errorf("invalid recipe: %s has no unit", line.IngredientID)
			}
		}
	}
	return nil
}

// ingredientCosts prices each ingredient of recipe at its ledger's
// weighted-average cost per display unit. Ingredients without a ledger or
// without stock have no cost basis.
func (s *Service) ingredientCosts(view TransactionView, scopeID string, recipe domain.Recipe) map[string]serializers.IngredientCost {
	costs := make(map[string]serializers.IngredientCost)
	for _, line := range recipe.Lines() {
		if _, done := costs[line.IngredientID]; done {
			continue
		}
		ing, ok := view.FindIngredient(line.IngredientID)
		if !ok {
			continue
		}
		inv, ok := view.FindInventoryForIngredient(scopeID, line.IngredientID)
		if !ok {
			continue
		}
		l := ledger.FromInventory(inv, view.ListLots(inv.ID), ledger.WithLogger(s.opts.logger))
		if l.TotalQuantity() <= 0 {
			continue
		}
		costs[line.IngredientID] = serializers.IngredientCost{
			Name:     ing.Name,
			UnitCost: l.WeightedAverageCost(),
			Unit:     inv.DisplayUnit,
		}
	}
	return costs
}

// RecipeHistory lists the snapshots of a recipe, newest first.
func (s *Service) RecipeHistory(ctx context.Context, scopeID, recipeID string, opts snapshot.ListOptions) ([]snapshot.Summary, error) {
	var out []snapshot.Summary
	err := s.run(ctx, "recipe_history", func(ctx context.Context) error {
		var err error
		out, err = s.recipes.ListSnapshots(ctx, scopeID, recipeID, opts)
		return err
	})
	return out, err
}

// LatestRecipeSnapshot returns the newest recipe snapshot in the current
// schema.
func (s *Service) LatestRecipeSnapshot(ctx context.Context, scopeID, recipeID string) (snapshot.Snapshot[serializers.RecipeSnapshot], error) {
	var snap snapshot.Snapshot[serializers.RecipeSnapshot]
	err := s.run(ctx, "latest_recipe_snapshot", func(ctx context.Context) error {
		var err error
		snap, err = s.recipes.GetLatestSnapshot(ctx, scopeID, recipeID)
		return err
	})
	return snap, err
}

// ListSnapshots lists snapshots of any registered entity type.
func (s *Service) ListSnapshots(ctx context.Context, scopeID, entityType, entityID string, opts snapshot.ListOptions) ([]snapshot.Summary, error) {
	var out []snapshot.Summary
	err := s.run(ctx, "list_snapshots", func(ctx context.Context) error {
		var err error
		out, err = s.reader.List(ctx, scopeID, entityType, entityID, opts)
		return err
	})
	return out, err
}

// GetSnapshot fetches one snapshot of any registered entity type.
func (s *Service) GetSnapshot(ctx context.Context, key string) (snapshot.Record, error) {
	var rec snapshot.Record
	err := s.run(ctx, "get_snapshot", func(ctx context.Context) error {
		var err error
		rec, err = s.reader.Fetch(ctx, key)
		return err
	})
	return rec, err
}

// CompareSnapshots diffs two snapshots of any registered entity type.
func (s *Service) CompareSnapshots(ctx context.Context, olderKey, newerKey string) (snapshot.Diff, error) {
	var diff snapshot.Diff
	err := s.run(ctx, "compare_snapshots", func(ctx context.Context) error {
		var err error
		diff, err = s.reader.Compare(ctx, olderKey, newerKey)
		return err
	})
	return diff, err
}
