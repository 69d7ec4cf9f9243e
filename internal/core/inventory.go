package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bakeops/internal/aggregation"
	"bakeops/internal/ledger"
	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

// IngredientInput describes a new ingredient.
type IngredientInput struct {
	ID       string
	ScopeID  string `validate:"required"`
	Name     string `validate:"required"`
	BaseUnit string `validate:"required,unit"`
}

// InventoryInput opens the lot ledger of one ingredient.
type InventoryInput struct {
	ID           string
	ScopeID      string `validate:"required"`
	IngredientID string `validate:"required"`
	DisplayUnit  string `validate:"required,unit"`
}

// PurchaseInput records a purchased lot. UnitCost is quoted per Unit.
type PurchaseInput struct {
	ID           string
	ScopeID      string    `validate:"required"`
	IngredientID string    `validate:"required"`
	Quantity     float64   `validate:"gt=0"`
	Unit         string    `validate:"required,unit"`
	UnitCost     float64   `validate:"gte=0"`
	PurchasedAt  time.Time `validate:"required"`
	ExpiresAt    *time.Time
	VendorID     *string
}

// AdjustmentInput sets a lot's remaining quantity after a count or waste.
type AdjustmentInput struct {
	LotID     string             `validate:"required"`
	Remaining float64            `validate:"gte=0"`
	Reason    domain.UsageReason `validate:"omitempty,oneof=ADJUSTMENT WASTE"`
	Note      string
}

// ValuationReport summarises one ledger in its display unit. TotalValue is
// computed per lot in the lot's own unit and cost.
type ValuationReport struct {
	ScopeID             string          `json:"scope_id"`
	IngredientID        string          `json:"ingredient_id"`
	InventoryID         string          `json:"inventory_id"`
	Unit                string          `json:"unit"`
	TotalQuantity       float64         `json:"total_quantity"`
	WeightedAverageCost decimal.Decimal `json:"weighted_average_cost"`
	TotalValue          decimal.Decimal `json:"total_value"`
	ExpiringSoon        []domain.Lot    `json:"expiring_soon"`
	Expired             []domain.Lot    `json:"expired"`
	AsOf                time.Time       `json:"as_of"`
}

// ErrInvalidScale is returned for run items with a non-positive scale.
var ErrInvalidScale = errors.New("scale must be positive")

// DefaultExpiryWindowDays is the ExpiringSoon horizon used when callers pass
// a non-positive window.
const DefaultExpiryWindowDays = 7

// CreateIngredient persists a new ingredient. Its category follows the base
// unit.
func (s *Service) CreateIngredient(ctx context.Context, in IngredientInput) (domain.Ingredient, Result, error) {
	var (
		created domain.Ingredient
		res     Result
	)
	err := s.run(ctx, "create_ingredient", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid ingredient: %w", err)
		}
		base, _ := units.Normalize(in.BaseUnit)
		category, _ := units.CategoryOf(base)
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreateIngredient(domain.Ingredient{
				Base:     domain.Base{ID: in.ID},
				ScopeID:  in.ScopeID,
				Name:     in.Name,
				BaseUnit: base,
				Category: string(category),
			})
			return err
		})
		return err
	})
	return created, res, err
}

// CreateInventory opens the ledger of an ingredient. The display unit must be
// convertible to the ingredient base unit.
func (s *Service) CreateInventory(ctx context.Context, in InventoryInput) (domain.Inventory, Result, error) {
	var (
		created domain.Inventory
		res     Result
	)
	err := s.run(ctx, "create_inventory", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid inventory: %w", err)
		}
		display, _ := units.Normalize(in.DisplayUnit)
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			ing, ok := tx.FindIngredient(in.IngredientID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityIngredient, ID: in.IngredientID}
			}
			if !units.CanConvert(ing.BaseUnit, display) {
				return fmt.Errorf("display unit %q is not convertible to base unit %q of %s", display, ing.BaseUnit, ing.Name)
			}
			var err error
			created, err = tx.CreateInventory(domain.Inventory{
				Base:         domain.Base{ID: in.ID},
				ScopeID:      in.ScopeID,
				IngredientID: in.IngredientID,
				DisplayUnit:  display,
			})
			return err
		})
		return err
	})
	return created, res, err
}

// RecordPurchase adds a lot to the ingredient ledger of the scope.
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (domain.Lot, Result, error) {
	var (
		created domain.Lot
		res     Result
	)
	err := s.run(ctx, "record_purchase", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid purchase: %w", err)
		}
		if in.ExpiresAt != nil && in.ExpiresAt.Before(in.PurchasedAt) {
			return fmt.Errorf("invalid purchase: expiry %s precedes purchase %s", in.ExpiresAt.Format(time.RFC3339), in.PurchasedAt.Format(time.RFC3339))
		}
		unit, _ := units.Normalize(in.Unit)
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			inv, ok := tx.FindInventoryForIngredient(in.ScopeID, in.IngredientID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityInventory, ID: in.ScopeID + "/" + in.IngredientID}
			}
			if !units.CanConvert(unit, inv.DisplayUnit) {
				s.opts.logger.Warn("purchase unit not convertible to display unit",
					"ingredient_id", in.IngredientID, "unit", unit, "display_unit", inv.DisplayUnit)
			}
			var err error
			created, err = tx.CreateLot(domain.Lot{
				Base:         domain.Base{ID: in.ID},
				InventoryID:  inv.ID,
				PurchaseQty:  in.Quantity,
				RemainingQty: in.Quantity,
				Unit:         unit,
				UnitCost:     in.UnitCost,
				PurchasedAt:  in.PurchasedAt.UTC(),
				ExpiresAt:    in.ExpiresAt,
				VendorID:     in.VendorID,
			})
			return err
		})
		return err
	})
	s.logWarnings("record_purchase", res)
	return created, res, err
}

// AdjustLot sets a lot's remaining quantity. A decrease is recorded as a
// usage record with reason ADJUSTMENT (or WASTE).
func (s *Service) AdjustLot(ctx context.Context, in AdjustmentInput) (domain.Lot, Result, error) {
	var (
		updated domain.Lot
		res     Result
	)
	err := s.run(ctx, "adjust_lot", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid adjustment: %w", err)
		}
		reason := in.Reason
		if reason == "" {
			reason = domain.UsageAdjustment
		}
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			lot, ok := tx.FindLot(in.LotID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityLot, ID: in.LotID}
			}
			var err error
			updated, err = tx.UpdateLot(lot.ID, lot.Revision, func(l *domain.Lot) error {
				l.RemainingQty = in.Remaining
				return nil
			})
			if err != nil {
				return err
			}
			if consumed := lot.RemainingQty - in.Remaining; consumed > 0 {
				_, err = tx.CreateUsageRecord(domain.UsageRecord{
					LotID:       lot.ID,
					InventoryID: lot.InventoryID,
					Quantity:    consumed,
					Unit:        lot.Unit,
					Reason:      reason,
					Note:        in.Note,
				})
			}
			return err
		})
		return err
	})
	s.logWarnings("adjust_lot", res)
	return updated, res, err
}

// LedgerValuation reports quantity, weighted-average cost, value and expiry
// status of one ledger. withinDays bounds the ExpiringSoon window.
func (s *Service) LedgerValuation(ctx context.Context, scopeID, ingredientID string, withinDays int) (ValuationReport, error) {
	var report ValuationReport
	err := s.run(ctx, "ledger_valuation", func(ctx context.Context) error {
		if withinDays <= 0 {
			withinDays = DefaultExpiryWindowDays
		}
		return s.store.View(ctx, func(view TransactionView) error {
			inv, ok := view.FindInventoryForIngredient(scopeID, ingredientID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityInventory, ID: scopeID + "/" + ingredientID}
			}
			l := ledger.FromInventory(inv, view.ListLots(inv.ID), ledger.WithLogger(s.opts.logger))
			now := s.now()
			report = ValuationReport{
				ScopeID:             scopeID,
				IngredientID:        ingredientID,
				InventoryID:         inv.ID,
				Unit:                inv.DisplayUnit,
				TotalQuantity:       l.TotalQuantity(),
				WeightedAverageCost: decimal.NewFromFloat(l.WeightedAverageCost()).Round(4),
				TotalValue:          decimal.NewFromFloat(l.TotalValue()).Round(2),
				ExpiringSoon:        nonNilLots(l.ExpiringSoon(now, withinDays)),
				Expired:             nonNilLots(l.Expired(now)),
				AsOf:                now,
			}
			return nil
		})
	})
	return report, err
}

// CheckInventory plans every requirement of items against current stock and
// returns the ingredients that would fall short. It never blocks: callers
// decide whether to proceed.
func (s *Service) CheckInventory(ctx context.Context, scopeID string, items []domain.ProductionRunItem) ([]domain.IngredientShortfall, error) {
	var shortfalls []domain.IngredientShortfall
	err := s.run(ctx, "check_inventory", func(ctx context.Context) error {
		return s.store.View(ctx, func(view TransactionView) error {
			scaled, err := scaleItems(view, items)
			if err != nil {
				return err
			}
			reqs := s.aggregator(view).BuildRequirements(scaled)
			for _, plan := range s.planRequirements(view, scopeID, reqs) {
				for _, p := range plan.plans {
					if p.HasShortfall {
						shortfalls = append(shortfalls, shortfallOf(plan.ingredientID, p))
					}
				}
			}
			return nil
		})
	})
	if shortfalls == nil {
		shortfalls = []domain.IngredientShortfall{}
	}
	return shortfalls, err
}

func (s *Service) aggregator(view TransactionView) *aggregation.Engine {
	return aggregation.New(aggregation.LookupFromSlice(view.ListIngredients()), aggregation.WithLogger(s.opts.logger))
}

func scaleItems(view TransactionView, items []domain.ProductionRunItem) ([]aggregation.ScaledRecipe, error) {
	scaled := make([]aggregation.ScaledRecipe, 0, len(items))
	for _, item := range items {
		if item.Scale <= 0 {
			return nil, fmt.Errorf("%w: recipe %s scale %g", ErrInvalidScale, item.RecipeID, item.Scale)
		}
		recipe, ok := view.FindRecipe(item.RecipeID)
		if !ok {
			return nil, domain.NotFoundError{Entity: domain.EntityRecipe, ID: item.RecipeID}
		}
		scaled = append(scaled, aggregation.Scale(recipe, item.Scale))
	}
	return scaled, nil
}

func shortfallOf(ingredientID string, p ledger.Plan) domain.IngredientShortfall {
	return domain.IngredientShortfall{
		IngredientID: ingredientID,
		Required:     p.TotalRequested,
		Available:    p.TotalFulfilled,
		Shortfall:    p.Shortfall,
		Unit:         p.Unit,
	}
}

func nonNilLots(lots []domain.Lot) []domain.Lot {
	if lots == nil {
		return []domain.Lot{}
	}
	return lots
}
