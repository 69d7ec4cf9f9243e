package serializers

import (
	"encoding/json"
	"fmt"
	"time"

	"bakeops/internal/aggregation"
	"bakeops/internal/snapshot"
	"bakeops/pkg/domain"
)

// ProductionRunSchemaVersion is the current production run snapshot schema.
const ProductionRunSchemaVersion = 1

// AllocationSnapshot is one lot drawn down during completion, in the lot unit.
type AllocationSnapshot struct {
	LotID    string  `json:"lot_id" validate:"required"`
	Quantity float64 `json:"quantity" validate:"gte=0"`
	Unit     string  `json:"unit"`
	UnitCost float64 `json:"unit_cost" validate:"gte=0"`
}

// ConsumptionSnapshot summarises how one ingredient was drawn from its
// ledger. Requested, Fulfilled and Shortfall are in Unit.
type ConsumptionSnapshot struct {
	IngredientID string               `json:"ingredient_id" validate:"required"`
	Unit         string               `json:"unit"`
	Requested    float64              `json:"requested" validate:"gte=0"`
	Fulfilled    float64              `json:"fulfilled" validate:"gte=0"`
	Shortfall    float64              `json:"shortfall" validate:"gte=0"`
	Allocations  []AllocationSnapshot `json:"allocations" validate:"dive"`
}

// CompletedRun is everything resolved while completing a production run.
type CompletedRun struct {
	Run         domain.ProductionRun
	Recipes     []aggregation.ScaledRecipe
	Totals      []aggregation.IngredientTotal
	Consumption []ConsumptionSnapshot
}

// RunRecipeSnapshot is one scheduled recipe at its scale.
type RunRecipeSnapshot struct {
	RecipeID  string  `json:"recipe_id" validate:"required"`
	Name      string  `json:"name"`
	Scale     float64 `json:"scale" validate:"gt=0"`
	Yield     float64 `json:"yield"`
	YieldUnit string  `json:"yield_unit"`
	Cost      float64 `json:"cost" validate:"gte=0"`
}

// ProductionRunSnapshot is the v1 payload.
type ProductionRunSnapshot struct {
	RunID       string                        `json:"run_id" validate:"required"`
	Name        string                        `json:"name"`
	CompletedAt time.Time                     `json:"completed_at"`
	CompletedBy string                        `json:"completed_by,omitempty"`
	Recipes     []RunRecipeSnapshot           `json:"recipes" validate:"min=1,dive"`
	Ingredients []aggregation.IngredientTotal `json:"ingredients"`
	Consumption []ConsumptionSnapshot         `json:"consumption" validate:"dive"`
	TotalCost   float64                       `json:"total_cost" validate:"gte=0"`
}

// ProductionRunSerializer snapshots completed runs.
type ProductionRunSerializer struct {
	chain snapshot.MigrationChain
}

var _ snapshot.Serializer[CompletedRun, ProductionRunSnapshot] = (*ProductionRunSerializer)(nil)

// NewProductionRunSerializer returns the production run serializer.
func NewProductionRunSerializer() *ProductionRunSerializer {
	return &ProductionRunSerializer{chain: snapshot.NewMigrationChain(ProductionRunSchemaVersion)}
}

// EntityType implements snapshot.Codec.
func (*ProductionRunSerializer) EntityType() string { return string(domain.EntityProductionRun) }

// CurrentVersion implements snapshot.Codec.
func (*ProductionRunSerializer) CurrentVersion() int { return ProductionRunSchemaVersion }

// Serialize freezes the scaled recipes, aggregated totals and consumption.
func (*ProductionRunSerializer) Serialize(cr CompletedRun) (json.RawMessage, error) {
	if cr.Run.CompletedAt == nil {
		return nil, fmt.Errorf("production run %s is not completed", cr.Run.ID)
	}
	out := ProductionRunSnapshot{
		RunID:       cr.Run.ID,
		Name:        cr.Run.Name,
		CompletedAt: cr.Run.CompletedAt.UTC(),
		Recipes:     make([]RunRecipeSnapshot, 0, len(cr.Recipes)),
		Ingredients: cr.Totals,
		Consumption: cr.Consumption,
		TotalCost:   aggregation.TotalCost(cr.Recipes),
	}
	if cr.Run.CompletedBy != nil {
		out.CompletedBy = *cr.Run.CompletedBy
	}
	if out.Ingredients == nil {
		out.Ingredients = []aggregation.IngredientTotal{}
	}
	if out.Consumption == nil {
		out.Consumption = []ConsumptionSnapshot{}
	}
	for _, sr := range cr.Recipes {
		out.Recipes = append(out.Recipes, RunRecipeSnapshot{
			RecipeID:  sr.Recipe.ID,
			Name:      sr.Recipe.Name,
			Scale:     sr.Factor,
			Yield:     sr.Recipe.Yield,
			YieldUnit: sr.Recipe.YieldUnit,
			Cost:      sr.Recipe.Cost,
		})
	}
	return json.Marshal(out)
}

// Validate strictly decodes a v1 payload.
func (*ProductionRunSerializer) Validate(data json.RawMessage) error {
	var snap ProductionRunSnapshot
	return decodeStrict(data, &snap)
}

// Migrate returns current payloads unchanged and rejects unknown versions.
func (s *ProductionRunSerializer) Migrate(data json.RawMessage, fromVersion int) (json.RawMessage, error) {
	return s.chain.Migrate(data, fromVersion)
}

// Decode returns the typed payload.
func (*ProductionRunSerializer) Decode(data json.RawMessage) (ProductionRunSnapshot, error) {
	var snap ProductionRunSnapshot
	if err := decodeStrict(data, &snap); err != nil {
		return ProductionRunSnapshot{}, err
	}
	return snap, nil
}

// Registry returns a snapshot registry holding every serializer in this
// package.
func Registry() (*snapshot.Registry, error) {
	return snapshot.NewRegistry(NewRecipeSerializer(), NewProductionRunSerializer())
}
