package serializers

import (
	"encoding/json"
	"fmt"

	"bakeops/internal/snapshot"
	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

// RecipeSchemaVersion is the current recipe snapshot schema.
const RecipeSchemaVersion = 2

// IngredientCost is the price basis used to cost recipe lines: UnitCost per
// one Unit of the ingredient.
type IngredientCost struct {
	Name     string
	UnitCost float64
	Unit     string
}

// RecipeCosting is a recipe together with the ingredient prices in force when
// it was saved.
type RecipeCosting struct {
	Recipe domain.Recipe
	Costs  map[string]IngredientCost
}

// RecipeSnapshot is the v2 payload.
type RecipeSnapshot struct {
	RecipeID         string                  `json:"recipe_id" validate:"required"`
	Name             string                  `json:"name" validate:"required"`
	Yield            RecipeYield             `json:"yield"`
	Sections         []RecipeSectionSnapshot `json:"sections" validate:"dive"`
	TotalCost        float64                 `json:"total_cost" validate:"gte=0"`
	CostPerYieldUnit float64                 `json:"cost_per_yield_unit" validate:"gte=0"`
	Uncosted         []string                `json:"uncosted,omitempty"`
}

// RecipeYield is the v2 yield object.
type RecipeYield struct {
	Quantity float64 `json:"quantity" validate:"gte=0"`
	Unit     string  `json:"unit"`
}

// RecipeSectionSnapshot groups costed lines.
type RecipeSectionSnapshot struct {
	Name  string             `json:"name"`
	Lines []RecipeLineCosted `json:"lines" validate:"dive"`
}

// RecipeLineCosted is one line priced in its own unit.
type RecipeLineCosted struct {
	IngredientID   string  `json:"ingredient_id" validate:"required"`
	IngredientName string  `json:"ingredient_name"`
	Quantity       float64 `json:"quantity" validate:"gte=0"`
	Unit           string  `json:"unit" validate:"required"`
	UnitCost       float64 `json:"unit_cost" validate:"gte=0"`
	Cost           float64 `json:"cost" validate:"gte=0"`
	Costed         bool    `json:"costed"`
}

// recipeV1 is the legacy flat payload: one ingredient list and a numeric yield.
type recipeV1 struct {
	RecipeID    string             `json:"recipe_id"`
	Name        string             `json:"name"`
	Yield       float64            `json:"yield"`
	YieldUnit   string             `json:"yield_unit"`
	Ingredients []RecipeLineCosted `json:"ingredients"`
	TotalCost   float64            `json:"total_cost"`
}

// RecipeSerializer snapshots RecipeCosting values.
type RecipeSerializer struct {
	chain snapshot.MigrationChain
}

var _ snapshot.Serializer[RecipeCosting, RecipeSnapshot] = (*RecipeSerializer)(nil)

// NewRecipeSerializer returns the recipe serializer with its v1→v2 migration.
func NewRecipeSerializer() *RecipeSerializer {
	return &RecipeSerializer{chain: snapshot.NewMigrationChain(RecipeSchemaVersion,
		snapshot.MigrationStep{From: 1, Apply: migrateRecipeV1},
	)}
}

// EntityType implements snapshot.Codec.
func (*RecipeSerializer) EntityType() string { return string(domain.EntityRecipe) }

// CurrentVersion implements snapshot.Codec.
func (*RecipeSerializer) CurrentVersion() int { return RecipeSchemaVersion }

// Serialize freezes the costed breakdown produced by CostRecipe.
func (*RecipeSerializer) Serialize(rc RecipeCosting) (json.RawMessage, error) {
	return json.Marshal(CostRecipe(rc))
}

// CostRecipe prices every line with the ingredient costs, converting the
// cost basis into the line unit. Lines that cannot be converted are listed
// in Uncosted and contribute nothing to the total.
func CostRecipe(rc RecipeCosting) RecipeSnapshot {
	out := RecipeSnapshot{
		RecipeID: rc.Recipe.ID,
		Name:     rc.Recipe.Name,
		Yield:    RecipeYield{Quantity: rc.Recipe.Yield, Unit: rc.Recipe.YieldUnit},
		Sections: make([]RecipeSectionSnapshot, 0, len(rc.Recipe.Sections)),
	}
	for _, section := range rc.Recipe.Sections {
		ss := RecipeSectionSnapshot{Name: section.Name, Lines: make([]RecipeLineCosted, 0, len(section.Lines))}
		for _, line := range section.Lines {
			costed := RecipeLineCosted{IngredientID: line.IngredientID, Quantity: line.Quantity, Unit: line.Unit}
			if basis, ok := rc.Costs[line.IngredientID]; ok {
				costed.IngredientName = basis.Name
				if perUnit, ok := units.CostPerUnit(basis.UnitCost, basis.Unit, line.Unit); ok {
					costed.UnitCost = perUnit
					costed.Cost = perUnit * line.Quantity
					costed.Costed = true
				}
			}
			if !costed.Costed {
				out.Uncosted = append(out.Uncosted, line.IngredientID)
			}
			out.TotalCost += costed.Cost
			ss.Lines = append(ss.Lines, costed)
		}
		out.Sections = append(out.Sections, ss)
	}
	if out.Yield.Quantity > 0 {
		out.CostPerYieldUnit = out.TotalCost / out.Yield.Quantity
	}
	return out
}

// Validate strictly decodes a v2 payload.
func (*RecipeSerializer) Validate(data json.RawMessage) error {
	var snap RecipeSnapshot
	return decodeStrict(data, &snap)
}

// Migrate upgrades older payloads through the migration chain.
func (s *RecipeSerializer) Migrate(data json.RawMessage, fromVersion int) (json.RawMessage, error) {
	return s.chain.Migrate(data, fromVersion)
}

// Decode returns the typed v2 payload.
func (*RecipeSerializer) Decode(data json.RawMessage) (RecipeSnapshot, error) {
	var snap RecipeSnapshot
	if err := decodeStrict(data, &snap); err != nil {
		return RecipeSnapshot{}, err
	}
	return snap, nil
}

func migrateRecipeV1(data json.RawMessage) (json.RawMessage, error) {
	var v1 recipeV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("decode v1 recipe: %w", err)
	}
	lines := v1.Ingredients
	if lines == nil {
		lines = []RecipeLineCosted{}
	}
	v2 := RecipeSnapshot{
		RecipeID:  v1.RecipeID,
		Name:      v1.Name,
		Yield:     RecipeYield{Quantity: v1.Yield, Unit: v1.YieldUnit},
		Sections:  []RecipeSectionSnapshot{{Name: "main", Lines: lines}},
		TotalCost: v1.TotalCost,
	}
	if v2.Yield.Quantity > 0 {
		v2.CostPerYieldUnit = v2.TotalCost / v2.Yield.Quantity
	}
	return json.Marshal(v2)
}
