// Package aggregation scales recipes and totals their ingredient lines across
// a multi-recipe production run.
package aggregation

import (
	"sort"
	"strings"

	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

// Logger receives unreconciled-unit warnings.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// IngredientLookup resolves an ingredient by id.
type IngredientLookup func(id string) (domain.Ingredient, bool)

// LookupFromSlice indexes ingredients by id.
func LookupFromSlice(ingredients []domain.Ingredient) IngredientLookup {
	idx := make(map[string]domain.Ingredient, len(ingredients))
	for _, ing := range ingredients {
		idx[ing.ID] = ing
	}
	return func(id string) (domain.Ingredient, bool) {
		ing, ok := idx[id]
		return ing, ok
	}
}

// ScaledRecipe is a recipe with every line quantity, the yield and the cost
// multiplied by Factor. BaseCost keeps the unscaled cost.
type ScaledRecipe struct {
	Recipe   domain.Recipe
	Factor   float64
	BaseCost float64
}

// Scale returns a scaled view of recipe. The source recipe is not modified.
func Scale(recipe domain.Recipe, factor float64) ScaledRecipe {
	scaled := recipe
	scaled.Yield = recipe.Yield * factor
	scaled.Cost = recipe.Cost * factor
	scaled.Sections = make([]domain.RecipeSection, len(recipe.Sections))
	for i, section := range recipe.Sections {
		lines := make([]domain.RecipeLine, len(section.Lines))
		for j, line := range section.Lines {
			line.Quantity *= factor
			lines[j] = line
		}
		scaled.Sections[i] = domain.RecipeSection{Name: section.Name, Lines: lines}
	}
	return ScaledRecipe{Recipe: scaled, Factor: factor, BaseCost: recipe.Cost}
}

// TotalCost sums each recipe's unscaled cost times its scale factor.
func TotalCost(recipes []ScaledRecipe) float64 {
	var total float64
	for _, r := range recipes {
		total += r.BaseCost * r.Factor
	}
	return total
}

// Contribution records one recipe's share of an ingredient in the recipe's
// own unit.
type Contribution struct {
	RecipeID   string  `json:"recipe_id"`
	RecipeName string  `json:"recipe_name,omitempty"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
}

// IngredientTotal is the aggregated requirement for one ingredient.
// Quantity is expressed in Unit, the ingredient base unit, or the unit
// fallbackUnit picks when the catalogue has none. Lines whose unit
// cannot be converted into the base unit are kept in Unreconciled and never
// summed into Quantity.
type IngredientTotal struct {
	IngredientID string         `json:"ingredient_id"`
	Name         string         `json:"name"`
	Quantity     float64        `json:"quantity"`
	Unit         string         `json:"unit"`
	Sources      []Contribution `json:"sources"`
	Unreconciled []Contribution `json:"unreconciled,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes unreconciled-unit warnings to logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine aggregates scaled recipes against an ingredient catalogue.
type Engine struct {
	lookup IngredientLookup
	logger Logger
}

// New constructs an Engine. A nil lookup treats every ingredient as unknown.
func New(lookup IngredientLookup, opts ...Option) *Engine {
	if lookup == nil {
		lookup = func(string) (domain.Ingredient, bool) { return domain.Ingredient{}, false }
	}
	e := &Engine{lookup: lookup, logger: noopLogger{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// describe returns the display name and catalogue base unit for an
// ingredient. base is empty for unknown ingredients or ones without a base
// unit.
func (e *Engine) describe(id string) (name, base string) {
	name = id
	if ing, ok := e.lookup(id); ok {
		if ing.Name != "" {
			name = ing.Name
		}
		base = ing.BaseUnit
	}
	return name, base
}

type sourcedLine struct {
	recipe domain.Recipe
	line   domain.RecipeLine
}

// fallbackUnit picks the accumulator unit for an ingredient without a
// catalogue base unit from the set of its line units, independent of the
// order the lines arrive in. Mass lines resolve to g and outrank volume lines
// (ml); count and unknown spellings come last and tie-break alphabetically.
func fallbackUnit(lines []sourcedLine) string {
	best, bestRank := "", 4
	for _, sl := range lines {
		rank, unit := 3, strings.TrimSpace(sl.line.Unit)
		if cat, ok := units.CategoryOf(unit); ok {
			switch cat {
			case units.Mass, units.Volume:
				unit, _ = units.BaseOf(cat)
				rank = 0
				if cat == units.Volume {
					rank = 1
				}
			case units.Count:
				rank = 2
			}
		}
		if rank < bestRank || (rank == bestRank && unit < best) {
			best, bestRank = unit, rank
		}
	}
	return best
}

// Aggregate totals every line across recipes in the ingredient base unit and
// returns the totals ordered by ingredient name, then id.
func (e *Engine) Aggregate(recipes []ScaledRecipe) []IngredientTotal {
	grouped := make(map[string][]sourcedLine)
	for _, sr := range recipes {
		for _, line := range sr.Recipe.Lines() {
			grouped[line.IngredientID] = append(grouped[line.IngredientID], sourcedLine{recipe: sr.Recipe, line: line})
		}
	}
	out := make([]IngredientTotal, 0, len(grouped))
	for id, lines := range grouped {
		name, base := e.describe(id)
		if base == "" {
			base = fallbackUnit(lines)
		}
		t := IngredientTotal{IngredientID: id, Name: name, Unit: base}
		for _, sl := range lines {
			c := Contribution{RecipeID: sl.recipe.ID, RecipeName: sl.recipe.Name, Quantity: sl.line.Quantity, Unit: sl.line.Unit}
			converted, ok := units.Convert(sl.line.Quantity, sl.line.Unit, t.Unit)
			if !ok {
				e.logger.Warn("aggregation: unreconciled unit",
					"ingredient_id", id, "recipe_id", sl.recipe.ID,
					"unit", sl.line.Unit, "base_unit", t.Unit)
				t.Unreconciled = append(t.Unreconciled, c)
				continue
			}
			t.Quantity += converted
			t.Sources = append(t.Sources, c)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].IngredientID < out[j].IngredientID
	})
	return out
}
