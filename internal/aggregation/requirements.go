package aggregation

import (
	"sort"
	"strings"

	"bakeops/internal/units"
)

// Quantity is an amount in a unit.
type Quantity struct {
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// Requirement is the raw amount of one ingredient a production run needs.
// Quantity is held in Unit, which starts as the first line's unit and may
// switch to the ingredient base unit. Amounts that cannot be reconciled with
// Unit are parked in Unreconciled, grouped by unit.
type Requirement struct {
	IngredientID string     `json:"ingredient_id"`
	Quantity     float64    `json:"quantity"`
	Unit         string     `json:"unit"`
	Unreconciled []Quantity `json:"unreconciled,omitempty"`
}

// HasUnreconciled reports whether part of the requirement could not be summed.
func (r Requirement) HasUnreconciled() bool { return len(r.Unreconciled) > 0 }

// CombineRequirement folds incoming into existing:
//  1. equal units add directly;
//  2. otherwise incoming converts into the existing unit;
//  3. otherwise both convert into baseUnit and the accumulator switches to it;
//  4. otherwise incoming is parked in Unreconciled and ok is false.
func CombineRequirement(existing Requirement, incoming Quantity, baseUnit string) (out Requirement, ok bool) {
	out = existing
	out.Unreconciled = append([]Quantity(nil), existing.Unreconciled...)
	if out.Unit == "" {
		out.Unit = incoming.Unit
	}
	if sameUnit(out.Unit, incoming.Unit) {
		out.Quantity += incoming.Quantity
		return out, true
	}
	if converted, ok := units.Convert(incoming.Quantity, incoming.Unit, out.Unit); ok {
		out.Quantity += converted
		return out, true
	}
	if baseUnit != "" {
		existingBase, okExisting := units.Convert(out.Quantity, out.Unit, baseUnit)
		incomingBase, okIncoming := units.Convert(incoming.Quantity, incoming.Unit, baseUnit)
		if okExisting && okIncoming {
			out.Quantity = existingBase + incomingBase
			out.Unit = baseUnit
			return out, true
		}
	}
	for i := range out.Unreconciled {
		if sameUnit(out.Unreconciled[i].Unit, incoming.Unit) {
			out.Unreconciled[i].Quantity += incoming.Quantity
			return out, false
		}
	}
	out.Unreconciled = append(out.Unreconciled, incoming)
	return out, false
}

// sameUnit reports whether a and b name the same unit. Count spellings match
// only when identical, mirroring units.Convert.
func sameUnit(a, b string) bool {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return true
	}
	na, okA := units.Normalize(a)
	nb, okB := units.Normalize(b)
	if !okA || !okB || na != nb {
		return false
	}
	cat, _ := units.CategoryOf(na)
	return cat != units.Count
}

// BuildRequirements combines every scaled line into one Requirement per
// ingredient, ordered by ingredient id.
func (e *Engine) BuildRequirements(recipes []ScaledRecipe) []Requirement {
	reqs := make(map[string]Requirement)
	for _, sr := range recipes {
		for _, line := range sr.Recipe.Lines() {
			_, base := e.describe(line.IngredientID)
			current := reqs[line.IngredientID]
			current.IngredientID = line.IngredientID
			next, ok := CombineRequirement(current, Quantity{Quantity: line.Quantity, Unit: line.Unit}, base)
			if !ok {
				e.logger.Warn("aggregation: requirement unit could not be reconciled",
					"ingredient_id", line.IngredientID, "recipe_id", sr.Recipe.ID,
					"unit", line.Unit, "accumulator_unit", next.Unit)
			}
			reqs[line.IngredientID] = next
		}
	}
	out := make([]Requirement, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngredientID < out[j].IngredientID })
	return out
}
