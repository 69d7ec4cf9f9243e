// Package units normalizes free-form unit spellings and converts quantities
// between units of the same physical category (mass, volume). Count units
// only convert to themselves.
//
// Conversion never returns an error: callers receive (value, ok) and must
// decide how to fall back when ok is false.
package units

import (
	"strings"
)

// Category groups units that can be converted into one another.
type Category string

// Supported unit categories.
const (
	Mass   Category = "mass"
	Volume Category = "volume"
	Count  Category = "count"
)

// Canonical unit symbols.
const (
	Milligram  = "mg"
	Gram       = "g"
	Kilogram   = "kg"
	Ounce      = "oz"
	Pound      = "lb"
	Milliliter = "ml"
	Liter      = "l"
	Teaspoon   = "tsp"
	Tablespoon = "tbsp"
	Cup        = "cup"
	FluidOunce = "fl-oz"
	Quart      = "qt"
	Gallon     = "gal"
	Pint       = "pint"
	Unit       = "unit"
)

type unitDef struct {
	category Category
	// toBase multiplies a quantity into the category base (g for mass, ml for volume).
	toBase float64
}

var canonical = map[string]unitDef{
	Milligram: {category: Mass, toBase: 0.001},
	Gram:      {category: Mass, toBase: 1},
	Kilogram:  {category: Mass, toBase: 1000},
	Ounce:     {category: Mass, toBase: 28.349523125},
	Pound:     {category: Mass, toBase: 453.59237},

	Milliliter: {category: Volume, toBase: 1},
	Liter:      {category: Volume, toBase: 1000},
	Teaspoon:   {category: Volume, toBase: 4.92892159375},
	Tablespoon: {category: Volume, toBase: 14.78676478125},
	Cup:        {category: Volume, toBase: 236.5882365},
	FluidOunce: {category: Volume, toBase: 29.5735295625},
	Quart:      {category: Volume, toBase: 946.352946},
	Gallon:     {category: Volume, toBase: 3785.411784},
	Pint:       {category: Volume, toBase: 473.176473},

	Unit: {category: Count, toBase: 1},
}

var aliases = map[string]string{
	"mg": Milligram, "milligram": Milligram, "milligrams": Milligram, "milligramme": Milligram, "milligrammes": Milligram,
	"g": Gram, "gr": Gram, "gram": Gram, "grams": Gram, "gramme": Gram, "grammes": Gram,
	"kg": Kilogram, "kgs": Kilogram, "kilo": Kilogram, "kilos": Kilogram, "kilogram": Kilogram, "kilograms": Kilogram,
	"oz": Ounce, "ozs": Ounce, "ounce": Ounce, "ounces": Ounce,
	"lb": Pound, "lbs": Pound, "pound": Pound, "pounds": Pound,

	"ml": Milliliter, "mls": Milliliter, "milliliter": Milliliter, "milliliters": Milliliter, "millilitre": Milliliter, "millilitres": Milliliter,
	"l": Liter, "lt": Liter, "ltr": Liter, "liter": Liter, "liters": Liter, "litre": Liter, "litres": Liter,
	"tsp": Teaspoon, "tsps": Teaspoon, "teaspoon": Teaspoon, "teaspoons": Teaspoon,
	"tbsp": Tablespoon, "tbsps": Tablespoon, "tbs": Tablespoon, "tablespoon": Tablespoon, "tablespoons": Tablespoon,
	"cup": Cup, "cups": Cup, "c": Cup,
	"fl-oz": FluidOunce, "fl oz": FluidOunce, "floz": FluidOunce, "fl. oz": FluidOunce, "fl.oz": FluidOunce,
	"fluid ounce": FluidOunce, "fluid ounces": FluidOunce, "fl-ozs": FluidOunce,
	"qt": Quart, "qts": Quart, "quart": Quart, "quarts": Quart,
	"gal": Gallon, "gals": Gallon, "gallon": Gallon, "gallons": Gallon,
	"pint": Pint, "pints": Pint, "pt": Pint, "pts": Pint,

	"unit": Unit, "units": Unit, "each": Unit, "ea": Unit, "piece": Unit, "pieces": Unit,
	"pc": Unit, "pcs": Unit, "count": Unit, "ct": Unit,
}

func clean(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.Join(strings.Fields(u), " ")
	return strings.TrimSuffix(u, ".")
}

// Normalize maps a free-form spelling to its canonical symbol. The boolean is
// false for unrecognized units, which callers must treat as non-convertible.
func Normalize(unit string) (string, bool) {
	c, ok := aliases[clean(unit)]
	return c, ok
}

// CategoryOf reports the category a unit belongs to.
func CategoryOf(unit string) (Category, bool) {
	c, ok := Normalize(unit)
	if !ok {
		return "", false
	}
	return canonical[c].category, true
}

// BaseOf returns the symbol every unit of a convertible category is factored
// against. Count has no shared base.
func BaseOf(c Category) (string, bool) {
	switch c {
	case Mass:
		return Gram, true
	case Volume:
		return Milliliter, true
	}
	return "", false
}

func same(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// CanConvert reports whether Convert(x, from, to) would succeed.
func CanConvert(from, to string) bool {
	if same(from, to) {
		return true
	}
	fd, ok := lookup(from)
	if !ok {
		return false
	}
	td, ok := lookup(to)
	if !ok {
		return false
	}
	if fd.category == Count || td.category == Count {
		return false
	}
	return fd.category == td.category
}

func lookup(unit string) (unitDef, bool) {
	c, ok := Normalize(unit)
	if !ok {
		return unitDef{}, false
	}
	return canonical[c], true
}

// Convert expresses quantity (in from) in the to unit. Identical units are
// returned unchanged; mass and volume units convert within their category
// using fixed physical factors. Unknown or cross-category pairs yield false.
func Convert(quantity float64, from, to string) (float64, bool) {
	if same(from, to) {
		return quantity, true
	}
	if !CanConvert(from, to) {
		return 0, false
	}
	fd, _ := lookup(from)
	td, _ := lookup(to)
	if fd.toBase == td.toBase {
		return quantity, true
	}
	return quantity * fd.toBase / td.toBase, true
}

// Factor returns how many to-units one from-unit is worth.
func Factor(from, to string) (float64, bool) {
	return Convert(1, from, to)
}

// CostPerUnit re-expresses a cost quoted per from-unit as a cost per to-unit.
func CostPerUnit(costInFromUnit float64, from, to string) (float64, bool) {
	f, ok := Factor(from, to)
	if !ok || f == 0 {
		return 0, false
	}
	return costInFromUnit / f, true
}
