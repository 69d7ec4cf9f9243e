// Package domain defines the persistent bakery inventory entities, value
// types, and rule evaluation primitives used by bakeops.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityIngredient identifies an ingredient definition.
	EntityIngredient EntityType = "ingredient"
	// EntityInventory identifies a per-ingredient lot ledger.
	EntityInventory EntityType = "inventory"
	// EntityLot identifies a purchased lot.
	EntityLot EntityType = "lot"
	// EntityUsageRecord identifies a consumption record against one lot.
	EntityUsageRecord EntityType = "usage_record"
	// EntityRecipe identifies a recipe.
	EntityRecipe EntityType = "recipe"
	// EntityProductionRun identifies a multi-recipe production run.
	EntityProductionRun EntityType = "production_run"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// UsageReason classifies why stock left a lot.
type UsageReason string

// Usage reasons recorded on usage records.
const (
	UsageProduction UsageReason = "PRODUCTION"
	UsageAdjustment UsageReason = "ADJUSTMENT"
	UsageWaste      UsageReason = "WASTE"
)

// ProductionRunStatus enumerates production run workflow states.
type ProductionRunStatus string

// Production run states.
const (
	ProductionRunPlanned   ProductionRunStatus = "planned"
	ProductionRunCompleted ProductionRunStatus = "completed"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ingredient is a stockable raw material. BaseUnit is the canonical unit
// aggregation totals are expressed in.
type Ingredient struct {
	Base
	ScopeID  string `json:"scope_id"`
	Name     string `json:"name"`
	BaseUnit string `json:"base_unit"`
	Category string `json:"category"`
}

// Inventory is the lot ledger of one ingredient within one scope. All
// aggregate figures are reported in DisplayUnit.
type Inventory struct {
	Base
	ScopeID      string `json:"scope_id"`
	IngredientID string `json:"ingredient_id"`
	DisplayUnit  string `json:"display_unit"`
}

// Lot is one purchased batch. UnitCost is quoted per Unit. Revision is
// incremented by the store on every update and guards concurrent
// decrements. Seq records creation order and breaks purchase-time ties.
type Lot struct {
	Base
	InventoryID  string     `json:"inventory_id"`
	PurchaseQty  float64    `json:"purchase_qty"`
	RemainingQty float64    `json:"remaining_qty"`
	Unit         string     `json:"unit"`
	UnitCost     float64    `json:"unit_cost"`
	PurchasedAt  time.Time  `json:"purchased_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	VendorID     *string    `json:"vendor_id,omitempty"`
	Revision     int64      `json:"revision"`
	Seq          int64      `json:"seq"`
}

// Active reports whether the lot still holds stock.
func (l Lot) Active() bool {
	return l.RemainingQty > 0
}

// ExpiredAt reports whether the lot expiry lies strictly before t.
func (l Lot) ExpiredAt(t time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(t)
}

// UsageRecord documents stock leaving a lot. Quantity is in the lot unit;
// Shortfall is in the ledger display unit (ShortfallUnit).
type UsageRecord struct {
	Base
	LotID           string      `json:"lot_id"`
	InventoryID     string      `json:"inventory_id"`
	Quantity        float64     `json:"quantity"`
	Unit            string      `json:"unit"`
	Shortfall       float64     `json:"shortfall"`
	ShortfallUnit   string      `json:"shortfall_unit,omitempty"`
	Reason          UsageReason `json:"reason"`
	ProductionRunID *string     `json:"production_run_id,omitempty"`
	Note            string      `json:"note,omitempty"`
}

// RecipeLine is one ingredient requirement inside a section.
type RecipeLine struct {
	IngredientID string  `json:"ingredient_id"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	Note         string  `json:"note,omitempty"`
}

// RecipeSection groups recipe lines (dough, filling, glaze).
type RecipeSection struct {
	Name  string       `json:"name"`
	Lines []RecipeLine `json:"lines"`
}

// Recipe describes how to produce Yield YieldUnit of a product. Cost is the
// total ingredient cost of one unscaled batch.
type Recipe struct {
	Base
	ScopeID   string          `json:"scope_id"`
	Name      string          `json:"name"`
	Yield     float64         `json:"yield"`
	YieldUnit string          `json:"yield_unit"`
	Cost      float64         `json:"cost"`
	Sections  []RecipeSection `json:"sections"`
}

// Lines flattens all section lines in declaration order.
func (r Recipe) Lines() []RecipeLine {
	var out []RecipeLine
	for _, s := range r.Sections {
		out = append(out, s.Lines...)
	}
	return out
}

// ProductionRunItem schedules one recipe at a scale factor.
type ProductionRunItem struct {
	RecipeID string  `json:"recipe_id"`
	Scale    float64 `json:"scale"`
}

// IngredientShortfall records stock that could not be allocated while
// completing a run. Amounts are in Unit (the ledger display unit when the
// request converted, otherwise the requested unit).
type IngredientShortfall struct {
	IngredientID string  `json:"ingredient_id"`
	Required     float64 `json:"required"`
	Available    float64 `json:"available"`
	Shortfall    float64 `json:"shortfall"`
	Unit         string  `json:"unit"`
}

// ProductionRun bakes several recipes together.
type ProductionRun struct {
	Base
	ScopeID     string                `json:"scope_id"`
	Name        string                `json:"name"`
	Status      ProductionRunStatus   `json:"status"`
	Items       []ProductionRunItem   `json:"items"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CompletedBy *string               `json:"completed_by,omitempty"`
	Shortfalls  []IngredientShortfall `json:"shortfalls,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Advisory returns the violations that do not block a commit.
func (r Result) Advisory() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
