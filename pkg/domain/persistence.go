package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Every write either commits together
// with the rest of the transaction or not at all.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	CreateIngredient(Ingredient) (Ingredient, error)
	UpdateIngredient(id string, mutator func(*Ingredient) error) (Ingredient, error)
	CreateInventory(Inventory) (Inventory, error)
	UpdateInventory(id string, mutator func(*Inventory) error) (Inventory, error)
	CreateLot(Lot) (Lot, error)
	// UpdateLot applies mutator only when the stored revision equals
	// expectedRevision, returning a StaleLotError otherwise.
	UpdateLot(id string, expectedRevision int64, mutator func(*Lot) error) (Lot, error)
	CreateUsageRecord(UsageRecord) (UsageRecord, error)
	CreateRecipe(Recipe) (Recipe, error)
	UpdateRecipe(id string, mutator func(*Recipe) error) (Recipe, error)
	DeleteRecipe(id string) error
	CreateProductionRun(ProductionRun) (ProductionRun, error)
	UpdateProductionRun(id string, mutator func(*ProductionRun) error) (ProductionRun, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// planning.
type TransactionView interface {
	ListIngredients() []Ingredient
	ListInventories() []Inventory
	ListLots(inventoryID string) []Lot
	ListUsageRecords(lotID string) []UsageRecord
	ListRecipes() []Recipe
	ListProductionRuns() []ProductionRun
	FindIngredient(id string) (Ingredient, bool)
	FindInventory(id string) (Inventory, bool)
	FindInventoryForIngredient(scopeID, ingredientID string) (Inventory, bool)
	FindLot(id string) (Lot, bool)
	FindRecipe(id string) (Recipe, bool)
	FindProductionRun(id string) (ProductionRun, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetIngredient(id string) (Ingredient, bool)
	GetRecipe(id string) (Recipe, bool)
	GetProductionRun(id string) (ProductionRun, bool)
	ListIngredients() []Ingredient
	ListRecipes() []Recipe
}
