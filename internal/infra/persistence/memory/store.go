// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bakeops/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Ingredient aliases domain.Ingredient for in-memory persistence operations.
	Ingredient = domain.Ingredient
	// Inventory aliases domain.Inventory.
	Inventory = domain.Inventory
	// Lot aliases domain.Lot.
	Lot = domain.Lot
	// UsageRecord aliases domain.UsageRecord.
	UsageRecord = domain.UsageRecord
	// Recipe aliases domain.Recipe.
	Recipe = domain.Recipe
	// ProductionRun aliases domain.ProductionRun.
	ProductionRun = domain.ProductionRun
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	ingredients map[string]Ingredient
	inventories map[string]Inventory
	lots        map[string]Lot
	usage       map[string]UsageRecord
	recipes     map[string]Recipe
	runs        map[string]ProductionRun
	lotSeq      int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Ingredients    map[string]Ingredient    `json:"ingredients"`
	Inventories    map[string]Inventory     `json:"inventories"`
	Lots           map[string]Lot           `json:"lots"`
	UsageRecords   map[string]UsageRecord   `json:"usage_records"`
	Recipes        map[string]Recipe        `json:"recipes"`
	ProductionRuns map[string]ProductionRun `json:"production_runs"`
}

func newMemoryState() memoryState {
	return memoryState{
		ingredients: make(map[string]Ingredient),
		inventories: make(map[string]Inventory),
		lots:        make(map[string]Lot),
		usage:       make(map[string]UsageRecord),
		recipes:     make(map[string]Recipe),
		runs:        make(map[string]ProductionRun),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.ingredients {
		cloned.ingredients[k] = v
	}
	for k, v := range s.inventories {
		cloned.inventories[k] = v
	}
	for k, v := range s.lots {
		cloned.lots[k] = cloneLot(v)
	}
	for k, v := range s.usage {
		cloned.usage[k] = cloneUsage(v)
	}
	for k, v := range s.recipes {
		cloned.recipes[k] = cloneRecipe(v)
	}
	for k, v := range s.runs {
		cloned.runs[k] = cloneRun(v)
	}
	cloned.lotSeq = s.lotSeq
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{
		Ingredients:    cloned.ingredients,
		Inventories:    cloned.inventories,
		Lots:           cloned.lots,
		UsageRecords:   cloned.usage,
		Recipes:        cloned.recipes,
		ProductionRuns: cloned.runs,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		ingredients: s.Ingredients,
		inventories: s.Inventories,
		lots:        s.Lots,
		usage:       s.UsageRecords,
		recipes:     s.Recipes,
		runs:        s.ProductionRuns,
	}
	state = normalizeState(state).clone()
	for _, lot := range state.lots {
		if lot.Seq > state.lotSeq {
			state.lotSeq = lot.Seq
		}
	}
	return state
}

func normalizeState(state memoryState) memoryState {
	if state.ingredients == nil {
		state.ingredients = map[string]Ingredient{}
	}
	if state.inventories == nil {
		state.inventories = map[string]Inventory{}
	}
	if state.lots == nil {
		state.lots = map[string]Lot{}
	}
	if state.usage == nil {
		state.usage = map[string]UsageRecord{}
	}
	if state.recipes == nil {
		state.recipes = map[string]Recipe{}
	}
	if state.runs == nil {
		state.runs = map[string]ProductionRun{}
	}
	return state
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func cloneLot(l Lot) Lot {
	cp := l
	cp.ExpiresAt = cloneTimePtr(l.ExpiresAt)
	cp.VendorID = cloneStringPtr(l.VendorID)
	return cp
}

func cloneUsage(u UsageRecord) UsageRecord {
	cp := u
	cp.ProductionRunID = cloneStringPtr(u.ProductionRunID)
	return cp
}

func cloneRecipe(r Recipe) Recipe {
	cp := r
	if r.Sections != nil {
		cp.Sections = make([]domain.RecipeSection, len(r.Sections))
		for i, section := range r.Sections {
			cp.Sections[i] = domain.RecipeSection{
				Name:  section.Name,
				Lines: append([]domain.RecipeLine(nil), section.Lines...),
			}
		}
	}
	return cp
}

func cloneRun(r ProductionRun) ProductionRun {
	cp := r
	cp.Items = append([]domain.ProductionRunItem(nil), r.Items...)
	cp.Shortfalls = append([]domain.IngredientShortfall(nil), r.Shortfalls...)
	cp.CompletedAt = cloneTimePtr(r.CompletedAt)
	cp.CompletedBy = cloneStringPtr(r.CompletedBy)
	return cp
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider stamped onto records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// transaction represents a mutation set applied to a private copy of the
// store state.
type transaction struct {
	transactionView
	store   *Store
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces committed state only when fn succeeds and no blocking
// rule violation is reported.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state.clone()
	tx := &transaction{
		transactionView: transactionView{state: &state},
		store:           s,
		now:             s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := transactionView{state: &state}
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(tx.state)
}

// CreateIngredient stores a new ingredient.
func (tx *transaction) CreateIngredient(i Ingredient) (Ingredient, error) {
	if i.ID == "" {
		i.ID = tx.store.newID()
	}
	if _, exists := tx.state.ingredients[i.ID]; exists {
		return Ingredient{}, fmt.Errorf("ingredient %q: %w", i.ID, domain.ErrAlreadyExists)
	}
	i.CreatedAt = tx.now
	i.UpdatedAt = tx.now
	tx.state.ingredients[i.ID] = i
	tx.recordChange(Change{Entity: domain.EntityIngredient, Action: domain.ActionCreate, After: i})
	return i, nil
}

// UpdateIngredient mutates an ingredient using the provided mutator function.
func (tx *transaction) UpdateIngredient(id string, mutator func(*Ingredient) error) (Ingredient, error) {
	current, ok := tx.state.ingredients[id]
	if !ok {
		return Ingredient{}, domain.NotFoundError{Entity: domain.EntityIngredient, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Ingredient{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.ingredients[id] = current
	tx.recordChange(Change{Entity: domain.EntityIngredient, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateInventory stores a new ledger. Only one ledger may exist per
// ingredient within a scope.
func (tx *transaction) CreateInventory(inv Inventory) (Inventory, error) {
	if inv.ID == "" {
		inv.ID = tx.store.newID()
	}
	if _, exists := tx.state.inventories[inv.ID]; exists {
		return Inventory{}, fmt.Errorf("inventory %q: %w", inv.ID, domain.ErrAlreadyExists)
	}
	if existing, ok := tx.FindInventoryForIngredient(inv.ScopeID, inv.IngredientID); ok {
		return Inventory{}, fmt.Errorf("inventory for ingredient %q in scope %q (%s): %w", inv.IngredientID, inv.ScopeID, existing.ID, domain.ErrAlreadyExists)
	}
	inv.CreatedAt = tx.now
	inv.UpdatedAt = tx.now
	tx.state.inventories[inv.ID] = inv
	tx.recordChange(Change{Entity: domain.EntityInventory, Action: domain.ActionCreate, After: inv})
	return inv, nil
}

// UpdateInventory mutates a ledger, typically its display unit.
func (tx *transaction) UpdateInventory(id string, mutator func(*Inventory) error) (Inventory, error) {
	current, ok := tx.state.inventories[id]
	if !ok {
		return Inventory{}, domain.NotFoundError{Entity: domain.EntityInventory, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Inventory{}, err
	}
	current.ID = id
	current.ScopeID = before.ScopeID
	current.IngredientID = before.IngredientID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.inventories[id] = current
	tx.recordChange(Change{Entity: domain.EntityInventory, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateLot stores a purchased lot and assigns its creation sequence.
func (tx *transaction) CreateLot(l Lot) (Lot, error) {
	if l.ID == "" {
		l.ID = tx.store.newID()
	}
	if _, exists := tx.state.lots[l.ID]; exists {
		return Lot{}, fmt.Errorf("lot %q: %w", l.ID, domain.ErrAlreadyExists)
	}
	if _, ok := tx.state.inventories[l.InventoryID]; !ok {
		return Lot{}, domain.NotFoundError{Entity: domain.EntityInventory, ID: l.InventoryID}
	}
	tx.state.lotSeq++
	l.Seq = tx.state.lotSeq
	l.Revision = 1
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	if l.PurchasedAt.IsZero() {
		l.PurchasedAt = tx.now
	}
	tx.state.lots[l.ID] = cloneLot(l)
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionCreate, After: cloneLot(l)})
	return cloneLot(l), nil
}

// UpdateLot applies mutator when the stored revision matches
// expectedRevision. Identity, ledger membership and creation order are
// immutable.
func (tx *transaction) UpdateLot(id string, expectedRevision int64, mutator func(*Lot) error) (Lot, error) {
	current, ok := tx.state.lots[id]
	if !ok {
		return Lot{}, domain.NotFoundError{Entity: domain.EntityLot, ID: id}
	}
	if current.Revision != expectedRevision {
		return Lot{}, domain.StaleLotError{LotID: id, Expected: expectedRevision, Actual: current.Revision}
	}
	before := cloneLot(current)
	if err := mutator(&current); err != nil {
		return Lot{}, err
	}
	current.ID = id
	current.InventoryID = before.InventoryID
	current.Seq = before.Seq
	current.CreatedAt = before.CreatedAt
	current.Revision = before.Revision + 1
	current.UpdatedAt = tx.now
	tx.state.lots[id] = cloneLot(current)
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: before, After: cloneLot(current)})
	return cloneLot(current), nil
}

// CreateUsageRecord appends an immutable usage record.
func (tx *transaction) CreateUsageRecord(u UsageRecord) (UsageRecord, error) {
	if u.ID == "" {
		u.ID = tx.store.newID()
	}
	if _, exists := tx.state.usage[u.ID]; exists {
		return UsageRecord{}, fmt.Errorf("usage record %q: %w", u.ID, domain.ErrAlreadyExists)
	}
	u.CreatedAt = tx.now
	u.UpdatedAt = tx.now
	tx.state.usage[u.ID] = cloneUsage(u)
	tx.recordChange(Change{Entity: domain.EntityUsageRecord, Action: domain.ActionCreate, After: cloneUsage(u)})
	return cloneUsage(u), nil
}

// CreateRecipe stores a new recipe.
func (tx *transaction) CreateRecipe(r Recipe) (Recipe, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.recipes[r.ID]; exists {
		return Recipe{}, fmt.Errorf("recipe %q: %w", r.ID, domain.ErrAlreadyExists)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.recipes[r.ID] = cloneRecipe(r)
	tx.recordChange(Change{Entity: domain.EntityRecipe, Action: domain.ActionCreate, After: cloneRecipe(r)})
	return cloneRecipe(r), nil
}

// UpdateRecipe mutates an existing recipe.
func (tx *transaction) UpdateRecipe(id string, mutator func(*Recipe) error) (Recipe, error) {
	current, ok := tx.state.recipes[id]
	if !ok {
		return Recipe{}, domain.NotFoundError{Entity: domain.EntityRecipe, ID: id}
	}
	before := cloneRecipe(current)
	if err := mutator(&current); err != nil {
		return Recipe{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.recipes[id] = cloneRecipe(current)
	tx.recordChange(Change{Entity: domain.EntityRecipe, Action: domain.ActionUpdate, Before: before, After: cloneRecipe(current)})
	return cloneRecipe(current), nil
}

// DeleteRecipe removes a recipe not referenced by any production run.
func (tx *transaction) DeleteRecipe(id string) error {
	current, ok := tx.state.recipes[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityRecipe, ID: id}
	}
	for _, run := range tx.state.runs {
		for _, item := range run.Items {
			if item.RecipeID == id {
				return fmt.Errorf("recipe %q still referenced by production run %q", id, run.ID)
			}
		}
	}
	delete(tx.state.recipes, id)
	tx.recordChange(Change{Entity: domain.EntityRecipe, Action: domain.ActionDelete, Before: cloneRecipe(current)})
	return nil
}

// CreateProductionRun stores a new production run.
func (tx *transaction) CreateProductionRun(r ProductionRun) (ProductionRun, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.runs[r.ID]; exists {
		return ProductionRun{}, fmt.Errorf("production run %q: %w", r.ID, domain.ErrAlreadyExists)
	}
	if r.Status == "" {
		r.Status = domain.ProductionRunPlanned
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.runs[r.ID] = cloneRun(r)
	tx.recordChange(Change{Entity: domain.EntityProductionRun, Action: domain.ActionCreate, After: cloneRun(r)})
	return cloneRun(r), nil
}

// UpdateProductionRun mutates an existing production run.
func (tx *transaction) UpdateProductionRun(id string, mutator func(*ProductionRun) error) (ProductionRun, error) {
	current, ok := tx.state.runs[id]
	if !ok {
		return ProductionRun{}, domain.NotFoundError{Entity: domain.EntityProductionRun, ID: id}
	}
	before := cloneRun(current)
	if err := mutator(&current); err != nil {
		return ProductionRun{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.runs[id] = cloneRun(current)
	tx.recordChange(Change{Entity: domain.EntityProductionRun, Action: domain.ActionUpdate, Before: before, After: cloneRun(current)})
	return cloneRun(current), nil
}

// ListIngredients returns all ingredients ordered by name.
func (v transactionView) ListIngredients() []Ingredient {
	out := make([]Ingredient, 0, len(v.state.ingredients))
	for _, i := range v.state.ingredients {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ListInventories returns all ledgers ordered by id.
func (v transactionView) ListInventories() []Inventory {
	out := make([]Inventory, 0, len(v.state.inventories))
	for _, inv := range v.state.inventories {
		out = append(out, inv)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ListLots returns the lots of one ledger in creation order. An empty
// inventoryID lists every lot.
func (v transactionView) ListLots(inventoryID string) []Lot {
	out := make([]Lot, 0)
	for _, l := range v.state.lots {
		if inventoryID != "" && l.InventoryID != inventoryID {
			continue
		}
		out = append(out, cloneLot(l))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

// ListUsageRecords returns usage records of one lot, oldest first. An
// empty lotID lists every record.
func (v transactionView) ListUsageRecords(lotID string) []UsageRecord {
	out := make([]UsageRecord, 0)
	for _, u := range v.state.usage {
		if lotID != "" && u.LotID != lotID {
			continue
		}
		out = append(out, cloneUsage(u))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		if out[a].LotID != out[b].LotID {
			return out[a].LotID < out[b].LotID
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ListRecipes returns all recipes ordered by name.
func (v transactionView) ListRecipes() []Recipe {
	out := make([]Recipe, 0, len(v.state.recipes))
	for _, r := range v.state.recipes {
		out = append(out, cloneRecipe(r))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ListProductionRuns returns all production runs ordered by id.
func (v transactionView) ListProductionRuns() []ProductionRun {
	out := make([]ProductionRun, 0, len(v.state.runs))
	for _, r := range v.state.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// FindIngredient retrieves an ingredient by ID.
func (v transactionView) FindIngredient(id string) (Ingredient, bool) {
	i, ok := v.state.ingredients[id]
	return i, ok
}

// FindInventory retrieves a ledger by ID.
func (v transactionView) FindInventory(id string) (Inventory, bool) {
	inv, ok := v.state.inventories[id]
	return inv, ok
}

// FindInventoryForIngredient retrieves the ledger of an ingredient in a scope.
func (v transactionView) FindInventoryForIngredient(scopeID, ingredientID string) (Inventory, bool) {
	for _, inv := range v.state.inventories {
		if inv.ScopeID == scopeID && inv.IngredientID == ingredientID {
			return inv, true
		}
	}
	return Inventory{}, false
}

// FindLot retrieves a lot by ID.
func (v transactionView) FindLot(id string) (Lot, bool) {
	l, ok := v.state.lots[id]
	if !ok {
		return Lot{}, false
	}
	return cloneLot(l), true
}

// FindRecipe retrieves a recipe by ID.
func (v transactionView) FindRecipe(id string) (Recipe, bool) {
	r, ok := v.state.recipes[id]
	if !ok {
		return Recipe{}, false
	}
	return cloneRecipe(r), true
}

// FindProductionRun retrieves a production run by ID.
func (v transactionView) FindProductionRun(id string) (ProductionRun, bool) {
	r, ok := v.state.runs[id]
	if !ok {
		return ProductionRun{}, false
	}
	return cloneRun(r), true
}

// Read helpers ---------------------------------------------------------------

func (s *Store) committed() transactionView {
	return transactionView{state: &s.state}
}

// GetIngredient retrieves an ingredient from committed state.
func (s *Store) GetIngredient(id string) (Ingredient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed().FindIngredient(id)
}

// GetRecipe retrieves a recipe from committed state.
func (s *Store) GetRecipe(id string) (Recipe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed().FindRecipe(id)
}

// GetProductionRun retrieves a production run from committed state.
func (s *Store) GetProductionRun(id string) (ProductionRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed().FindProductionRun(id)
}

// ListIngredients returns all ingredients from committed state.
func (s *Store) ListIngredients() []Ingredient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed().ListIngredients()
}

// ListRecipes returns all recipes from committed state.
func (s *Store) ListRecipes() []Recipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed().ListRecipes()
}
