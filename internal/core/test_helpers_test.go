package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bakeops/internal/blob"
	"bakeops/internal/infra/persistence/memory"
	"bakeops/pkg/domain"
)

const testScope = "bakery-1"

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+msg)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.add("d:", msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.add("i:", msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.add("w:", msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.add("e:", msg) }

func (l *captureLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func (l *captureLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	store *memory.Store
	snaps blob.Store
	log   *captureLogger
	now   time.Time
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		log:   &captureLogger{},
		snaps: blob.NewMemory(),
		now:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store = memory.NewStore(NewDefaultRulesEngine())
	f.store.SetNowFunc(func() time.Time { return f.now })
	seq := 0
	base := []ServiceOption{
		WithLogger(f.log),
		WithClock(ClockFunc(func() time.Time { return f.now })),
		WithSnapshotStore(f.snaps),
		WithSnapshotIDGenerator(func() string {
			seq++
			return fmt.Sprintf("snap-%02d", seq)
		}),
	}
	svc, err := NewService(f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func purchaseDay(d int) time.Time {
	return time.Date(2024, 2, d, 8, 0, 0, 0, time.UTC)
}

// seedFlour opens a kg ledger for flour holding lot-a (100 kg at 2) and the
// newer lot-b (50 kg at 3).
func (f *fixture) seedFlour(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.svc.CreateIngredient(ctx, IngredientInput{ID: "flour", ScopeID: testScope, Name: "Flour", BaseUnit: "grams"}); err != nil {
		t.Fatalf("create flour: %v", err)
	}
	if _, _, err := f.svc.CreateInventory(ctx, InventoryInput{ID: "inv-flour", ScopeID: testScope, IngredientID: "flour", DisplayUnit: "kg"}); err != nil {
		t.Fatalf("create flour inventory: %v", err)
	}
	f.purchase(t, PurchaseInput{ID: "lot-a", IngredientID: "flour", Quantity: 100, Unit: "kg", UnitCost: 2, PurchasedAt: purchaseDay(1)})
	f.purchase(t, PurchaseInput{ID: "lot-b", IngredientID: "flour", Quantity: 50, Unit: "kg", UnitCost: 3, PurchasedAt: purchaseDay(2)})
}

func (f *fixture) purchase(t *testing.T, in PurchaseInput) domain.Lot {
	t.Helper()
	if in.ScopeID == "" {
		in.ScopeID = testScope
	}
	lot, _, err := f.svc.RecordPurchase(context.Background(), in)
	if err != nil {
		t.Fatalf("record purchase %s: %v", in.ID, err)
	}
	return lot
}

func (f *fixture) saveRecipe(t *testing.T, id string, lines ...domain.RecipeLine) SavedRecipe {
	t.Helper()
	saved, err := f.svc.SaveRecipe(context.Background(), RecipeInput{
		ID:        id,
		ScopeID:   testScope,
		Name:      id,
		Yield:     2,
		YieldUnit: "loaf",
		Sections:  []domain.RecipeSection{{Name: "dough", Lines: lines}},
	}, nil)
	if err != nil {
		t.Fatalf("save recipe %s: %v", id, err)
	}
	return saved
}

func (f *fixture) lot(t *testing.T, id string) domain.Lot {
	t.Helper()
	var lot domain.Lot
	if err := f.store.View(context.Background(), func(view TransactionView) error {
		var ok bool
		lot, ok = view.FindLot(id)
		if !ok {
			return fmt.Errorf("lot %s missing", id)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return lot
}

func (f *fixture) usage(t *testing.T, lotID string) []domain.UsageRecord {
	t.Helper()
	var out []domain.UsageRecord
	_ = f.store.View(context.Background(), func(view TransactionView) error {
		out = view.ListUsageRecords(lotID)
		return nil
	})
	return out
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func strPtr(s string) *string { return &s }
