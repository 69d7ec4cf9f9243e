package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bakeops/internal/blob"
	"bakeops/internal/infra/persistence/memory"
	"bakeops/pkg/domain"
)

func createRun(t *testing.T, f *fixture, items ...domain.ProductionRunItem) domain.ProductionRun {
	t.Helper()
	run, _, err := f.svc.CreateProductionRun(context.Background(), ProductionRunInput{ScopeID: testScope, Name: "Monday bake", Items: items})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestCreateProductionRunValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.CreateProductionRun(ctx, ProductionRunInput{ScopeID: testScope, Name: "empty"}); err == nil {
		t.Fatalf("expected run without items to be rejected")
	}
	_, _, err := f.svc.CreateProductionRun(ctx, ProductionRunInput{ScopeID: testScope, Name: "ghost", Items: []domain.ProductionRunItem{{RecipeID: "ghost", Scale: 1}}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown recipe, got %v", err)
	}
}

func TestCompleteProductionRunConsumesOldestLotsFirst(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.saveRecipe(t, "bread", domain.RecipeLine{IngredientID: "flour", Quantity: 60, Unit: "kg"})
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 2})
	if run.Status != domain.ProductionRunPlanned {
		t.Fatalf("expected planned run, got %s", run.Status)
	}
	f.advance(90 * time.Minute)

	res, err := f.svc.CompleteProductionRun(context.Background(), run.ID, strPtr("baker"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Run.Status != domain.ProductionRunCompleted || res.Run.CompletedAt == nil || !res.Run.CompletedAt.Equal(f.now) {
		t.Fatalf("unexpected completed run %+v", res.Run)
	}
	if res.Run.CompletedBy == nil || *res.Run.CompletedBy != "baker" || len(res.Run.Shortfalls) != 0 {
		t.Fatalf("unexpected completion metadata %+v", res.Run)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", res.Attempts)
	}
	if len(res.UsageRecords) != 2 {
		t.Fatalf("expected two usage records, got %+v", res.UsageRecords)
	}
	first, second := res.UsageRecords[0], res.UsageRecords[1]
	if first.LotID != "lot-a" || first.Quantity != 100 || second.LotID != "lot-b" || second.Quantity != 20 {
		t.Fatalf("expected oldest lot drained first, got %+v", res.UsageRecords)
	}
	for _, rec := range res.UsageRecords {
		if rec.Reason != domain.UsageProduction || rec.ProductionRunID == nil || *rec.ProductionRunID != run.ID || rec.Shortfall != 0 {
			t.Fatalf("unexpected usage record %+v", rec)
		}
	}
	if a, b := f.lot(t, "lot-a"), f.lot(t, "lot-b"); a.RemainingQty != 0 || b.RemainingQty != 30 || a.Revision != 2 || b.Revision != 2 {
		t.Fatalf("unexpected lots after completion: a=%+v b=%+v", a, b)
	}
	if len(res.Totals) != 1 || res.Totals[0].Quantity != 120000 || res.Totals[0].Unit != "g" {
		t.Fatalf("expected totals in the base unit, got %+v", res.Totals)
	}
	if len(res.Consumption) != 1 || len(res.Consumption[0].Allocations) != 2 || res.Consumption[0].Allocations[1].UnitCost != 3 {
		t.Fatalf("unexpected consumption %+v", res.Consumption)
	}

	if !strings.HasSuffix(res.SnapshotKey, "--v1--snap-02.json") {
		t.Fatalf("expected completion snapshot key, got %q", res.SnapshotKey)
	}
	snap, err := f.svc.LatestRunSnapshot(context.Background(), testScope, run.ID)
	if err != nil {
		t.Fatalf("latest run snapshot: %v", err)
	}
	if snap.Key != res.SnapshotKey || snap.Payload.RunID != run.ID || snap.Payload.CompletedBy != "baker" {
		t.Fatalf("unexpected run snapshot %+v", snap)
	}
	if len(snap.Payload.Recipes) != 1 || snap.Payload.Recipes[0].Scale != 2 || len(snap.Payload.Consumption) != 1 {
		t.Fatalf("unexpected run snapshot payload %+v", snap.Payload)
	}

	if _, err := f.svc.CompleteProductionRun(context.Background(), run.ID, nil); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected second completion to fail, got %v", err)
	}
	if _, err := f.svc.CompleteProductionRun(context.Background(), "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown run, got %v", err)
	}
}

func TestCompleteProductionRunRecordsShortfalls(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	ctx := context.Background()
	if _, _, err := f.svc.CreateIngredient(ctx, IngredientInput{ID: "yeast", ScopeID: testScope, Name: "Yeast", BaseUnit: "g"}); err != nil {
		t.Fatalf("create yeast: %v", err)
	}
	f.saveRecipe(t, "bread",
		domain.RecipeLine{IngredientID: "flour", Quantity: 100, Unit: "kg"},
		domain.RecipeLine{IngredientID: "yeast", Quantity: 40, Unit: "g"},
	)
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 2})

	res, err := f.svc.CompleteProductionRun(ctx, run.ID, nil)
	if err != nil {
		t.Fatalf("insufficient stock must not block completion: %v", err)
	}
	if len(res.UsageRecords) != 2 {
		t.Fatalf("expected one record per lot, got %+v", res.UsageRecords)
	}
	if first := res.UsageRecords[0]; first.Shortfall != 0 {
		t.Fatalf("shortfall belongs on the last record only, got %+v", first)
	}
	if last := res.UsageRecords[1]; last.LotID != "lot-b" || last.Quantity != 50 || last.Shortfall != 50 || last.ShortfallUnit != "kg" {
		t.Fatalf("unexpected last usage record %+v", last)
	}
	want := []domain.IngredientShortfall{
		{IngredientID: "flour", Required: 200, Available: 150, Shortfall: 50, Unit: "kg"},
		{IngredientID: "yeast", Required: 80, Available: 0, Shortfall: 80, Unit: "g"},
	}
	if len(res.Run.Shortfalls) != len(want) {
		t.Fatalf("unexpected run shortfalls %+v", res.Run.Shortfalls)
	}
	for i := range want {
		if res.Run.Shortfalls[i] != want[i] {
			t.Fatalf("shortfall %d: want %+v, got %+v", i, want[i], res.Run.Shortfalls[i])
		}
	}
	if a, b := f.lot(t, "lot-a"), f.lot(t, "lot-b"); a.RemainingQty != 0 || b.RemainingQty != 0 {
		t.Fatalf("expected ledger drained, got a=%v b=%v", a.RemainingQty, b.RemainingQty)
	}
	if !f.log.has("w:no ledger for ingredient") {
		t.Fatalf("expected missing ledger warning")
	}
}

func TestCompleteProductionRunCombinesRecipesPerIngredient(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.saveRecipe(t, "bread", domain.RecipeLine{IngredientID: "flour", Quantity: 10, Unit: "kg"})
	f.saveRecipe(t, "rolls", domain.RecipeLine{IngredientID: "flour", Quantity: 5000, Unit: "g"})
	run := createRun(t, f,
		domain.ProductionRunItem{RecipeID: "bread", Scale: 1},
		domain.ProductionRunItem{RecipeID: "rolls", Scale: 2},
	)

	res, err := f.svc.CompleteProductionRun(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Requirements) != 1 || res.Requirements[0].Quantity != 20 || res.Requirements[0].Unit != "kg" {
		t.Fatalf("expected combined requirement of 20 kg, got %+v", res.Requirements)
	}
	if len(res.UsageRecords) != 1 || res.UsageRecords[0].Quantity != 20 {
		t.Fatalf("expected a single draw on lot-a, got %+v", res.UsageRecords)
	}
	if got := f.lot(t, "lot-a").RemainingQty; got != 80 {
		t.Fatalf("expected 80 kg left in lot-a, got %v", got)
	}
}

func TestCompleteProductionRunUnitMismatchIsRecordedOnRunOnly(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.saveRecipe(t, "bread",
		domain.RecipeLine{IngredientID: "flour", Quantity: 10, Unit: "kg"},
		domain.RecipeLine{IngredientID: "flour", Quantity: 2, Unit: "cup"},
	)
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 1})

	res, err := f.svc.CompleteProductionRun(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Requirements) != 1 || !res.Requirements[0].HasUnreconciled() {
		t.Fatalf("expected unreconciled cups, got %+v", res.Requirements)
	}
	if len(res.UsageRecords) != 1 || res.UsageRecords[0].Shortfall != 0 {
		t.Fatalf("unit mismatch must not be charged to a lot, got %+v", res.UsageRecords)
	}
	if len(res.Run.Shortfalls) != 1 || res.Run.Shortfalls[0].Unit != "cup" || res.Run.Shortfalls[0].Shortfall != 2 {
		t.Fatalf("expected cup shortfall on run, got %+v", res.Run.Shortfalls)
	}
}

// interferingStore commits interfere once, right before the first
// transaction it is asked to run.
type interferingStore struct {
	*memory.Store
	once      sync.Once
	interfere func(Transaction) error
}

func (s *interferingStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error) {
	var err error
	s.once.Do(func() { _, err = s.Store.RunInTransaction(ctx, s.interfere) })
	if err != nil {
		return Result{}, err
	}
	return s.Store.RunInTransaction(ctx, fn)
}

func drainTen(tx Transaction) error {
	lot, _ := tx.FindLot("lot-a")
	_, err := tx.UpdateLot(lot.ID, lot.Revision, func(l *domain.Lot) error {
		l.RemainingQty -= 10
		return nil
	})
	return err
}

func TestCompleteProductionRunReplansStaleLots(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.saveRecipe(t, "bread", domain.RecipeLine{IngredientID: "flour", Quantity: 120, Unit: "kg"})
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 1})

	svc, err := NewService(&interferingStore{Store: f.store, interfere: drainTen}, WithLogger(f.log), WithSnapshotStore(f.snaps))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	res, err := svc.CompleteProductionRun(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected a re-plan, got %d attempts", res.Attempts)
	}
	if !f.log.has("w:lot changed during completion, re-planning") {
		t.Fatalf("expected re-plan warning")
	}
	if res.UsageRecords[0].Quantity != 90 || res.UsageRecords[1].Quantity != 30 {
		t.Fatalf("expected draws planned against the new revision, got %+v", res.UsageRecords)
	}
	if b := f.lot(t, "lot-b"); b.RemainingQty != 20 {
		t.Fatalf("expected 20 kg left in lot-b, got %v", b.RemainingQty)
	}
}

func TestCompleteProductionRunGivesUpAfterAttemptLimit(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	f.saveRecipe(t, "bread", domain.RecipeLine{IngredientID: "flour", Quantity: 10, Unit: "kg"})
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 1})

	svc, err := NewService(&interferingStore{Store: f.store, interfere: drainTen}, WithCompletionAttempts(1))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.CompleteProductionRun(context.Background(), run.ID, nil); !errors.Is(err, domain.ErrStaleLot) {
		t.Fatalf("expected stale lot error, got %v", err)
	}
	stored, _ := f.store.GetProductionRun(run.ID)
	if stored.Status != domain.ProductionRunPlanned {
		t.Fatalf("failed completion must leave the run planned, got %s", stored.Status)
	}
}

type failingBlobStore struct {
	blob.Store
}

func (failingBlobStore) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket unavailable")
}

func TestCompleteProductionRunSurvivesSnapshotFailure(t *testing.T) {
	f := newFixture(t, WithSnapshotStore(failingBlobStore{Store: blob.NewMemory()}))
	f.seedFlour(t)
	f.saveRecipe(t, "bread", domain.RecipeLine{IngredientID: "flour", Quantity: 10, Unit: "kg"})
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "bread", Scale: 1})

	res, err := f.svc.CompleteProductionRun(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("snapshot failure must not fail completion: %v", err)
	}
	if res.SnapshotKey != "" || res.Run.Status != domain.ProductionRunCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if !f.log.has("e:production run snapshot failed") || !f.log.has("e:recipe snapshot failed") {
		t.Fatalf("expected snapshot failures to be logged, got %v", f.log.entries)
	}
}

type captureLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	fail     error
}

func (l *captureLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released = append(l.released, key)
	}, nil
}

func TestCompleteProductionRunLocksLedgersInOrder(t *testing.T) {
	locker := &captureLocker{}
	f := newFixture(t, WithLocker(locker))
	f.seedFlour(t)
	ctx := context.Background()
	if _, _, err := f.svc.CreateIngredient(ctx, IngredientInput{ID: "butter", ScopeID: testScope, Name: "Butter", BaseUnit: "g"}); err != nil {
		t.Fatalf("create butter: %v", err)
	}
	f.saveRecipe(t, "brioche",
		domain.RecipeLine{IngredientID: "flour", Quantity: 1, Unit: "kg"},
		domain.RecipeLine{IngredientID: "butter", Quantity: 500, Unit: "g"},
	)
	run := createRun(t, f, domain.ProductionRunItem{RecipeID: "brioche", Scale: 1})

	if _, err := f.svc.CompleteProductionRun(ctx, run.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	wantAcquired := []string{LedgerLockKey(testScope, "butter"), LedgerLockKey(testScope, "flour")}
	if strings.Join(locker.acquired, ",") != strings.Join(wantAcquired, ",") {
		t.Fatalf("unexpected lock order %v", locker.acquired)
	}
	if strings.Join(locker.released, ",") != wantAcquired[1]+","+wantAcquired[0] {
		t.Fatalf("expected locks released in reverse order, got %v", locker.released)
	}

	locker.fail = errors.New("lock timeout")
	second := createRun(t, f, domain.ProductionRunItem{RecipeID: "brioche", Scale: 1})
	if _, err := f.svc.CompleteProductionRun(ctx, second.ID, nil); err == nil || !strings.Contains(err.Error(), "lock timeout") {
		t.Fatalf("expected lock failure, got %v", err)
	}
}
