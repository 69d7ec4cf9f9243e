package core

import (
	"context"
	"testing"
	"time"

	"bakeops/pkg/domain"
)

type stubRuleView struct {
	lots map[string]domain.Lot
}

func (stubRuleView) FindIngredient(string) (domain.Ingredient, bool) { return domain.Ingredient{}, false }
func (stubRuleView) FindInventory(string) (domain.Inventory, bool)   { return domain.Inventory{}, false }
func (stubRuleView) ListLots(string) []domain.Lot                    { return nil }

func (v stubRuleView) FindLot(id string) (domain.Lot, bool) {
	l, ok := v.lots[id]
	return l, ok
}

func TestDefaultRulesEngineRegistersLedgerPolicies(t *testing.T) {
	got := NewDefaultRulesEngine().Rules()
	want := []string{RuleLotBounds, RuleUsageReference, RuleExpiredLotConsumption}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(NewRulesEngine().Rules()) != 0 {
		t.Fatalf("expected empty engine")
	}
}

func TestLotBoundsRule(t *testing.T) {
	cases := []struct {
		name    string
		lot     domain.Lot
		blocked bool
	}{
		{"within bounds", domain.Lot{PurchaseQty: 10, RemainingQty: 4}, false},
		{"drift above purchase", domain.Lot{PurchaseQty: 10, RemainingQty: 10.00001}, false},
		{"negative remaining", domain.Lot{PurchaseQty: 10, RemainingQty: -1}, true},
		{"exceeds purchase", domain.Lot{PurchaseQty: 10, RemainingQty: 11}, true},
		{"zero purchase", domain.Lot{PurchaseQty: 0}, true},
	}
	rule := NewLotBoundsRule()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := rule.Evaluate(context.Background(), stubRuleView{}, []domain.Change{{Entity: domain.EntityLot, Action: domain.ActionUpdate, After: tc.lot}})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.HasBlocking() != tc.blocked {
				t.Fatalf("expected blocked=%v, got %+v", tc.blocked, res)
			}
		})
	}

	res, _ := rule.Evaluate(context.Background(), stubRuleView{}, []domain.Change{
		{Entity: domain.EntityLot, Action: domain.ActionDelete, Before: domain.Lot{PurchaseQty: -1}},
		{Entity: domain.EntityRecipe, Action: domain.ActionCreate, After: domain.Recipe{}},
	})
	if len(res.Violations) != 0 {
		t.Fatalf("expected unrelated changes to be ignored, got %+v", res)
	}
}

func TestUsageReferenceRule(t *testing.T) {
	view := stubRuleView{lots: map[string]domain.Lot{"lot-1": {Base: domain.Base{ID: "lot-1"}, InventoryID: "inv-1"}}}
	cases := []struct {
		name    string
		usage   domain.UsageRecord
		blocked bool
	}{
		{"valid", domain.UsageRecord{LotID: "lot-1", InventoryID: "inv-1", Quantity: 2, Shortfall: 1}, false},
		{"missing lot", domain.UsageRecord{LotID: "lot-9", InventoryID: "inv-1", Quantity: 2}, true},
		{"foreign ledger", domain.UsageRecord{LotID: "lot-1", InventoryID: "inv-2", Quantity: 2}, true},
		{"negative quantity", domain.UsageRecord{LotID: "lot-1", InventoryID: "inv-1", Quantity: -2}, true},
		{"negative shortfall", domain.UsageRecord{LotID: "lot-1", InventoryID: "inv-1", Shortfall: -1}, true},
	}
	rule := NewUsageReferenceRule()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := rule.Evaluate(context.Background(), view, []domain.Change{{Entity: domain.EntityUsageRecord, Action: domain.ActionCreate, After: tc.usage}})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.HasBlocking() != tc.blocked {
				t.Fatalf("expected blocked=%v, got %+v", tc.blocked, res)
			}
		})
	}
}

func TestExpiredLotConsumptionWarns(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	expiry := f.now.AddDate(0, 0, -2)
	f.purchase(t, PurchaseInput{ID: "lot-old", IngredientID: "flour", Quantity: 5, Unit: "kg", UnitCost: 1, PurchasedAt: purchaseDay(3), ExpiresAt: &expiry})

	_, res, err := f.svc.AdjustLot(context.Background(), AdjustmentInput{LotID: "lot-old", Remaining: 0, Reason: domain.UsageWaste})
	if err != nil {
		t.Fatalf("warnings must not block: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Rule != RuleExpiredLotConsumption || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected expiry warning, got %+v", res.Violations)
	}
	if !f.log.has("w:rule violation") {
		t.Fatalf("expected warning to be logged")
	}

	fresh := f.now.AddDate(0, 0, 10)
	f.purchase(t, PurchaseInput{ID: "lot-new", IngredientID: "flour", Quantity: 5, Unit: "kg", UnitCost: 1, PurchasedAt: purchaseDay(4), ExpiresAt: &fresh})
	_, res, err = f.svc.AdjustLot(context.Background(), AdjustmentInput{LotID: "lot-new", Remaining: 4})
	if err != nil || len(res.Violations) != 0 {
		t.Fatalf("expected no warning for a fresh lot, got %+v %v", res, err)
	}
}

func TestExpiredLotRuleIgnoresRestocks(t *testing.T) {
	expired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := domain.Lot{PurchaseQty: 10, RemainingQty: 2, ExpiresAt: &expired}
	after := before
	after.RemainingQty = 5
	after.UpdatedAt = expired.AddDate(0, 1, 0)
	res, err := NewExpiredLotConsumptionRule().Evaluate(context.Background(), stubRuleView{}, []domain.Change{{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: before, After: after}})
	if err != nil || len(res.Violations) != 0 {
		t.Fatalf("expected increase to be ignored, got %+v %v", res, err)
	}
}
