package core

import (
	"context"
	"fmt"

	"bakeops/internal/ledger"
	"bakeops/pkg/domain"
)

// Built-in rule names.
const (
	RuleLotBounds             = "lot_bounds"
	RuleUsageReference        = "usage_reference"
	RuleExpiredLotConsumption = "expired_lot_consumption"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in ledger policy
// set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewLotBoundsRule())
	engine.Register(NewUsageReferenceRule())
	engine.Register(NewExpiredLotConsumptionRule())
	return engine
}

type lotBoundsRule struct{}

// NewLotBoundsRule blocks any lot whose remaining quantity falls outside
// [0, purchase quantity].
func NewLotBoundsRule() domain.Rule { return lotBoundsRule{} }

func (lotBoundsRule) Name() string { return RuleLotBounds }

func (r lotBoundsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityLot || change.Action == domain.ActionDelete {
			continue
		}
		lot, ok := change.After.(domain.Lot)
		if !ok {
			continue
		}
		var msg string
		switch {
		case lot.PurchaseQty <= 0:
			msg = fmt.Sprintf("purchase quantity %g must be positive", lot.PurchaseQty)
		case lot.RemainingQty < 0:
			msg = fmt.Sprintf("remaining quantity %g is negative", lot.RemainingQty)
		case lot.RemainingQty > lot.PurchaseQty+ledger.Epsilon:
			msg = fmt.Sprintf("remaining quantity %g exceeds purchase quantity %g", lot.RemainingQty, lot.PurchaseQty)
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityLot,
			EntityID: lot.ID,
		})
	}
	return res, nil
}

type usageReferenceRule struct{}

// NewUsageReferenceRule blocks usage records that reference a missing lot or
// carry negative quantities.
func NewUsageReferenceRule() domain.Rule { return usageReferenceRule{} }

func (usageReferenceRule) Name() string { return RuleUsageReference }

func (r usageReferenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityUsageRecord || change.Action != domain.ActionCreate {
			continue
		}
		usage, ok := change.After.(domain.UsageRecord)
		if !ok {
			continue
		}
		var msg string
		lot, found := view.FindLot(usage.LotID)
		switch {
		case !found:
			msg = fmt.Sprintf("lot %q does not exist", usage.LotID)
		case lot.InventoryID != usage.InventoryID:
			msg = fmt.Sprintf("lot %q belongs to inventory %q, not %q", lot.ID, lot.InventoryID, usage.InventoryID)
		case usage.Quantity < 0:
			msg = fmt.Sprintf("consumed quantity %g is negative", usage.Quantity)
		case usage.Shortfall < 0:
			msg = fmt.Sprintf("shortfall %g is negative", usage.Shortfall)
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityUsageRecord,
			EntityID: usage.ID,
		})
	}
	return res, nil
}

type expiredLotConsumptionRule struct{}

// NewExpiredLotConsumptionRule warns when stock is drawn from a lot that had
// already expired at the time of the update.
func NewExpiredLotConsumptionRule() domain.Rule { return expiredLotConsumptionRule{} }

func (expiredLotConsumptionRule) Name() string { return RuleExpiredLotConsumption }

func (r expiredLotConsumptionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityLot || change.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := change.Before.(domain.Lot)
		after, okAfter := change.After.(domain.Lot)
		if !okBefore || !okAfter || after.RemainingQty >= before.RemainingQty {
			continue
		}
		if !before.ExpiredAt(after.UpdatedAt) {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("consumed %g %s from lot expired at %s", before.RemainingQty-after.RemainingQty, after.Unit, before.ExpiresAt.Format("2006-01-02")),
			Entity:   domain.EntityLot,
			EntityID: after.ID,
		})
	}
	return res, nil
}
