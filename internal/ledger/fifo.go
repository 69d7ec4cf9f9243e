package ledger

import (
	"fmt"
	"math"
	"sort"

	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

// Epsilon absorbs floating-point drift accumulated across chained unit
// conversions. Outstanding need at or below Epsilon counts as satisfied.
const Epsilon = 0.0001

// Allocation is the share of a request drawn from one lot.
type Allocation struct {
	LotID string `json:"lot_id"`
	// Quantity is expressed in the lot unit.
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	// DisplayQuantity is the same amount in the ledger display unit.
	DisplayQuantity float64 `json:"display_quantity"`
	// Revision is the lot revision the allocation was planned against.
	Revision int64 `json:"revision"`
}

// Plan is the outcome of FIFO planning. TotalRequested, TotalFulfilled and
// Shortfall are in Unit, which is the display unit unless the request
// itself could not be converted.
type Plan struct {
	Unit           string       `json:"unit"`
	Allocations    []Allocation `json:"allocations"`
	TotalRequested float64      `json:"total_requested"`
	TotalFulfilled float64      `json:"total_fulfilled"`
	Shortfall      float64      `json:"shortfall"`
	HasShortfall   bool         `json:"has_shortfall"`
	// UnitMismatch is set when the requested unit cannot be expressed in the
	// display unit, making the whole request unsatisfiable.
	UnitMismatch bool `json:"unit_mismatch,omitempty"`
}

// PlanConsumption allocates quantity (in unit) across active lots oldest
// purchase first. It never fails on insufficient stock: the unmet remainder
// is reported as Shortfall.
func (l *Ledger) PlanConsumption(quantity float64, unit string) Plan {
	if quantity <= 0 {
		return Plan{Unit: l.DisplayUnit}
	}
	need, ok := units.Convert(quantity, unit, l.DisplayUnit)
	if !ok {
		l.logger.Warn("requested unit not convertible to display unit",
			"unit", unit, "display_unit", l.DisplayUnit, "quantity", quantity)
		return Plan{
			Unit:           unit,
			TotalRequested: quantity,
			Shortfall:      quantity,
			HasShortfall:   true,
			UnitMismatch:   true,
		}
	}

	plan := Plan{Unit: l.DisplayUnit, TotalRequested: need}
	outstanding := need
	for _, lot := range l.fifoOrder() {
		if outstanding <= Epsilon {
			break
		}
		available, ok := units.Convert(lot.RemainingQty, lot.Unit, l.DisplayUnit)
		if !ok {
			l.warnConversion(lot)
			continue
		}
		take := math.Min(outstanding, available)
		native := lot.RemainingQty
		if take < available {
			native, ok = units.Convert(take, l.DisplayUnit, lot.Unit)
			if !ok {
				l.warnConversion(lot)
				continue
			}
			native = math.Min(native, lot.RemainingQty)
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			LotID:           lot.ID,
			Quantity:        native,
			Unit:            lot.Unit,
			DisplayQuantity: take,
			Revision:        lot.Revision,
		})
		outstanding -= take
		plan.TotalFulfilled += take
	}
	plan.Shortfall = math.Max(0, outstanding)
	plan.HasShortfall = plan.Shortfall > Epsilon
	return plan
}

// Consume plans the request and applies the allocations to the in-memory
// lots, returning the plan.
func (l *Ledger) Consume(quantity float64, unit string) Plan {
	plan := l.PlanConsumption(quantity, unit)
	if err := Apply(l.Lots, plan); err != nil {
		l.logger.Warn("apply consumption plan", "error", err)
	}
	return plan
}

// Apply decrements lots in place by the plan allocations. Remaining
// quantities are clamped at zero.
func Apply(lots []domain.Lot, plan Plan) error {
	index := make(map[string]int, len(lots))
	for i, lot := range lots {
		index[lot.ID] = i
	}
	for _, a := range plan.Allocations {
		i, ok := index[a.LotID]
		if !ok {
			return fmt.Errorf("allocation references unknown lot %q", a.LotID)
		}
		lots[i].RemainingQty = Decrement(lots[i].RemainingQty, a.Quantity)
	}
	return nil
}

// Decrement subtracts qty from remaining without going below zero.
func Decrement(remaining, qty float64) float64 {
	next := remaining - qty
	if next < Epsilon*Epsilon {
		return 0
	}
	return next
}

func (l *Ledger) fifoOrder() []domain.Lot {
	eligible := make([]domain.Lot, 0, len(l.Lots))
	for _, lot := range l.Lots {
		if lot.Active() {
			eligible = append(eligible, lot)
		}
	}
	SortFIFO(eligible)
	return eligible
}

// SortFIFO orders lots by purchase time, then creation sequence, then id.
func SortFIFO(lots []domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.PurchasedAt.Before(b.PurchasedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
