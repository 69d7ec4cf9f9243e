// Package ledger implements per-ingredient lot ledger valuation and the FIFO
// consumption planner. Every function is pure over the lots it is given;
// persistence of decrements is left to the caller.
package ledger

import (
	"sort"
	"time"

	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

// Logger receives non-fatal conversion anomalies.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger routes conversion warnings to logger.
func WithLogger(logger Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger is a read model over the lots of one inventory.
type Ledger struct {
	DisplayUnit string
	Lots        []domain.Lot
	logger      Logger
}

// New builds a ledger over a copy of lots.
func New(displayUnit string, lots []domain.Lot, opts ...Option) *Ledger {
	l := &Ledger{
		DisplayUnit: displayUnit,
		Lots:        append([]domain.Lot(nil), lots...),
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromInventory builds a ledger using the inventory display unit.
func FromInventory(inv domain.Inventory, lots []domain.Lot, opts ...Option) *Ledger {
	return New(inv.DisplayUnit, lots, opts...)
}

// TotalQuantity sums the remaining stock of active lots in the display unit.
// Lots whose unit cannot be converted contribute nothing.
func (l *Ledger) TotalQuantity() float64 {
	var total float64
	for _, lot := range l.Lots {
		if !lot.Active() {
			continue
		}
		qty, ok := units.Convert(lot.RemainingQty, lot.Unit, l.DisplayUnit)
		if !ok {
			l.warnConversion(lot)
			continue
		}
		total += qty
	}
	return total
}

// WeightedAverageCost returns the remaining-quantity weighted cost per display
// unit. Lots failing conversion are excluded from both sums; an empty ledger
// yields 0.
func (l *Ledger) WeightedAverageCost() float64 {
	var weighted, qtySum float64
	for _, lot := range l.Lots {
		if !lot.Active() {
			continue
		}
		qty, ok := units.Convert(lot.RemainingQty, lot.Unit, l.DisplayUnit)
		if !ok {
			l.warnConversion(lot)
			continue
		}
		cost, ok := units.CostPerUnit(lot.UnitCost, lot.Unit, l.DisplayUnit)
		if !ok {
			l.warnConversion(lot)
			continue
		}
		weighted += qty * cost
		qtySum += qty
	}
	if qtySum <= 0 {
		return 0
	}
	return weighted / qtySum
}

// TotalValue sums remaining × unit cost in each lot's own unit. The figure is
// deliberately not converted to the display unit.
func (l *Ledger) TotalValue() float64 {
	var total float64
	for _, lot := range l.Lots {
		if !lot.Active() {
			continue
		}
		total += lot.RemainingQty * lot.UnitCost
	}
	return total
}

// ExpiringSoon returns active lots whose expiry falls within withinDays of now
// and that have not yet expired, soonest first.
func (l *Ledger) ExpiringSoon(now time.Time, withinDays int) []domain.Lot {
	horizon := now.AddDate(0, 0, withinDays)
	var out []domain.Lot
	for _, lot := range l.Lots {
		if !lot.Active() || lot.ExpiresAt == nil {
			continue
		}
		if lot.ExpiresAt.Before(now) || lot.ExpiresAt.After(horizon) {
			continue
		}
		out = append(out, lot)
	}
	sortByExpiry(out)
	return out
}

// Expired returns active lots whose expiry lies before now, oldest first.
func (l *Ledger) Expired(now time.Time) []domain.Lot {
	var out []domain.Lot
	for _, lot := range l.Lots {
		if lot.Active() && lot.ExpiredAt(now) {
			out = append(out, lot)
		}
	}
	sortByExpiry(out)
	return out
}

func sortByExpiry(lots []domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		return lots[i].ExpiresAt.Before(*lots[j].ExpiresAt)
	})
}

func (l *Ledger) warnConversion(lot domain.Lot) {
	l.logger.Warn("lot unit not convertible to display unit",
		"lot_id", lot.ID, "unit", lot.Unit, "display_unit", l.DisplayUnit)
}
