package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bakeops/internal/aggregation"
	"bakeops/internal/ledger"
	"bakeops/internal/snapshot"
	"bakeops/internal/snapshot/serializers"
	"bakeops/pkg/domain"
)

// ErrRunCompleted is returned when completing a run twice.
var ErrRunCompleted = errors.New("production run already completed")

// ProductionRunInput schedules recipes for one bake.
type ProductionRunInput struct {
	ID      string
	ScopeID string                     `validate:"required"`
	Name    string                     `validate:"required"`
	Items   []domain.ProductionRunItem `validate:"min=1,dive"`
}

// CompletionResult describes a completed production run.
type CompletionResult struct {
	Run          domain.ProductionRun
	Totals       []aggregation.IngredientTotal
	Requirements []aggregation.Requirement
	Consumption  []serializers.ConsumptionSnapshot
	UsageRecords []domain.UsageRecord
	// SnapshotKey is empty when the post-commit snapshot could not be written.
	SnapshotKey string
	Attempts    int
	Result      Result
}

// ingredientPlan holds the FIFO plans of one requirement. inventory is nil
// when the scope has no ledger for the ingredient.
type ingredientPlan struct {
	ingredientID string
	inventory    *domain.Inventory
	lots         map[string]domain.Lot
	plans        []ledger.Plan
}

// CreateProductionRun persists a planned run after checking every recipe
// exists.
func (s *Service) CreateProductionRun(ctx context.Context, in ProductionRunInput) (domain.ProductionRun, Result, error) {
	var (
		created domain.ProductionRun
		res     Result
	)
	err := s.run(ctx, "create_production_run", func(ctx context.Context) error {
		if err := s.validate.Struct(in); err != nil {
			return fmt.Errorf("invalid production run: %w", err)
		}
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if _, err := scaleItems(tx, in.Items); err != nil {
				return err
			}
			var err error
			created, err = tx.CreateProductionRun(domain.ProductionRun{
				Base:    domain.Base{ID: in.ID},
				ScopeID: in.ScopeID,
				Name:    in.Name,
				Status:  domain.ProductionRunPlanned,
				Items:   append([]domain.ProductionRunItem(nil), in.Items...),
			})
			return err
		})
		return err
	})
	return created, res, err
}

// CompleteProductionRun consumes the run's aggregated requirements from
// their ledgers oldest lot first and marks the run completed, all in one
// transaction. Insufficient stock never blocks completion; shortfalls are
// recorded on the last usage record of each ledger and on the run. Plans
// are made outside the transaction and applied with a revision check; when
// a lot changed in between, the run is re-planned up to the configured
// attempt limit. A COMPLETE snapshot is written after commit; its failure
// is logged and leaves SnapshotKey empty.
func (s *Service) CompleteProductionRun(ctx context.Context, runID string, actor *string) (CompletionResult, error) {
	var out CompletionResult
	err := s.run(ctx, "complete_production_run", func(ctx context.Context) error {
		var (
			run    domain.ProductionRun
			scaled []aggregation.ScaledRecipe
		)
		err := s.store.View(ctx, func(view TransactionView) error {
			var ok bool
			run, ok = view.FindProductionRun(runID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityProductionRun, ID: runID}
			}
			if run.Status == domain.ProductionRunCompleted {
				return fmt.Errorf("%w: %s", ErrRunCompleted, runID)
			}
			var err error
			if scaled, err = scaleItems(view, run.Items); err != nil {
				return err
			}
			agg := s.aggregator(view)
			out.Totals = agg.Aggregate(scaled)
			out.Requirements = agg.BuildRequirements(scaled)
			return nil
		})
		if err != nil {
			return err
		}

		release, err := s.lockLedgers(ctx, run.ScopeID, out.Requirements)
		if err != nil {
			return err
		}
		defer release()

		for attempt := 1; ; attempt++ {
			out.Attempts = attempt
			err = s.applyCompletion(ctx, run, actor, &out)
			if err == nil {
				break
			}
			if !errors.Is(err, domain.ErrStaleLot) || attempt >= s.opts.maxAttempts {
				return err
			}
			s.opts.logger.Warn("lot changed during completion, re-planning", "run_id", runID, "attempt", attempt, "error", err)
		}
		s.logWarnings("complete_production_run", out.Result)

		out.SnapshotKey = s.snapshotRun(ctx, serializers.CompletedRun{
			Run:         out.Run,
			Recipes:     scaled,
			Totals:      out.Totals,
			Consumption: out.Consumption,
		}, actor)
		return nil
	})
	return out, err
}

func (s *Service) applyCompletion(ctx context.Context, run domain.ProductionRun, actor *string, out *CompletionResult) error {
	var planned []ingredientPlan
	if err := s.store.View(ctx, func(view TransactionView) error {
		planned = s.planRequirements(view, run.ScopeID, out.Requirements)
		return nil
	}); err != nil {
		return err
	}

	completedAt := s.now()
	var (
		usage       []domain.UsageRecord
		consumption []serializers.ConsumptionSnapshot
		shortfalls  []domain.IngredientShortfall
		completed   domain.ProductionRun
	)
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		usage, consumption, shortfalls = nil, nil, nil
		for _, ip := range planned {
			records, err := applyIngredientPlan(tx, run.ID, ip)
			if err != nil {
				return err
			}
			usage = append(usage, records...)
			for _, p := range ip.plans {
				consumption = append(consumption, consumptionOf(ip, p))
				if p.HasShortfall {
					shortfalls = append(shortfalls, shortfallOf(ip.ingredientID, p))
				}
			}
		}
		var err error
		completed, err = tx.UpdateProductionRun(run.ID, func(r *domain.ProductionRun) error {
			if r.Status == domain.ProductionRunCompleted {
				return fmt.Errorf("%w: %s", ErrRunCompleted, r.ID)
			}
			r.Status = domain.ProductionRunCompleted
			r.CompletedAt = &completedAt
			r.CompletedBy = actor
			r.Shortfalls = shortfalls
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	out.Run = completed
	out.UsageRecords = usage
	out.Consumption = consumption
	out.Result = res
	return nil
}

// applyIngredientPlan decrements every allocated lot and writes one usage
// record per lot. The shortfall in the display unit is appended to the last
// record.
func applyIngredientPlan(tx Transaction, runID string, ip ingredientPlan) ([]domain.UsageRecord, error) {
	if ip.inventory == nil {
		return nil, nil
	}
	type lotDraw struct {
		lotID    string
		quantity float64
		revision int64
	}
	var (
		draws     []lotDraw
		index     = map[string]int{}
		shortfall float64
	)
	for _, p := range ip.plans {
		for _, a := range p.Allocations {
			if i, ok := index[a.LotID]; ok {
				draws[i].quantity += a.Quantity
				continue
			}
			index[a.LotID] = len(draws)
			draws = append(draws, lotDraw{lotID: a.LotID, quantity: a.Quantity, revision: a.Revision})
		}
		if p.HasShortfall && !p.UnitMismatch {
			shortfall += p.Shortfall
		}
	}
	records := make([]domain.UsageRecord, 0, len(draws))
	for i, d := range draws {
		lot, err := tx.UpdateLot(d.lotID, d.revision, func(l *domain.Lot) error {
			l.RemainingQty = ledger.Decrement(l.RemainingQty, d.quantity)
			return nil
		})
		if err != nil {
			return nil, err
		}
		rec := domain.UsageRecord{
			LotID:           lot.ID,
			InventoryID:     ip.inventory.ID,
			Quantity:        d.quantity,
			Unit:            lot.Unit,
			Reason:          domain.UsageProduction,
			ProductionRunID: &runID,
		}
		if i == len(draws)-1 && shortfall > ledger.Epsilon {
			rec.Shortfall = shortfall
			rec.ShortfallUnit = ip.inventory.DisplayUnit
		}
		created, err := tx.CreateUsageRecord(rec)
		if err != nil {
			return nil, err
		}
		records = append(records, created)
	}
	return records, nil
}

// planRequirements runs the FIFO planner for every requirement against a
// private copy of its ledger. Unreconciled quantities are planned separately
// after the main quantity.
func (s *Service) planRequirements(view TransactionView, scopeID string, reqs []aggregation.Requirement) []ingredientPlan {
	out := make([]ingredientPlan, 0, len(reqs))
	for _, req := range reqs {
		ip := ingredientPlan{ingredientID: req.IngredientID, lots: map[string]domain.Lot{}}
		requests := append([]aggregation.Quantity{{Quantity: req.Quantity, Unit: req.Unit}}, req.Unreconciled...)
		inv, ok := view.FindInventoryForIngredient(scopeID, req.IngredientID)
		if !ok {
			s.opts.logger.Warn("no ledger for ingredient", "scope_id", scopeID, "ingredient_id", req.IngredientID)
			for _, q := range requests {
				ip.plans = append(ip.plans, ledger.Plan{
					Unit:           q.Unit,
					TotalRequested: q.Quantity,
					Shortfall:      q.Quantity,
					HasShortfall:   q.Quantity > ledger.Epsilon,
				})
			}
			out = append(out, ip)
			continue
		}
		ip.inventory = &inv
		lots := view.ListLots(inv.ID)
		for _, lot := range lots {
			ip.lots[lot.ID] = lot
		}
		l := ledger.FromInventory(inv, lots, ledger.WithLogger(s.opts.logger))
		for _, q := range requests {
			ip.plans = append(ip.plans, l.Consume(q.Quantity, q.Unit))
		}
		out = append(out, ip)
	}
	return out
}

func consumptionOf(ip ingredientPlan, p ledger.Plan) serializers.ConsumptionSnapshot {
	cs := serializers.ConsumptionSnapshot{
		IngredientID: ip.ingredientID,
		Unit:         p.Unit,
		Requested:    p.TotalRequested,
		Fulfilled:    p.TotalFulfilled,
		Shortfall:    p.Shortfall,
		Allocations:  make([]serializers.AllocationSnapshot, 0, len(p.Allocations)),
	}
	for _, a := range p.Allocations {
		cs.Allocations = append(cs.Allocations, serializers.AllocationSnapshot{
			LotID:    a.LotID,
			Quantity: a.Quantity,
			Unit:     a.Unit,
			UnitCost: ip.lots[a.LotID].UnitCost,
		})
	}
	return cs
}

// lockLedgers acquires the ledger locks of every requirement in sorted key
// order and returns a function releasing them all.
func (s *Service) lockLedgers(ctx context.Context, scopeID string, reqs []aggregation.Requirement) (func(), error) {
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, LedgerLockKey(scopeID, req.IngredientID))
	}
	sort.Strings(keys)
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := s.opts.locker.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// LedgerLockKey names the lock guarding one ingredient ledger.
func LedgerLockKey(scopeID, ingredientID string) string {
	return "ledger/" + scopeID + "/" + ingredientID
}

func (s *Service) snapshotRun(ctx context.Context, cr serializers.CompletedRun, actor *string) string {
	key, err := s.runs.CreateSnapshot(ctx, cr, cr.Run.ScopeID, cr.Run.ID, cr.Run.Name, snapshot.TriggerComplete, actor)
	if err != nil {
		s.opts.logger.Error("production run snapshot failed", "run_id", cr.Run.ID, "error", err)
		return ""
	}
	return key
}

// LatestRunSnapshot returns the COMPLETE snapshot of a run.
func (s *Service) LatestRunSnapshot(ctx context.Context, scopeID, runID string) (snapshot.Snapshot[serializers.ProductionRunSnapshot], error) {
	var snap snapshot.Snapshot[serializers.ProductionRunSnapshot]
	err := s.run(ctx, "latest_run_snapshot", func(ctx context.Context) error {
		var err error
		snap, err = s.runs.GetLatestSnapshot(ctx, scopeID, runID)
		return err
	})
	return snap, err
}
