// Package core orchestrates the bakery ledger: purchases and adjustments,
// inventory pre-checks, production run completion with FIFO consumption,
// recipe costing, and the snapshots written after each commit.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"bakeops/internal/blob"
	"bakeops/internal/infra/persistence/memory"
	"bakeops/internal/snapshot"
	"bakeops/internal/snapshot/serializers"
	"bakeops/internal/units"
	"bakeops/pkg/domain"
)

type (
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore.
	PersistentStore = domain.PersistentStore
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Result aliases domain.Result.
	Result = domain.Result
)

type (
	recipeSnapshots = snapshot.Service[serializers.RecipeCosting, serializers.RecipeSnapshot]
	runSnapshots    = snapshot.Service[serializers.CompletedRun, serializers.ProductionRunSnapshot]
)

// Service exposes the transactional ledger operations.
type Service struct {
	store    PersistentStore
	opts     serviceOptions
	recipes  *recipeSnapshots
	runs     *runSnapshots
	reader   *snapshot.Reader
	validate *validator.Validate
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) (*Service, error) {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.snapshots == nil {
		o.snapshots = blob.NewMemory()
	}
	snapOpts := []snapshot.Option{
		snapshot.WithLogger(o.logger),
		snapshot.WithClock(func() time.Time { return o.clock.Now().UTC() }),
	}
	if o.snapshotIDFn != nil {
		snapOpts = append(snapOpts, snapshot.WithIDGenerator(o.snapshotIDFn))
	}
	recipes, err := snapshot.NewService[serializers.RecipeCosting, serializers.RecipeSnapshot](o.snapshots, serializers.NewRecipeSerializer(), snapOpts...)
	if err != nil {
		return nil, err
	}
	runs, err := snapshot.NewService[serializers.CompletedRun, serializers.ProductionRunSnapshot](o.snapshots, serializers.NewProductionRunSerializer(), snapOpts...)
	if err != nil {
		return nil, err
	}
	registry, err := serializers.Registry()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		opts:     o,
		recipes:  recipes,
		runs:     runs,
		reader:   snapshot.NewReader(o.snapshots, registry, snapOpts...),
		validate: newValidator(),
	}, nil
}

// NewInMemoryService creates a service over an in-memory store with the given
// rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	svc, err := NewService(memory.NewStore(engine), opts...)
	if err != nil {
		panic(err)
	}
	return svc
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

func (s *Service) now() time.Time {
	return s.opts.clock.Now().UTC()
}

// run wraps an operation with tracing, metrics and logging.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := s.opts.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	s.opts.metrics.Observe(ctx, op, err == nil, time.Since(started))
	if err != nil {
		s.opts.logger.Error("operation failed", "operation", op, "error", err)
	} else {
		s.opts.logger.Debug("operation completed", "operation", op)
	}
	return err
}

func (s *Service) logWarnings(op string, res Result) {
	for _, v := range res.Advisory() {
		s.opts.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "entity", v.Entity, "entity_id", v.EntityID, "message", v.Message)
	}
}

var (
	validatorOnce sync.Once
	sharedValid   *validator.Validate
)

func newValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("unit", func(fl validator.FieldLevel) bool {
			_, ok := units.Normalize(fl.Field().String())
			return ok
		})
		sharedValid = v
	})
	return sharedValid
}
