// Package app assembles a core.Service and its infrastructure from a
// config.Config. The bakeops binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"bakeops/internal/blob"
	"bakeops/internal/config"
	"bakeops/internal/core"
	"bakeops/internal/infra/lock/local"
	redislocker "bakeops/internal/infra/lock/redis"
	"bakeops/internal/logger"
)

// App bundles the service with the resources that must be closed on exit.
type App struct {
	Service   *core.Service
	Store     core.PersistentStore
	Snapshots blob.Store
	Logger    *logger.Logger
	closers   []func() error
}

// Option tweaks New.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *logger.Logger
	registerer prometheus.Registerer
	extra      []core.ServiceOption
}

// WithLogger uses l instead of building one from cfg.LogMode.
func WithLogger(l *logger.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithRegisterer sets the Prometheus registerer used when cfg.Metrics is
// "prometheus".
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithServiceOptions appends service options after the configured ones.
func WithServiceOptions(opts ...core.ServiceOption) Option {
	return func(o *buildOptions) { o.extra = append(o.extra, opts...) }
}

// New opens storage, the snapshot blob store and the ledger locker named by
// cfg and returns a ready service. Resources opened before a failure are
// closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	a := &App{Logger: bo.logger}
	if a.Logger == nil {
		l, err := logger.New(cfg.LogMode)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		a.Logger = l
	}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	store, err := core.OpenStorage(ctx, core.StorageDriver(cfg.StorageDriver), cfg.SQLitePath, cfg.PostgresDSN, core.NewDefaultRulesEngine())
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	a.Store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	snaps, err := openBlob(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open snapshot store: %w", err))
	}
	a.Snapshots = snaps

	svcOpts := []core.ServiceOption{
		core.WithLogger(a.Logger),
		core.WithSnapshotStore(snaps),
		core.WithCompletionAttempts(cfg.CompletionAttempts),
	}
	locker, err := a.openLocker(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if locker != nil {
		svcOpts = append(svcOpts, core.WithLocker(locker))
	}
	switch cfg.Metrics {
	case "expvar":
		svcOpts = append(svcOpts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
	case "prometheus":
		rec, err := core.NewPrometheusMetricsRecorder(bo.registerer)
		if err != nil {
			return fail(err)
		}
		svcOpts = append(svcOpts, core.WithMetricsRecorder(rec))
	}
	svcOpts = append(svcOpts, bo.extra...)

	svc, err := core.NewService(store, svcOpts...)
	if err != nil {
		return fail(fmt.Errorf("build service: %w", err))
	}
	a.Service = svc
	a.Logger.Info("bakeops ready",
		"storage", cfg.StorageDriver,
		"blob", cfg.BlobDriver,
		"lock", cfg.LockDriver,
		"metrics", cfg.Metrics,
	)
	return a, nil
}

func openBlob(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.BlobDriver == "" || blob.Driver(cfg.BlobDriver) == blob.DriverFilesystem {
		return blob.NewFilesystem(cfg.BlobFSRoot)
	}
	return blob.OpenDriver(ctx, blob.Driver(cfg.BlobDriver))
}

func (a *App) openLocker(ctx context.Context, cfg config.Config) (core.Locker, error) {
	switch cfg.LockDriver {
	case "local":
		return local.New(), nil
	case "redis":
		l, closeFn, err := redislocker.Connect(ctx, cfg.RedisAddress,
			redislocker.WithTTL(cfg.LockTTL),
			redislocker.WithKeyPrefix("bakeops:lock:"),
			redislocker.WithReleaseErrorHandler(func(key string, err error) {
				a.Logger.Warn("ledger lock release failed", "key", key, "error", err)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect lock backend: %w", err)
		}
		a.closers = append(a.closers, closeFn)
		return l, nil
	default:
		return nil, nil
	}
}

// Close releases every opened resource and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Logger != nil {
		a.Logger.Sync()
	}
	return errors.Join(errs...)
}
