package core

import (
	"context"
	"time"

	"bakeops/internal/blob"
)

// Logger is the structured logger used by the service. internal/logger
// satisfies it with zap.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock. A nil ClockFunc reports UTC now.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// Locker serializes work on one ledger. Acquire blocks until the key is held
// or ctx is done and returns the release function.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

const defaultCompletionAttempts = 3

type serviceOptions struct {
	logger       Logger
	clock        Clock
	metrics      MetricsRecorder
	tracer       Tracer
	locker       Locker
	snapshots    blob.Store
	maxAttempts  int
	snapshotIDFn func() string
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:      noopLogger{},
		clock:       ClockFunc(nil),
		metrics:     noopMetrics{},
		tracer:      noopTracer{},
		locker:      noopLocker{},
		maxAttempts: defaultCompletionAttempts,
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithLogger routes service logs to logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the service time source.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetricsRecorder records per-operation outcomes.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer wraps every operation in a span.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithLocker serializes production completions per ledger.
func WithLocker(locker Locker) ServiceOption {
	return func(o *serviceOptions) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithSnapshotStore writes recipe and production run snapshots to store.
// The default is an in-memory store.
func WithSnapshotStore(store blob.Store) ServiceOption {
	return func(o *serviceOptions) {
		o.snapshots = store
	}
}

// WithSnapshotIDGenerator overrides snapshot id generation.
func WithSnapshotIDGenerator(fn func() string) ServiceOption {
	return func(o *serviceOptions) {
		if fn != nil {
			o.snapshotIDFn = fn
		}
	}
}

// WithCompletionAttempts bounds re-planning when a lot changed between
// planning and commit.
func WithCompletionAttempts(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
