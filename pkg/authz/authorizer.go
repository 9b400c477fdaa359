package authz

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-authz/pkg/callbacks"
	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/telemetry"
)

const tracerName = "polis.authz"

// Queue labels used in logs, metrics and errors.
const (
	QueuePersistent = "persistent"
	QueueDisposable = "disposable"
)

// Config contains options for the Authorizer.
type Config struct {
	// Builder constructs engines for Init. May be nil when engines are only
	// installed through SetEngine.
	Builder domain.EngineBuilder

	// Logger for lifecycle and decision logging. If nil, uses slog.Default().
	Logger *slog.Logger

	// Metrics receives Prometheus observations. Optional.
	Metrics *telemetry.Metrics

	// Tracer for init and decision spans. If nil, uses the global provider.
	Tracer trace.Tracer
}

// Authorizer owns the current engine and the two init callback queues.
type Authorizer struct {
	builder domain.EngineBuilder
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	// mu guards engine and generation against data races only; it is never
	// held across a build, a drain or an engine call.
	mu         sync.RWMutex
	engine     domain.Engine
	generation uint64

	persistent       *callbacks.Queue
	disposable       *callbacks.Queue
	persistentHandle *callbacks.Handle
	disposableHandle *callbacks.Handle
}

// New creates an uninitialised Authorizer.
func New(cfg Config) *Authorizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	persistent := callbacks.NewQueue()
	disposable := callbacks.NewQueue()

	return &Authorizer{
		builder:          cfg.Builder,
		logger:           logger,
		metrics:          cfg.Metrics,
		tracer:           tracer,
		persistent:       persistent,
		disposable:       disposable,
		persistentHandle: callbacks.NewHandle(persistent),
		disposableHandle: callbacks.NewHandle(disposable),
	}
}

// Persistent returns the subscription handle for callbacks run after every
// successful Init.
func (a *Authorizer) Persistent() *callbacks.Handle {
	return a.persistentHandle
}

// Disposable returns the subscription handle for callbacks run once, after the
// next successful Init.
func (a *Authorizer) Disposable() *callbacks.Handle {
	return a.disposableHandle
}

// Init builds an engine from model and policy, installs it, and then drains
// the persistent queue (without clearing it) followed by the disposable queue.
//
// A build failure returns an error matching domain.ErrEngineBuild; the
// previously installed engine, if any, stays in place and no callback runs.
// A callback failure returns an error matching domain.ErrCallback; the new
// engine stays installed.
func (a *Authorizer) Init(ctx context.Context, model []byte, policy domain.Policy) error {
	ctx, span := a.tracer.Start(ctx, "authz.init", trace.WithAttributes(
		attribute.Int("authz.policy.rows", len(policy)),
	))
	defer span.End()

	start := time.Now()
	err := a.init(ctx, model, policy)

	status := initStatus(err)
	a.metrics.RecordInit(status, time.Since(start))
	telemetry.RecordInit(ctx, status)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		a.logger.Error("authorizer init failed", "status", status, "error", err, "duration", time.Since(start))
		return err
	}

	a.logger.Info("authorizer initialised",
		"generation", a.Generation(),
		"policy_rows", len(policy),
		"duration", time.Since(start),
	)
	return nil
}

func (a *Authorizer) init(ctx context.Context, model []byte, policy domain.Policy) error {
	if a.builder == nil {
		return domain.NewEngineBuildError(errors.New("no engine builder configured"))
	}

	engine, err := a.builder.Build(ctx, model, policy)
	if err != nil {
		return domain.NewEngineBuildError(err)
	}
	if engine == nil {
		return domain.NewEngineBuildError(errors.New("builder returned no engine"))
	}

	a.install(engine)

	if err := a.persistent.ExecuteAll(ctx); err != nil {
		a.metrics.RecordCallbackDrain(QueuePersistent, "failure")
		return domain.NewCallbackError(QueuePersistent, err)
	}
	a.metrics.RecordCallbackDrain(QueuePersistent, "success")

	if err := a.disposable.ExecuteAllAndClear(ctx); err != nil {
		a.metrics.RecordCallbackDrain(QueueDisposable, "failure")
		return domain.NewCallbackError(QueueDisposable, err)
	}
	a.metrics.RecordCallbackDrain(QueueDisposable, "success")

	return nil
}

func initStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrEngineBuild):
		return "build_error"
	case errors.Is(err, domain.ErrCallback):
		return "callback_error"
	default:
		return "error"
	}
}

func (a *Authorizer) install(engine domain.Engine) {
	a.mu.Lock()
	a.engine = engine
	if engine != nil {
		a.generation++
	}
	a.mu.Unlock()

	a.metrics.SetEngineInstalled(engine != nil)
}

// Reset discards the installed engine. Both callback queues are left as they
// are, so existing subscribers fire on the next Init.
func (a *Authorizer) Reset() {
	a.install(nil)
	a.logger.Info("authorizer reset")
}

// SetEngine installs engine directly, without running any callbacks. Passing
// nil is equivalent to Reset.
func (a *Authorizer) SetEngine(engine domain.Engine) {
	a.install(engine)
}

// Engine returns the installed engine, or nil.
func (a *Authorizer) Engine() domain.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

// IsInited reports whether an engine is installed.
func (a *Authorizer) IsInited() bool {
	return a.Engine() != nil
}

// Generation counts engine installs over the lifetime of the Authorizer.
func (a *Authorizer) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}
