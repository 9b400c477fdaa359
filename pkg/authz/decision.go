package authz

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/telemetry"
)

// Decision method names used in logs and metrics.
const (
	MethodCan         = "can"
	MethodCanAny      = "can_any"
	MethodCanAll      = "can_all"
	MethodFilterByCan = "filter_by_can"
)

// Can asks the engine about exactly one request and returns its verdict
// unmodified. Errors from the engine are returned as is.
func (a *Authorizer) Can(ctx context.Context, req domain.Request) (bool, error) {
	ctx, span := a.startDecision(ctx, MethodCan, 1)
	defer span.End()
	start := time.Now()

	allowed, err := a.enforce(ctx, req)
	a.observe(ctx, span, MethodCan, 1, start, verdict(allowed), err)
	return allowed, err
}

// CanAny evaluates requests in order and returns true at the first allowed
// one without evaluating the rest. An empty list is false.
func (a *Authorizer) CanAny(ctx context.Context, reqs []domain.Request) (bool, error) {
	ctx, span := a.startDecision(ctx, MethodCanAny, len(reqs))
	defer span.End()
	start := time.Now()

	allowed, err := a.canAny(ctx, reqs)
	a.observe(ctx, span, MethodCanAny, len(reqs), start, verdict(allowed), err)
	return allowed, err
}

func (a *Authorizer) canAny(ctx context.Context, reqs []domain.Request) (bool, error) {
	if !a.IsInited() {
		return false, domain.ErrNotInitialized
	}
	for _, req := range reqs {
		allowed, err := a.enforce(ctx, req)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// CanAll evaluates requests in order and returns false at the first denied
// one without evaluating the rest. An empty list is true.
func (a *Authorizer) CanAll(ctx context.Context, reqs []domain.Request) (bool, error) {
	ctx, span := a.startDecision(ctx, MethodCanAll, len(reqs))
	defer span.End()
	start := time.Now()

	allowed, err := a.canAll(ctx, reqs)
	a.observe(ctx, span, MethodCanAll, len(reqs), start, verdict(allowed), err)
	return allowed, err
}

func (a *Authorizer) canAll(ctx context.Context, reqs []domain.Request) (bool, error) {
	if !a.IsInited() {
		return false, domain.ErrNotInitialized
	}
	for _, req := range reqs {
		allowed, err := a.enforce(ctx, req)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// FilterByCan evaluates every request in order and returns those the engine
// allowed, keeping their original order and values. The result is never nil
// on success.
func (a *Authorizer) FilterByCan(ctx context.Context, reqs []domain.Request) ([]domain.Request, error) {
	ctx, span := a.startDecision(ctx, MethodFilterByCan, len(reqs))
	defer span.End()
	start := time.Now()

	allowed, err := a.filterByCan(ctx, reqs)
	result := "filtered"
	if err == nil {
		span.SetAttributes(attribute.Int("authz.requests.allowed", len(allowed)))
	}
	a.observe(ctx, span, MethodFilterByCan, len(reqs), start, result, err)
	return allowed, err
}

func (a *Authorizer) filterByCan(ctx context.Context, reqs []domain.Request) ([]domain.Request, error) {
	if !a.IsInited() {
		return nil, domain.ErrNotInitialized
	}
	allowed := make([]domain.Request, 0, len(reqs))
	for _, req := range reqs {
		ok, err := a.enforce(ctx, req)
		if err != nil {
			return nil, err
		}
		if ok {
			allowed = append(allowed, req)
		}
	}
	return allowed, nil
}

// enforce re-reads the engine on every call, so a batch observes Reset or a
// concurrent Init between elements the same way separate Can calls would.
func (a *Authorizer) enforce(ctx context.Context, req domain.Request) (bool, error) {
	engine := a.Engine()
	if engine == nil {
		return false, domain.ErrNotInitialized
	}
	return engine.Enforce(ctx, req)
}

func (a *Authorizer) startDecision(ctx context.Context, method string, requests int) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "authz."+method, trace.WithAttributes(
		attribute.String("authz.method", method),
		attribute.Int("authz.requests.count", requests),
	))
}

func (a *Authorizer) observe(ctx context.Context, span trace.Span, method string, requests int, start time.Time, result string, err error) {
	duration := time.Since(start)
	if err != nil {
		result = "error"
		if code := domain.ErrorCode(err); code == domain.CodeNotInitialized {
			result = "uninitialized"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}

	telemetry.RecordDecisionEvent(span, method, requests, result)
	telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{
		Method:   method,
		Result:   result,
		Requests: requests,
		Duration: duration,
	})
	a.metrics.RecordDecision(method, result, duration)

	if err != nil {
		a.logger.Debug("authorization decision failed",
			"method", method,
			"requests", requests,
			"error", err,
		)
		return
	}
	a.logger.Debug("authorization decision",
		"method", method,
		"requests", requests,
		"result", result,
		"duration_us", duration.Microseconds(),
	)
}

func verdict(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
