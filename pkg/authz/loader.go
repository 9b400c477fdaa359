package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-authz/pkg/callbacks"
	"github.com/polisai/polis-authz/pkg/domain"
)

// FetchFunc returns the model and policy to initialise the Authorizer with,
// typically from a file, a control plane or a backend endpoint.
type FetchFunc func(ctx context.Context) (model []byte, policy domain.Policy, err error)

// Loader coalesces concurrent initialisation requests for one Authorizer.
// While a load is in flight, further Load calls wait for it and share its
// result instead of fetching and building again.
type Loader struct {
	authorizer *Authorizer
	fetch      FetchFunc
	logger     *slog.Logger

	group   singleflight.Group
	loading atomic.Bool
}

// NewLoader wraps authorizer with single-flight initialisation through fetch.
func NewLoader(authorizer *Authorizer, fetch FetchFunc, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		authorizer: authorizer,
		fetch:      fetch,
		logger:     logger,
	}
}

// Authorizer returns the wrapped Authorizer.
func (l *Loader) Authorizer() *Authorizer {
	return l.authorizer
}

// Loading reports whether a fetch-and-init is in flight.
func (l *Loader) Loading() bool {
	return l.loading.Load()
}

// Load fetches the model and policy and runs Init. Calls that arrive while a
// load is already running join it. The first caller's context drives the
// shared fetch and init.
func (l *Loader) Load(ctx context.Context) error {
	_, err, shared := l.group.Do("init", func() (any, error) {
		l.loading.Store(true)
		defer l.loading.Store(false)

		model, policy, err := l.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch model and policy: %w", err)
		}
		return nil, l.authorizer.Init(ctx, model, policy)
	})
	if shared {
		l.logger.Debug("joined in-flight authorizer load", "error", err)
	}
	return err
}

// WhenReady runs fn once the Authorizer has an engine. If it is already
// initialised fn runs immediately. Otherwise fn is queued as a disposable
// callback and a load is started (or joined). If the load fails, fn is
// dequeued and the load error is returned.
//
// fn runs at most once even when the load it joined had already drained the
// disposable queue before fn was queued.
func (l *Loader) WhenReady(ctx context.Context, name string, fn callbacks.Func) error {
	if l.authorizer.IsInited() {
		return fn(ctx)
	}

	var (
		once  sync.Once
		fnErr error
	)
	run := func(ctx context.Context) error {
		once.Do(func() { fnErr = fn(ctx) })
		return fnErr
	}
	cb := callbacks.New(name, run)
	l.authorizer.Disposable().Push(cb)

	if err := l.Load(ctx); err != nil {
		l.authorizer.Disposable().Remove(cb)
		return err
	}

	// The joined load may have drained the queue before cb was pushed.
	l.authorizer.Disposable().Remove(cb)
	return run(ctx)
}
