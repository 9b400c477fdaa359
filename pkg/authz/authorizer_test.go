package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-authz/pkg/callbacks"
	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/logging"
	"github.com/polisai/polis-authz/pkg/telemetry"
)

func TestDecisionsBeforeInitFail(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})
	ctx := context.Background()
	req := domain.Request{"fish", "swim", "water"}

	_, err := a.Can(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	_, err = a.CanAny(ctx, []domain.Request{req})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	_, err = a.CanAll(ctx, []domain.Request{req})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	_, err = a.FilterByCan(ctx, []domain.Request{req})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	// Empty batches still require an engine.
	_, err = a.CanAny(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
	_, err = a.CanAll(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
	_, err = a.FilterByCan(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestInitAndReset(t *testing.T) {
	engine := animals()
	a := newTestAuthorizer(&staticBuilder{engine: engine})
	ctx := context.Background()

	assert.False(t, a.IsInited())
	assert.Nil(t, a.Engine())

	require.NoError(t, a.Init(ctx, []byte("model"), domain.Policy{{"p", "fish", "swim", "water"}}))
	assert.True(t, a.IsInited())
	assert.Same(t, engine, a.Engine())
	assert.Equal(t, uint64(1), a.Generation())

	a.Reset()
	assert.False(t, a.IsInited())
	assert.Nil(t, a.Engine())

	_, err := a.Can(ctx, domain.Request{"fish", "swim", "water"})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestInitBuildFailureLeavesStateUntouched(t *testing.T) {
	original := animals()
	buildErr := errors.New("syntax error in model")
	builder := &staticBuilder{engine: original}
	a := newTestAuthorizer(builder)
	ctx := context.Background()

	require.NoError(t, a.Init(ctx, nil, nil))

	var persistentRuns, disposableRuns int
	a.Persistent().Push(callbacks.New("p", func(context.Context) error { persistentRuns++; return nil }))
	a.Disposable().Push(callbacks.New("d", func(context.Context) error { disposableRuns++; return nil }))

	builder.err = buildErr
	err := a.Init(ctx, []byte("broken"), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineBuild)
	assert.ErrorIs(t, err, buildErr)
	assert.Equal(t, domain.CodeEngineBuild, domain.ErrorCode(err))

	assert.Same(t, original, a.Engine(), "failed init must not replace the engine")
	assert.Zero(t, persistentRuns)
	assert.Zero(t, disposableRuns)
	assert.Equal(t, 1, a.Disposable().Len())
}

func TestInitBuildFailureWhenUninitialised(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{err: errors.New("bad policy")})

	err := a.Init(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrEngineBuild)
	assert.False(t, a.IsInited())
}

func TestInitWithoutBuilder(t *testing.T) {
	a := newTestAuthorizer(nil)
	err := a.Init(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrEngineBuild)
}

func TestInitRejectsNilEngine(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{})
	err := a.Init(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrEngineBuild)
	assert.False(t, a.IsInited())
}

func TestPersistentAndDisposableCallbacks(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})
	ctx := context.Background()

	var persistentRuns, disposableRuns int
	a.Persistent().Push(callbacks.New("persistent", func(context.Context) error {
		persistentRuns++
		return nil
	}))
	a.Disposable().Push(callbacks.New("disposable", func(context.Context) error {
		disposableRuns++
		return nil
	}))

	require.NoError(t, a.Init(ctx, nil, nil))
	require.NoError(t, a.Init(ctx, nil, nil))
	a.Reset()
	require.NoError(t, a.Init(ctx, nil, nil))

	assert.Equal(t, 3, persistentRuns)
	assert.Equal(t, 1, disposableRuns)
	assert.Equal(t, 1, a.Persistent().Len())
	assert.Zero(t, a.Disposable().Len())
}

func TestPersistentRunsBeforeDisposable(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})

	var order []string
	a.Disposable().Push(callbacks.New("d1", func(context.Context) error { order = append(order, "d1"); return nil }))
	a.Persistent().Push(callbacks.New("p1", func(context.Context) error { order = append(order, "p1"); return nil }))
	a.Disposable().Push(callbacks.New("d2", func(context.Context) error { order = append(order, "d2"); return nil }))
	a.Persistent().Push(callbacks.New("p2", func(context.Context) error { order = append(order, "p2"); return nil }))

	require.NoError(t, a.Init(context.Background(), nil, nil))
	assert.Equal(t, []string{"p1", "p2", "d1", "d2"}, order)
}

func TestCallbacksSeeInstalledEngine(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})

	var allowed bool
	var callErr error
	a.Disposable().Push(callbacks.New("check", func(ctx context.Context) error {
		allowed, callErr = a.Can(ctx, domain.Request{"fish", "swim", "water"})
		return nil
	}))

	require.NoError(t, a.Init(context.Background(), nil, nil))
	require.NoError(t, callErr)
	assert.True(t, allowed)
}

func TestReentrantDisposableRunsBeforeInitReturns(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})

	var order []string
	second := callbacks.New("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	a.Disposable().Push(callbacks.New("first", func(context.Context) error {
		order = append(order, "first")
		a.Disposable().Push(second)
		return nil
	}))

	require.NoError(t, a.Init(context.Background(), nil, nil))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Zero(t, a.Disposable().Len())
}

func TestResetKeepsSubscribers(t *testing.T) {
	a := newTestAuthorizer(&staticBuilder{engine: animals()})
	ctx := context.Background()

	var runs int
	a.Disposable().Push(callbacks.New("d", func(context.Context) error { runs++; return nil }))

	a.SetEngine(animals())
	a.Reset()
	assert.Equal(t, 1, a.Disposable().Len())

	require.NoError(t, a.Init(ctx, nil, nil))
	assert.Equal(t, 1, runs)
}

func TestSetEngineDoesNotDrain(t *testing.T) {
	a := newTestAuthorizer(nil)

	var runs int
	a.Persistent().Push(callbacks.New("p", func(context.Context) error { runs++; return nil }))
	a.Disposable().Push(callbacks.New("d", func(context.Context) error { runs++; return nil }))

	engine := animals()
	a.SetEngine(engine)

	assert.True(t, a.IsInited())
	assert.Same(t, engine, a.Engine())
	assert.Zero(t, runs)
	assert.Equal(t, 1, a.Disposable().Len())

	ok, err := a.Can(context.Background(), domain.Request{"cat", "run", "ground"})
	require.NoError(t, err)
	assert.True(t, ok)

	a.SetEngine(nil)
	assert.False(t, a.IsInited())
}

func TestCallbackFailureKeepsEngine(t *testing.T) {
	engine := animals()
	a := newTestAuthorizer(&staticBuilder{engine: engine})
	boom := errors.New("listener exploded")

	var disposableRan bool
	a.Persistent().Push(callbacks.New("bad", func(context.Context) error { return boom }))
	a.Disposable().Push(callbacks.New("d", func(context.Context) error { disposableRan = true; return nil }))

	err := a.Init(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCallback)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.CodeCallback, domain.ErrorCode(err))

	assert.Same(t, engine, a.Engine())
	assert.False(t, disposableRan, "disposable queue must not drain after a persistent failure")
	assert.Equal(t, 1, a.Disposable().Len())
}

func TestConcurrentInitLastWriterWins(t *testing.T) {
	first := animals()
	second := animals()
	builder := &staticBuilder{engine: first}
	a := newTestAuthorizer(builder)
	ctx := context.Background()

	require.NoError(t, a.Init(ctx, nil, nil))
	builder.engine = second
	require.NoError(t, a.Init(ctx, nil, nil))

	assert.Same(t, second, a.Engine())
	assert.Equal(t, 2, builder.buildCount(), "init is not de-duplicated")
	assert.Equal(t, uint64(2), a.Generation())
}

func TestInitRecordsMetrics(t *testing.T) {
	metrics := telemetry.NewMetrics()
	a := New(Config{
		Builder: &staticBuilder{engine: animals()},
		Logger:  logging.Discard(),
		Metrics: metrics,
	})
	ctx := context.Background()

	require.NoError(t, a.Init(ctx, nil, nil))
	_, err := a.Can(ctx, domain.Request{"fish", "swim", "water"})
	require.NoError(t, err)
	_, err = a.CanAny(ctx, []domain.Request{{"cat", "swim", "water"}})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(metrics.Registry(), "authz_init_total", "authz_decisions_total", "authz_engine_installed")
	require.NoError(t, err)
	assert.Equal(t, 4, count) // init{success}, decisions{can,allow}, decisions{can_any,deny}, gauge
}
