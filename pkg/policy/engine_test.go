package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-authz/pkg/domain"
)

const animalModel = `
request: [sub, act, obj]
`

const animalPolicy = `
# subject, action, object
p, cat, walk, ground
p, cat, climb, tree
p, bird, fly, air
p, fish, swim, water
`

func newAnimalEngine(t *testing.T, opts ...func(*EngineOptions)) *Engine {
	t.Helper()

	model, err := ParseModel([]byte(animalModel))
	require.NoError(t, err)
	rows, err := ParseCSV(animalPolicy)
	require.NoError(t, err)

	engineOpts := EngineOptions{Model: model, Policy: rows}
	for _, opt := range opts {
		opt(&engineOpts)
	}
	engine, err := NewEngine(context.Background(), engineOpts)
	require.NoError(t, err)
	return engine
}

func TestEngineEnforce(t *testing.T) {
	engine := newAnimalEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.Request
		want bool
	}{
		{name: "cat walks on ground", req: domain.Request{"cat", "walk", "ground"}, want: true},
		{name: "cat climbs trees", req: domain.Request{"cat", "climb", "tree"}, want: true},
		{name: "cat does not swim", req: domain.Request{"cat", "swim", "water"}, want: false},
		{name: "fish swims", req: domain.Request{"fish", "swim", "water"}, want: true},
		{name: "fish does not fly", req: domain.Request{"fish", "fly", "air"}, want: false},
		{name: "unknown subject", req: domain.Request{"dog", "walk", "ground"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Enforce(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngineEnforceArity(t *testing.T) {
	engine := newAnimalEngine(t)

	_, err := engine.Enforce(context.Background(), domain.Request{"cat", "walk"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestArity))

	_, err = engine.Enforce(context.Background(), domain.Request{"cat", "walk", "ground", "extra"})
	assert.ErrorIs(t, err, ErrRequestArity)
}

func TestEngineRoleInheritance(t *testing.T) {
	model, err := ParseModel([]byte(animalModel))
	require.NoError(t, err)
	rows, err := ParseCSV(`
p, mammal, breathe, air
p, pet, sleep, sofa
g, cat, pet
g, pet, mammal
`)
	require.NoError(t, err)

	engine, err := NewEngine(context.Background(), EngineOptions{Model: model, Policy: rows})
	require.NoError(t, err)

	ctx := context.Background()
	allowed, err := engine.Enforce(ctx, domain.Request{"cat", "sleep", "sofa"})
	require.NoError(t, err)
	assert.True(t, allowed, "direct role")

	allowed, err = engine.Enforce(ctx, domain.Request{"cat", "breathe", "air"})
	require.NoError(t, err)
	assert.True(t, allowed, "transitive role")

	allowed, err = engine.Enforce(ctx, domain.Request{"mammal", "sleep", "sofa"})
	require.NoError(t, err)
	assert.False(t, allowed, "roles do not inherit downwards")

	assert.Equal(t, []string{"mammal", "pet"}, engine.Roles())
}

func TestEngineCustomModule(t *testing.T) {
	doc := []byte(`
request: [sub, obj]
policy:
  p: [sub, obj]
entrypoint: custom/decision
module: |
  package custom

  default decision := false

  decision if {
  	some rule in data.policy.p
  	rule.sub == input.sub
  	startswith(input.obj, rule.obj)
  }
`)

	builder := NewBuilder(BuilderOptions{})
	engine, err := builder.Build(context.Background(), doc, domain.Policy{{"p", "alice", "/data/"}})
	require.NoError(t, err)

	allowed, err := engine.Enforce(context.Background(), domain.Request{"alice", "/data/report.csv"})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = engine.Enforce(context.Background(), domain.Request{"alice", "/etc/passwd"})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEngineNonBooleanDecision(t *testing.T) {
	doc := []byte(`
request: [sub]
policy:
  p: [sub]
module: |
  package authz

  allow := "yes"
`)

	engine, err := NewBuilder(BuilderOptions{}).Build(context.Background(), doc, nil)
	require.NoError(t, err)

	_, err = engine.Enforce(context.Background(), domain.Request{"alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be boolean")
}

func TestBuilderRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	builder := NewBuilder(BuilderOptions{})

	tests := []struct {
		name   string
		model  string
		policy domain.Policy
		target error
	}{
		{name: "empty model", model: "", target: ErrInvalidModel},
		{name: "malformed yaml", model: "request: [sub, act", target: ErrInvalidModel},
		{name: "missing request", model: "entrypoint: authz/allow", target: ErrInvalidModel},
		{name: "duplicate request field", model: "request: [sub, sub]", target: ErrInvalidModel},
		{name: "rego syntax error", model: "request: [sub]\nmodule: \"package authz\\nallow if {\"", target: ErrInvalidModel},
		{
			name:   "unknown row type",
			model:  animalModel,
			policy: domain.Policy{{"x", "cat", "walk", "ground"}},
			target: ErrInvalidPolicy,
		},
		{
			name:   "row arity",
			model:  animalModel,
			policy: domain.Policy{{"p", "cat", "walk"}},
			target: ErrInvalidPolicy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := builder.Build(ctx, []byte(tt.model), tt.policy)
			require.Error(t, err)
			assert.Nil(t, engine)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestEngineCache(t *testing.T) {
	engine := newAnimalEngine(t, func(o *EngineOptions) { o.CacheMaxEntries = 2 })
	ctx := context.Background()

	for _, req := range []domain.Request{
		{"cat", "walk", "ground"},
		{"fish", "swim", "water"},
		{"bird", "fly", "air"},
	} {
		_, err := engine.Enforce(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, engine.cache.Len())

	_, err := engine.Enforce(ctx, domain.Request{"cat", []string{"walk"}, "ground"})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.cache.Len(), "non-scalar requests are not cached")

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())

	uncached := newAnimalEngine(t, func(o *EngineOptions) { o.CacheMaxEntries = -1 })
	assert.Nil(t, uncached.cache)
	allowed, err := uncached.Enforce(ctx, domain.Request{"cat", "walk", "ground"})
	require.NoError(t, err)
	assert.True(t, allowed)
	uncached.FlushCache()
}

func TestEngineIntrospection(t *testing.T) {
	engine := newAnimalEngine(t)

	assert.Equal(t, []string{"cat", "bird", "fish"}, engine.Subjects())
	assert.Equal(t, []string{"walk", "climb", "fly", "swim"}, engine.Actions())
	assert.Equal(t, []string{"ground", "tree", "air", "water"}, engine.Objects())
	assert.Empty(t, engine.Roles())
	assert.Empty(t, engine.Values("p", "missing"))
	assert.Empty(t, engine.Values("q", "sub"))
}

func TestEngineCacheKeyFieldBoundaries(t *testing.T) {
	doc := []byte(`
request: [sub, obj]
policy:
  p: [sub, obj]
module: |
  package authz

  default allow := false

  allow if startswith(input.obj, "public/")
`)
	ctx := context.Background()
	first := domain.Request{"u", "public/a\x00s:b"}
	second := domain.Request{"u\x00s:public/a", "b"}

	model, err := ParseModel(doc)
	require.NoError(t, err)
	cached, err := NewEngine(ctx, EngineOptions{Model: model})
	require.NoError(t, err)
	uncached, err := NewEngine(ctx, EngineOptions{Model: model, CacheMaxEntries: -1})
	require.NoError(t, err)

	allowed, err := cached.Enforce(ctx, first)
	require.NoError(t, err)
	assert.True(t, allowed)

	want, err := uncached.Enforce(ctx, second)
	require.NoError(t, err)
	assert.False(t, want)

	allowed, err = cached.Enforce(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, want, allowed, "a cached verdict must not leak across field boundaries")
	assert.Equal(t, 2, cached.cache.Len())
}

func TestEngineIntrospectionRenamedFields(t *testing.T) {
	ctx := context.Background()

	model, err := ParseModel([]byte("request: [user, action, resource]"))
	require.NoError(t, err)
	engine, err := NewEngine(ctx, EngineOptions{Model: model, Policy: domain.Policy{
		{"p", "alice", "read", "doc"},
		{"p", "bob", "write", "doc"},
		{"g", "carol", "editor"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, engine.Subjects())
	assert.Equal(t, []string{"read", "write"}, engine.Actions())
	assert.Equal(t, []string{"doc"}, engine.Objects())
	assert.Equal(t, []string{"editor"}, engine.Roles())

	doc := []byte(`
request: [user]
policy:
  p: [user]
  g: [user, group]
module: |
  package authz

  default allow := false
`)
	model, err = ParseModel(doc)
	require.NoError(t, err)
	engine, err = NewEngine(ctx, EngineOptions{Model: model, Policy: domain.Policy{
		{"p", "alice"},
		{"g", "alice", "staff"},
		{"g", "bob", "admins"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, engine.Subjects())
	assert.Empty(t, engine.Actions())
	assert.Empty(t, engine.Objects())
	assert.Equal(t, []string{"admins", "staff"}, engine.Roles())
}
