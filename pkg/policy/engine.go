package policy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/polisai/polis-authz/pkg/domain"
)

// ErrRequestArity is returned by Enforce when a request does not have exactly
// one value per request field of the model.
var ErrRequestArity = errors.New("request arity mismatch")

const defaultCacheCapacity = 1024

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	Model  Model
	Policy domain.Policy
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates requests with a prepared OPA query over an in-memory store
// holding the policy rows.
type Engine struct {
	model    Model
	rows     domain.Policy
	prepared rego.PreparedEvalQuery
	cache    *decisionCache
	logger   *slog.Logger
}

// NewEngine parses and compiles the model's module, loads the policy rows and
// prepares the decision query. Any model or policy problem is reported here.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	model := opts.Model
	model.applyDefaults()
	if err := model.Validate(); err != nil {
		return nil, err
	}

	document, err := policyDocument(model, opts.Policy)
	if err != nil {
		return nil, err
	}

	name, src := model.module()
	module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("%w: parse rego module %q: %v", ErrInvalidModel, name, err)
	}

	r := rego.New(
		rego.Query(model.query()),
		rego.ParsedModule(module),
		rego.Store(inmem.NewFromObject(document)),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compile rego module %q: %v", ErrInvalidModel, name, err)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		model:    model,
		rows:     opts.Policy.Clone(),
		prepared: prepared,
		cache:    cache,
		logger:   logger,
	}, nil
}

// policyDocument lays the rows out as data.policy.<type>[i].<field> and the
// model's request definition as data.model.request.
func policyDocument(model Model, rows domain.Policy) (map[string]any, error) {
	byType := make(map[string]any, len(model.Policy))
	for rowType := range model.Policy {
		byType[rowType] = []any{}
	}

	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: row %d is empty", ErrInvalidPolicy, i+1)
		}
		rowType := strings.TrimSpace(row[0])
		fields, ok := model.Policy[rowType]
		if !ok {
			return nil, fmt.Errorf("%w: row %d has unknown type %q", ErrInvalidPolicy, i+1, rowType)
		}
		values := row[1:]
		if len(values) != len(fields) {
			return nil, fmt.Errorf("%w: row %d (%s) has %d values, model declares %d", ErrInvalidPolicy, i+1, rowType, len(values), len(fields))
		}

		entry := make(map[string]any, len(fields))
		for j, field := range fields {
			entry[field] = values[j]
		}
		byType[rowType] = append(byType[rowType].([]any), entry)
	}

	request := make([]any, len(model.Request))
	for i, field := range model.Request {
		request[i] = field
	}

	return map[string]any{
		"policy": byType,
		"model":  map[string]any{"request": request},
	}, nil
}

// Enforce evaluates one request. A request whose length differs from the
// model's request definition fails with ErrRequestArity.
func (e *Engine) Enforce(ctx context.Context, req domain.Request) (bool, error) {
	if len(req) != len(e.model.Request) {
		return false, fmt.Errorf("%w: model expects %d values (%s), got %d",
			ErrRequestArity, len(e.model.Request), strings.Join(e.model.Request, ", "), len(req))
	}

	cacheKey, shouldCache := e.cacheKey(req)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	input := make(map[string]any, len(req))
	for i, field := range e.model.Request {
		input[field] = req[i]
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}

	allowed := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return false, fmt.Errorf("opa decision: %s must be boolean, got %T", e.model.Entrypoint, results[0].Expressions[0].Value)
		}
		allowed = value
	} else {
		e.logger.Debug("opa decision undefined, denying", "entrypoint", e.model.Entrypoint)
	}

	if shouldCache {
		e.cache.Add(cacheKey, allowed)
	}
	return allowed, nil
}

// Model returns the model the engine was built from.
func (e *Engine) Model() Model {
	return e.model
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// cacheKey hashes the request values. Requests carrying anything other than
// scalars are not cached, since their formatting is not a reliable identity.
func (e *Engine) cacheKey(req domain.Request) (string, bool) {
	if e.cache == nil {
		return "", false
	}

	h := sha256.New()
	for _, value := range req {
		switch v := value.(type) {
		case string:
			writeCacheKeyField(h, "s:"+v)
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			writeCacheKeyField(h, fmt.Sprintf("%T:%v", v, v))
		default:
			return "", false
		}
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a field to the hash behind its length, so no
// field can spill into its neighbour.
func writeCacheKeyField(h hash.Hash, value string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(value)))
	h.Write(size[:])
	h.Write([]byte(value))
}

// Values returns the distinct values of field across rows of rowType, in
// first-seen order.
func (e *Engine) Values(rowType, field string) []string {
	fields, ok := e.model.Policy[rowType]
	if !ok {
		return []string{}
	}
	index := -1
	for i, name := range fields {
		if name == field {
			index = i
			break
		}
	}
	if index < 0 {
		return []string{}
	}

	seen := map[string]struct{}{}
	values := []string{}
	for _, row := range e.rows {
		if len(row) != len(fields)+1 || row[0] != rowType {
			continue
		}
		value := row[index+1]
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return values
}

// requestValues returns the permission row values of the request field at
// position i, whatever the model calls it.
func (e *Engine) requestValues(i int) []string {
	if i >= len(e.model.Request) {
		return []string{}
	}
	return e.Values(RowPermission, e.model.Request[i])
}

// Subjects returns the distinct subjects named by permission rows.
func (e *Engine) Subjects() []string {
	return e.requestValues(0)
}

// Actions returns the distinct values of the second request field.
func (e *Engine) Actions() []string {
	return e.requestValues(1)
}

// Objects returns the distinct values of the third request field.
func (e *Engine) Objects() []string {
	return e.requestValues(2)
}

// Roles returns the distinct values of the second role row column, sorted.
func (e *Engine) Roles() []string {
	fields := e.model.Policy[RowRole]
	if len(fields) < 2 {
		return []string{}
	}
	roles := e.Values(RowRole, fields[1])
	sort.Strings(roles)
	return roles
}

// BuilderOptions configure engines produced by a Builder.
type BuilderOptions struct {
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Builder builds Engines from raw model documents. It implements
// domain.EngineBuilder.
type Builder struct {
	opts BuilderOptions
}

// NewBuilder returns a Builder with the given options.
func NewBuilder(opts BuilderOptions) *Builder {
	return &Builder{opts: opts}
}

// Build parses model with ParseModel and compiles an Engine for policy.
func (b *Builder) Build(ctx context.Context, model []byte, policy domain.Policy) (domain.Engine, error) {
	m, err := ParseModel(model)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(ctx, EngineOptions{
		Model:           m,
		Policy:          policy,
		CacheMaxEntries: b.opts.CacheMaxEntries,
		Logger:          b.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}
