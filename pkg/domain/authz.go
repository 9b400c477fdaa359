package domain

import "context"

// Request is an ordered tuple of values submitted for one enforcement decision.
// Its arity and positional meaning belong to the engine's model; the authorizer
// passes it through unchanged.
type Request []any

// Policy holds policy rows. The first column of each row names the row type
// (for example "p" for permissions or "g" for role assignments).
type Policy [][]string

// Clone returns a deep copy of the policy rows.
func (p Policy) Clone() Policy {
	if p == nil {
		return nil
	}
	out := make(Policy, len(p))
	for i, row := range p {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// Engine answers single-request enforcement queries.
type Engine interface {
	Enforce(ctx context.Context, req Request) (bool, error)
}

// EngineBuilder constructs an Engine from a model definition and a policy.
// Build may be slow; a malformed model or policy must be reported as an error.
type EngineBuilder interface {
	Build(ctx context.Context, model []byte, policy Policy) (Engine, error)
}

// EngineBuilderFunc adapts a plain function to EngineBuilder.
type EngineBuilderFunc func(ctx context.Context, model []byte, policy Policy) (Engine, error)

// Build calls f.
func (f EngineBuilderFunc) Build(ctx context.Context, model []byte, policy Policy) (Engine, error) {
	return f(ctx, model, policy)
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc func(ctx context.Context, req Request) (bool, error)

// Enforce calls f.
func (f EngineFunc) Enforce(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}
