package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/logging"
)

var errArity = errors.New("request arity mismatch")

// tableEngine allows the requests listed in allow and records every request it
// sees. Requests that are not three values long fail, like a model expecting
// (sub, act, obj).
type tableEngine struct {
	mu    sync.Mutex
	allow map[string]bool
	calls []domain.Request
	fail  map[string]error
}

func newTableEngine(allowed ...domain.Request) *tableEngine {
	e := &tableEngine{allow: map[string]bool{}, fail: map[string]error{}}
	for _, req := range allowed {
		e.allow[key(req)] = true
	}
	return e
}

func key(req domain.Request) string {
	parts := make([]string, len(req))
	for i, v := range req {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func (e *tableEngine) Enforce(_ context.Context, req domain.Request) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, req)
	if err, ok := e.fail[key(req)]; ok {
		return false, err
	}
	if len(req) != 3 {
		return false, errArity
	}
	return e.allow[key(req)], nil
}

func (e *tableEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// staticBuilder hands out engine on every Build, or err when set.
type staticBuilder struct {
	mu     sync.Mutex
	engine domain.Engine
	err    error
	builds int
}

func (b *staticBuilder) Build(context.Context, []byte, domain.Policy) (domain.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds++
	if b.err != nil {
		return nil, b.err
	}
	return b.engine, nil
}

func (b *staticBuilder) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

func newTestAuthorizer(builder domain.EngineBuilder) *Authorizer {
	return New(Config{Builder: builder, Logger: logging.Discard()})
}

// animals mirrors the cat/fish/bird example permissions.
func animals() *tableEngine {
	return newTableEngine(
		domain.Request{"cat", "walk", "ground"},
		domain.Request{"cat", "run", "ground"},
		domain.Request{"cat", "breathe", "air"},
		domain.Request{"bird", "fly", "air"},
		domain.Request{"bird", "breathe", "air"},
		domain.Request{"bird", "walk", "ground"},
		domain.Request{"fish", "swim", "water"},
		domain.Request{"fish", "breathe", "water"},
	)
}
