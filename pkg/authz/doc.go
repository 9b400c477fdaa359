// Package authz provides the stateful authorizer that sits between callers and
// an external policy-decision engine.
//
// The Authorizer never evaluates policy. It builds an engine through a
// domain.EngineBuilder, keeps the current engine, and delegates every single
// request to it. Its own job is lifecycle coordination:
//
//   - Init builds a new engine, installs it, then runs the persistent callback
//     queue (every successful init) followed by the disposable queue (once,
//     then emptied).
//   - Reset drops the engine; subscribers stay registered for the next Init.
//   - SetEngine installs a prebuilt engine without running any callbacks.
//
// Decisions made while no engine is installed fail with
// domain.ErrNotInitialized. Engine errors are returned unwrapped so callers can
// tell them apart from authorizer errors.
//
// # Usage
//
//	a := authz.New(authz.Config{Builder: policy.NewBuilder(policy.BuilderOptions{})})
//	a.Persistent().Push(callbacks.New("refresh-menu", refreshMenu))
//	if err := a.Init(ctx, model, rows); err != nil {
//		return err
//	}
//	ok, err := a.Can(ctx, domain.Request{"alice", "read", "doc1"})
//
// # Concurrency
//
// The Authorizer does not serialise Init against itself or against decisions:
// two concurrent Init calls each build and install an engine and the last one
// wins. Loader layers single-flight de-duplication on top for callers that
// need it.
package authz
