// Package policy implements the decision engine behind the authorizer on top of
// the Open Policy Agent (OPA).
//
// A model is a small YAML document naming the request fields, the policy row
// types and, optionally, a Rego module and entrypoint:
//
//	request: [sub, act, obj]
//	policy:
//	  p: [sub, act, obj]
//	  g: [member, role]
//	entrypoint: authz/allow
//
// Without a module the embedded RBAC module is used: a request is allowed when
// some "p" row matches every request field, where the first field (the
// subject) may also match through "g" role assignments, transitively.
//
// Policy rows are loaded into the OPA store under data.policy.<type> as
// objects keyed by the field names declared for that row type, and the model's
// request fields are available as data.model.request. Each request becomes an
// input object keyed by the request field names.
//
// Builder implements domain.EngineBuilder, so an authz.Authorizer can build
// engines from raw model bytes and policy rows.
package policy
