// Package domain defines the request, engine and error types shared by the
// authorizer, the policy engine and the decision API.
//
// This package has no dependencies outside the Go standard library. Other
// packages (authz, policy, server) implement or consume the interfaces
// defined here; the dependency direction is always infrastructure → domain.
package domain
