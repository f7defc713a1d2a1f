// Package auth is the authorization collaborator: it proves that the caller
// behind a context is the identity an operation claims to act as, and whether
// that identity may arbitrate disputes. The engine core never inspects
// credentials itself.
package auth

import (
	"context"
	"fmt"

	"escrowline/internal/domain"
)

// UnauthenticatedError indicates the caller presented no usable principal.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string { return "authentication required" }

// ImpersonationError indicates the caller is authenticated but not as the
// identity the operation acts for.
type ImpersonationError struct {
	Claimed domain.Identity
}

func (e ImpersonationError) Error() string {
	return fmt.Sprintf("caller cannot prove identity %s", e.Claimed)
}

// NotArbitratorError indicates the identity may not resolve disputes.
type NotArbitratorError struct {
	Actor domain.Identity
}

func (e NotArbitratorError) Error() string {
	return fmt.Sprintf("identity %s is not an arbitrator", e.Actor)
}

// Principal is the authenticated caller, placed on the context by a host
// (JWT middleware, API-key lookup, or the CLI's local trust).
type Principal struct {
	ID         domain.Identity
	Arbitrator bool
	Source     string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authorizer is consulted by the engine before any state read.
type Authorizer interface {
	// RequireAuth fails unless the caller can prove it is identity.
	RequireAuth(ctx context.Context, identity domain.Identity) error
	// RequireArbitrator fails unless the caller is identity and identity is
	// allowed to arbitrate.
	RequireArbitrator(ctx context.Context, identity domain.Identity) error
}

// ContextAuthorizer authorizes against the context principal. Arbitrator
// eligibility comes from either the principal's own claim (JWT role) or a
// configured allow list.
type ContextAuthorizer struct {
	Arbitrators []domain.Identity
}

func (a ContextAuthorizer) RequireAuth(ctx context.Context, identity domain.Identity) error {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.ID == "" {
		return UnauthenticatedError{}
	}
	if p.ID != identity {
		return ImpersonationError{Claimed: identity}
	}
	return nil
}

func (a ContextAuthorizer) RequireArbitrator(ctx context.Context, identity domain.Identity) error {
	if err := a.RequireAuth(ctx, identity); err != nil {
		return err
	}
	p, _ := PrincipalFrom(ctx)
	if p.Arbitrator {
		return nil
	}
	for _, id := range a.Arbitrators {
		if id == identity {
			return nil
		}
	}
	return NotArbitratorError{Actor: identity}
}
