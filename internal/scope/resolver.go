// Package scope parses and validates OAuth scope strings against client
// registrations and the global scope catalogue.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/authz-engine/oauth-core/internal/storage"
)

// OpenID is the scope that switches a grant into an OIDC flow.
const OpenID = "openid"

var (
	// ErrScopeNotAllowed is returned when a requested scope is outside the
	// client's registration or the active catalogue.
	ErrScopeNotAllowed = errors.New("scope not allowed")

	// ErrScopeExceedsGrant is returned when a refresh requests scopes
	// beyond the original grant.
	ErrScopeExceedsGrant = errors.New("requested scope exceeds granted scope")
)

// Parse splits a space-delimited scope parameter into de-duplicated names,
// preserving first-seen order.
func Parse(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Format joins scope names back into the wire form.
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsOIDC reports whether the scope set requests OpenID Connect.
func IsOIDC(scopes []string) bool {
	for _, s := range scopes {
		if s == OpenID {
			return true
		}
	}
	return false
}

// ValidateWithinGrant checks that every requested scope was part of the
// originally granted set. Used during refresh, where scope may narrow but
// never widen.
func ValidateWithinGrant(requested, granted []string) error {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		grantedSet[g] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := grantedSet[r]; !ok {
			return fmt.Errorf("%w: %q", ErrScopeExceedsGrant, r)
		}
	}
	return nil
}

// Resolver validates requested scopes against a client registration and the
// active scope catalogue.
type Resolver struct {
	repo storage.Repository
}

// NewResolver creates a scope resolver over the repository's catalogue.
func NewResolver(repo storage.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ValidateForClient checks every requested scope against the client's
// allowed set and the active catalogue. Public clients may only request
// public scopes. Returns the validated scope list.
func (r *Resolver) ValidateForClient(ctx context.Context, requested []string, client *storage.Client) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	for _, s := range requested {
		if !client.HasScope(s) {
			return nil, fmt.Errorf("%w: %q not registered for client", ErrScopeNotAllowed, s)
		}
	}

	catalogue, err := r.repo.FindActiveScopes(ctx, requested)
	if err != nil {
		return nil, fmt.Errorf("load scope catalogue: %w", err)
	}
	byName := make(map[string]*storage.Scope, len(catalogue))
	for _, s := range catalogue {
		byName[s.Name] = s
	}

	for _, name := range requested {
		entry, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an active scope", ErrScopeNotAllowed, name)
		}
		if client.IsPublic() && !entry.IsPublic {
			return nil, fmt.Errorf("%w: %q requires a confidential client", ErrScopeNotAllowed, name)
		}
	}
	return requested, nil
}
