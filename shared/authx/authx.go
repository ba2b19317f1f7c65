package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// AuthContext is the verified caller. Subject doubles as the actor id recorded in
// event metadata.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Tenants []string
	Claims  map[string]any
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// ActorFromRequest is the actor resolver for lineage seeding.
func ActorFromRequest(r *http.Request) string {
	if auth, ok := FromContext(r.Context()); ok {
		return auth.Subject
	}
	return ""
}

func (a AuthContext) HasRole(roles ...string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// AllowsTenant reports whether the token may act for tenantID. A token without any
// tenant claim is not tenant-restricted.
func (a AuthContext) AllowsTenant(tenantID string) bool {
	if len(a.Tenants) == 0 {
		return true
	}
	for _, t := range a.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

func parseRoles(claims map[string]any) []string {
	roles := collect(claims, "roles", "role")
	if s, ok := claims["scp"].(string); ok {
		roles = appendUnique(roles, strings.Fields(s)...)
	}
	return roles
}

func parseTenants(claims map[string]any) []string {
	return collect(claims, "tenant_id", "tenants")
}

func collect(claims map[string]any, keys ...string) []string {
	var out []string
	for _, key := range keys {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			out = appendUnique(out, t...)
		case []any:
			for _, item := range t {
				out = appendUnique(out, fmt.Sprint(item))
			}
		case string:
			out = appendUnique(out, strings.Fields(t)...)
		default:
			out = appendUnique(out, fmt.Sprint(t))
		}
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dup := false
		for _, existing := range list {
			if existing == item {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, item)
		}
	}
	return list
}
