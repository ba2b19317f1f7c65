package middleware

import (
	"net/http"
	"strings"

	"warehouse-choreography/shared/authx"
	"warehouse-choreography/shared/httpx"
	"warehouse-choreography/shared/lineagex"
)

type AuthMiddleware struct {
	Verifier authx.Verifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), authHeader[len("bearer "):])
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		ctx := authx.WithAuth(r.Context(), auth)
		if l := lineagex.Current(ctx); l.ActorID == "" {
			l.ActorID = auth.Subject
			ctx = lineagex.With(ctx, l)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects authenticated callers lacking every listed role. Without an
// auth context (auth disabled) the request passes.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth, ok := authx.FromContext(r.Context()); ok && !auth.HasRole(roles...) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing required role", map[string]any{"roles": roles})
			return
		}
		next.ServeHTTP(w, r)
	})
}
