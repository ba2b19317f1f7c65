package middleware

import (
	"net/http"

	"warehouse-choreography/shared/httpx"
)

// DependencyGate answers 503 for every request while a dependency failed to
// initialize at start-up, so handlers never see a nil pool or client.
type DependencyGate struct {
	Missing []string
	Skip    func(*http.Request) bool
}

func (m DependencyGate) Wrap(next http.Handler) http.Handler {
	if len(m.Missing) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "dependency unavailable",
			map[string]any{"missing": m.Missing})
	})
}
