package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/shared/authx"
	"warehouse-choreography/shared/httpx"
	"warehouse-choreography/shared/tenantx"
)

const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantSlug = "X-Tenant-Slug"
)

type TenantLookup interface {
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
}

// TenantMiddleware resolves the tenant of a request from X-Tenant-ID, or from
// X-Tenant-Slug through Tenants, and scopes the request context to it.
type TenantMiddleware struct {
	Tenants TenantLookup
	Skip    func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		tenantSlug := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderTenantSlug)))
		if tenantID == "" && tenantSlug == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}

		tenant := tenantx.TenantContext{Slug: tenantSlug}
		if tenantSlug != "" {
			if m.Tenants == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "tenant repository not configured", nil)
				return
			}
			record, err := m.Tenants.GetTenantBySlug(r.Context(), tenantSlug)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve tenant", nil)
				return
			}
			if tenantID != "" && tenantID != record.TenantID {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant mismatch", nil)
				return
			}
			tenantID = record.TenantID
			tenant.Schema = record.SchemaName
		}

		schema, err := tenantx.SchemaName(tenantID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		if auth, ok := authx.FromContext(r.Context()); ok && !auth.AllowsTenant(tenantID) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant not allowed", nil)
			return
		}

		tenant.ID = tenantID
		if tenant.Schema == "" {
			tenant.Schema = schema
		}
		next.ServeHTTP(w, r.WithContext(tenantx.WithTenant(r.Context(), tenant)))
	})
}
