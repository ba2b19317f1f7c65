package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/models"
)

var ErrTenantSlugTaken = errors.New("tenant slug already in use")

type TenantsRepo struct {
	pool *pgxpool.Pool
}

func NewTenantsRepo(pool *pgxpool.Pool) *TenantsRepo {
	return &TenantsRepo{pool: pool}
}

// CreateTenant inserts through db; created is false when the tenant already existed,
// in which case the stored row is returned.
func (r *TenantsRepo) CreateTenant(ctx context.Context, db DBTX, tenant models.Tenant) (models.Tenant, bool, error) {
	var out models.Tenant
	err := db.QueryRow(ctx, `
		INSERT INTO tenants (tenant_id, slug, name, schema_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO NOTHING
		RETURNING tenant_id, slug, name, schema_name, created_at
	`, tenant.TenantID, tenant.Slug, tenant.Name, tenant.SchemaName).Scan(&out.TenantID, &out.Slug, &out.Name, &out.SchemaName, &out.CreatedAt)
	if err == nil {
		return out, true, nil
	}
	if isUniqueViolation(err) {
		return models.Tenant{}, false, ErrTenantSlugTaken
	}
	if !isNoRows(err) {
		return models.Tenant{}, false, err
	}
	existing, err := r.getTenant(ctx, db, `tenant_id = $1`, tenant.TenantID)
	return existing, false, err
}

func (r *TenantsRepo) GetTenantByID(ctx context.Context, tenantID string) (models.Tenant, error) {
	return r.getTenant(ctx, r.pool, `tenant_id = $1`, tenantID)
}

func (r *TenantsRepo) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	return r.getTenant(ctx, r.pool, `slug = $1`, slug)
}

func (r *TenantsRepo) getTenant(ctx context.Context, db DBTX, where string, arg any) (models.Tenant, error) {
	var tenant models.Tenant
	err := db.QueryRow(ctx, `
		SELECT tenant_id, slug, name, schema_name, created_at
		FROM tenants
		WHERE `+where, arg).Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.SchemaName, &tenant.CreatedAt)
	return tenant, err
}

// ListTenants pages through tenants by id, starting after afterID.
func (r *TenantsRepo) ListTenants(ctx context.Context, afterID string, limit int) ([]models.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, slug, name, schema_name, created_at
		FROM tenants
		WHERE tenant_id > $1
		ORDER BY tenant_id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Tenant, 0, limit)
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.TenantID, &t.Slug, &t.Name, &t.SchemaName, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
