package tenantx

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	schemaPrefix = "tenant_"
	schemaSuffix = "_schema"
	// postgres NAMEDATALEN - 1
	maxIdentifierLen = 63
)

var (
	ErrInvalidTenantID   = errors.New("invalid tenant id")
	ErrInvalidSchemaName = errors.New("invalid schema name")

	tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

type contextKey struct{}

type TenantContext struct {
	ID     string
	Slug   string
	Schema string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	if tenant.Schema == "" && tenant.ID != "" {
		if schema, err := SchemaName(tenant.ID); err == nil {
			tenant.Schema = schema
		}
	}
	return context.WithValue(ctx, contextKey{}, tenant)
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

// SchemaName derives the isolated namespace of a tenant. Every service computes it
// locally; there is no central registry.
func SchemaName(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	name := schemaPrefix + strings.ToLower(tenantID) + schemaSuffix
	if len(name) > maxIdentifierLen {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidSchemaName, name, maxIdentifierLen)
	}
	return name, nil
}

// ValidateSchemaName checks that schema is exactly the namespace derived from tenantID.
func ValidateSchemaName(tenantID string, schema string) error {
	want, err := SchemaName(tenantID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(schema) != want {
		return fmt.Errorf("%w: got %q, want %q", ErrInvalidSchemaName, schema, want)
	}
	return nil
}
