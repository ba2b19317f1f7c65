// Package tenants owns the tenant registry. Creating a tenant announces
// TenantSchemaCreated so every interested service provisions its own namespace.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/tenantx"
)

var ErrInvalidTenant = errors.New("invalid tenant")

type Repository interface {
	CreateTenant(ctx context.Context, db repos.DBTX, tenant models.Tenant) (models.Tenant, bool, error)
	GetTenantByID(ctx context.Context, tenantID string) (models.Tenant, error)
}

type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	PublishAfterCommit(ctx context.Context, evs []events.DomainEvent) error
}

type CreateTenant struct {
	TenantID string `json:"tenant_id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
}

type Service struct {
	tx     Transactor
	repo   Repository
	db     repos.DBTX
	pub    Publisher
	logger logx.Logger
}

func NewService(tx Transactor, repo Repository, db repos.DBTX, pub Publisher, logger logx.Logger) *Service {
	return &Service{tx: tx, repo: repo, db: db, pub: pub, logger: logger}
}

// CreateTenant registers the tenant and, only when it is new, announces its namespace
// on the tenant lifecycle stream. Repeating the call returns the stored tenant.
func (s *Service) CreateTenant(ctx context.Context, cmd CreateTenant) (models.Tenant, bool, error) {
	cmd.TenantID = strings.TrimSpace(cmd.TenantID)
	cmd.Slug = strings.ToLower(strings.TrimSpace(cmd.Slug))
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.TenantID == "" {
		cmd.TenantID = uuid.NewString()
	}
	if cmd.Slug == "" {
		return models.Tenant{}, false, fmt.Errorf("%w: slug is required", ErrInvalidTenant)
	}
	if cmd.Name == "" {
		cmd.Name = cmd.Slug
	}
	schema, err := tenantx.SchemaName(cmd.TenantID)
	if err != nil {
		return models.Tenant{}, false, fmt.Errorf("%w: %v", ErrInvalidTenant, err)
	}

	var (
		out     models.Tenant
		created bool
	)
	err = s.tx.Do(ctx, func(ctx context.Context) error {
		tenant, isNew, err := s.repo.CreateTenant(ctx, uow.Querier(ctx, s.db), models.Tenant{
			TenantID:   cmd.TenantID,
			Slug:       cmd.Slug,
			Name:       cmd.Name,
			SchemaName: schema,
		})
		if err != nil {
			return err
		}
		out, created = tenant, isNew
		if !isNew {
			return nil
		}
		ev := events.NewEvent(tenant.TenantID, events.AggregateTenant, events.TenantSchemaCreated{
			TenantID:   tenant.TenantID,
			SchemaName: tenant.SchemaName,
		}).WithTenant(tenant.TenantID)
		return s.pub.PublishAfterCommit(ctx, []events.DomainEvent{ev})
	})
	if err != nil {
		return models.Tenant{}, false, err
	}
	if created {
		s.logger.Info(ctx, "tenant_created", "tenant registered",
			slog.String("tenant", out.TenantID),
			slog.String("schema", out.SchemaName),
		)
	}
	return out, created, nil
}

func (s *Service) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	return s.repo.GetTenantByID(ctx, strings.TrimSpace(tenantID))
}
