// Package provisioner brings a tenant's storage namespace into existence and up to
// the current schema version, reacting to TenantSchemaCreated.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"warehouse-choreography/api/internal/consumer"
	"warehouse-choreography/api/internal/migrations"
	"warehouse-choreography/shared/events"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/metricsx"
	"warehouse-choreography/shared/tenantx"
	"warehouse-choreography/shared/workflow"
)

var ErrUnexpectedPayload = errors.New("unexpected payload")

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Status describes one namespace as seen by this service.
type Status struct {
	TenantID       string `json:"tenant_id,omitempty"`
	Schema         string `json:"schema"`
	State          string `json:"state"`
	AppliedVersion int    `json:"applied_version"`
	LatestVersion  int    `json:"latest_version"`
}

type Provisioner struct {
	ns         Namespaces
	migrations []migrations.Migration
	service    string
	logger     logx.Logger
	telemetry  PointWriter
}

func New(ns Namespaces, set []migrations.Migration, service string, logger logx.Logger) *Provisioner {
	return &Provisioner{ns: ns, migrations: set, service: service, logger: logger}
}

func (p *Provisioner) WithTelemetry(w PointWriter) *Provisioner {
	p.telemetry = w
	return p
}

// Status derives the provisioning state from what is durably in storage, so it
// survives restarts and needs no separate bookkeeping.
func (p *Provisioner) Status(ctx context.Context, schema string) (Status, error) {
	st := Status{Schema: schema, State: workflow.StateUnknown, LatestVersion: migrations.Latest(p.migrations)}
	exists, err := p.ns.NamespaceExists(ctx, schema)
	if err != nil {
		return st, fmt.Errorf("namespace lookup %s: %w", schema, err)
	}
	if !exists {
		return st, nil
	}
	applied, err := p.ns.AppliedVersion(ctx, schema)
	if err != nil {
		return st, fmt.Errorf("applied version %s: %w", schema, err)
	}
	st.AppliedVersion = applied
	st.State = workflow.StateNamespaceCreated
	if applied >= st.LatestVersion {
		st.State = workflow.StateMigrated
	}
	return st, nil
}

// TenantStatus resolves the namespace of tenantID and reports its status.
func (p *Provisioner) TenantStatus(ctx context.Context, tenantID string) (Status, error) {
	schema, err := tenantx.SchemaName(tenantID)
	if err != nil {
		return Status{}, err
	}
	st, err := p.Status(ctx, schema)
	st.TenantID = tenantID
	return st, err
}

// Verify reports whether schema exists and has at least version applied.
func (p *Provisioner) Verify(ctx context.Context, schema string, version int) (bool, error) {
	st, err := p.Status(ctx, schema)
	if err != nil {
		return false, err
	}
	return st.State != workflow.StateUnknown && st.AppliedVersion >= version, nil
}

// Provision validates the namespace name for tenantID and runs the remaining steps.
// Calling it again after a partial failure resumes where the last call stopped.
func (p *Provisioner) Provision(ctx context.Context, tenantID string, schema string) (Status, error) {
	if schema == "" {
		derived, err := tenantx.SchemaName(tenantID)
		if err != nil {
			return Status{}, err
		}
		schema = derived
	}
	if err := tenantx.ValidateSchemaName(tenantID, schema); err != nil {
		return Status{}, err
	}
	st, err := p.Migrate(ctx, schema)
	st.TenantID = tenantID
	return st, err
}

// Migrate walks schema from its current state to MIGRATED one transition at a time.
func (p *Provisioner) Migrate(ctx context.Context, schema string) (Status, error) {
	ctx, span := otel.Tracer("provisioner").Start(ctx, "namespace.provision")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.namespace", schema),
		attribute.String("service.name", p.service),
	)
	start := time.Now()

	st, err := p.Status(ctx, schema)
	if err != nil {
		return st, p.fail(ctx, span, st, err)
	}
	if workflow.IsTerminal(st.State) {
		p.logger.Debug(ctx, "provision_noop", "namespace already migrated",
			slog.String("schema", schema),
			slog.Int("version", st.AppliedVersion),
		)
		return st, nil
	}

	for !workflow.IsTerminal(st.State) {
		next := workflow.Next(st.State)
		if !workflow.CanTransition(st.State, next) {
			return st, p.fail(ctx, span, st, fmt.Errorf("no transition from %s", st.State))
		}
		switch workflow.StepForTransition(st.State, next) {
		case workflow.StepCreateNamespace:
			created, err := p.ns.CreateNamespace(ctx, schema)
			if err != nil {
				return st, p.fail(ctx, span, st, err)
			}
			p.logger.Info(ctx, "namespace_created", "tenant namespace ready",
				slog.String("schema", schema),
				slog.Bool("created", created),
			)
		case workflow.StepApplyMigrations:
			if err := p.applyPending(ctx, &st); err != nil {
				return st, p.fail(ctx, span, st, err)
			}
		}
		metricsx.IncTenantProvisioning(next, "ok")
		st.State = next
	}

	span.SetAttributes(attribute.Int("db.schema_version", st.AppliedVersion))
	p.logger.Info(ctx, "provision_complete", "namespace migrated",
		slog.String("schema", schema),
		slog.Int("version", st.AppliedVersion),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	p.point(ctx, st, "ok", time.Since(start))
	return st, nil
}

func (p *Provisioner) applyPending(ctx context.Context, st *Status) error {
	for _, m := range p.migrations {
		if m.Version <= st.AppliedVersion {
			continue
		}
		applied, err := p.ns.ApplyMigration(ctx, st.Schema, m)
		if err != nil {
			return err
		}
		st.AppliedVersion = m.Version
		if applied {
			p.logger.Info(ctx, "migration_applied", "migration applied",
				slog.String("schema", st.Schema),
				slog.Int("version", m.Version),
				slog.String("name", m.Name),
			)
		}
	}
	return nil
}

func (p *Provisioner) fail(ctx context.Context, span trace.Span, st Status, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metricsx.IncTenantProvisioning(workflow.Next(st.State), "failed")
	p.logger.Error(ctx, "provision_failed", "namespace provisioning failed",
		slog.String("error_code", "UNAVAILABLE"),
		slog.String("error", err.Error()),
		slog.String("schema", st.Schema),
		slog.String("state", st.State),
		slog.Int("version", st.AppliedVersion),
	)
	p.point(ctx, st, "failed", 0)
	return err
}

func (p *Provisioner) point(ctx context.Context, st Status, result string, took time.Duration) {
	if p.telemetry == nil {
		return
	}
	tags := map[string]string{"service": p.service, "schema": st.Schema, "state": st.State, "result": result}
	fields := map[string]any{"version": st.AppliedVersion, "duration_ms": took.Milliseconds()}
	if err := p.telemetry.WritePoint(ctx, "tenant_provisioning", tags, fields, time.Now().UTC()); err != nil {
		metricsx.IncInfluxWriteFailure()
	}
}

// Handle is the consumer handler for the tenant lifecycle stream. Other event types
// on the stream are ignored.
func (p *Provisioner) Handle(ctx context.Context, ev events.DomainEvent) error {
	if ev.EventType != events.TypeTenantSchemaCreated {
		return nil
	}
	payload, ok := ev.Payload.(events.TenantSchemaCreated)
	if !ok {
		return consumer.Permanent(fmt.Errorf("%w: %T", ErrUnexpectedPayload, ev.Payload))
	}
	tenantID := payload.TenantID
	if tenantID == "" {
		tenantID = ev.TenantID
	}
	_, err := p.Provision(ctx, tenantID, payload.SchemaName)
	if errors.Is(err, tenantx.ErrInvalidTenantID) || errors.Is(err, tenantx.ErrInvalidSchemaName) {
		return consumer.Permanent(err)
	}
	return err
}
