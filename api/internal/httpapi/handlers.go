// Package httpapi exposes tenant registration, stock commands and the operator
// endpoints for dead letters and the outbox.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"warehouse-choreography/api/internal/aggregate"
	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/provisioner"
	"warehouse-choreography/api/internal/relay"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/stock"
	"warehouse-choreography/api/internal/tenants"
	"warehouse-choreography/shared/httpx"
	"warehouse-choreography/shared/logx"
	"warehouse-choreography/shared/tenantx"
	"warehouse-choreography/shared/workflow"
)

type TenantService interface {
	CreateTenant(ctx context.Context, cmd tenants.CreateTenant) (models.Tenant, bool, error)
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
}

type StockService interface {
	AdjustStock(ctx context.Context, cmd stock.AdjustStock) (*stock.Level, error)
}

type SchemaStatus interface {
	TenantStatus(ctx context.Context, tenantID string) (provisioner.Status, error)
}

type DeadLetters interface {
	List(ctx context.Context, group string, status string, limit int) ([]models.DeadLetter, error)
	GetByID(ctx context.Context, id uuid.UUID) (models.DeadLetter, error)
}

// ReplayScheduler queues a dead letter for replay by the worker.
type ReplayScheduler interface {
	ScheduleReplay(ctx context.Context, deadLetterID uuid.UUID) error
}

type OutboxRequeuer interface {
	Requeue(ctx context.Context, eventID uuid.UUID) (bool, error)
}

type Handlers struct {
	Tenants     TenantService
	Stock       StockService
	Schemas     SchemaStatus
	DeadLetters DeadLetters
	Replays     ReplayScheduler
	Outbox      OutboxRequeuer
	// MaxReplayAge rejects replays of older dead letters; zero allows any age.
	MaxReplayAge time.Duration
	Logger       logx.Logger
}

type tenantResponse struct {
	TenantID   string `json:"tenant_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	SchemaName string `json:"schema_name"`
	Created    bool   `json:"created"`
}

type adjustStockRequest struct {
	SKU             string          `json:"sku"`
	Location        string          `json:"location"`
	Delta           decimal.Decimal `json:"delta"`
	Reason          string          `json:"reason"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

type levelResponse struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	SKU      string          `json:"sku"`
	Location string          `json:"location"`
	OnHand   decimal.Decimal `json:"on_hand"`
	Version  int64           `json:"version"`
}

type schemaResponse struct {
	provisioner.Status
	RequiredVersion *int  `json:"required_version,omitempty"`
	Ready           *bool `json:"ready,omitempty"`
}

// Register mounts the routes. admin guards operator routes and scoped resolves the
// request tenant for tenant-scoped routes.
func (h Handlers) Register(mux *http.ServeMux, admin func(http.Handler) http.Handler, scoped func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/tenants", admin(http.HandlerFunc(h.createTenant)))
	mux.Handle("GET /api/v1/tenants/{id}", admin(http.HandlerFunc(h.getTenant)))
	mux.Handle("GET /api/v1/tenants/{id}/schema", admin(http.HandlerFunc(h.schemaStatus)))
	mux.Handle("POST /api/v1/stock/adjustments", scoped(http.HandlerFunc(h.adjustStock)))
	mux.Handle("GET /api/v1/dead-letters", admin(http.HandlerFunc(h.listDeadLetters)))
	mux.Handle("POST /api/v1/dead-letters/{id}/replay", admin(http.HandlerFunc(h.replayDeadLetter)))
	mux.Handle("POST /api/v1/outbox/{id}/requeue", admin(http.HandlerFunc(h.requeueOutbox)))
}

func (h Handlers) createTenant(w http.ResponseWriter, r *http.Request) {
	var req tenants.CreateTenant
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	tenant, created, err := h.Tenants.CreateTenant(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, tenantResponse{
		TenantID:   tenant.TenantID,
		Slug:       tenant.Slug,
		Name:       tenant.Name,
		SchemaName: tenant.SchemaName,
		Created:    created,
	})
}

func (h Handlers) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.Tenants.GetTenant(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tenantResponse{
		TenantID:   tenant.TenantID,
		Slug:       tenant.Slug,
		Name:       tenant.Name,
		SchemaName: tenant.SchemaName,
	})
}

// schemaStatus reports this service's view of a tenant namespace. With ?version=N
// it also answers whether the namespace is ready at that version.
func (h Handlers) schemaStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Schemas.TenantStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := schemaResponse{Status: st}
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "version must be a non-negative integer", nil)
			return
		}
		ready := st.State != workflow.StateUnknown && st.AppliedVersion >= version
		resp.RequiredVersion = &version
		resp.Ready = &ready
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h Handlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantx.FromContext(r.Context())
	if !ok || tenant.ID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return
	}
	var req adjustStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	level, err := h.Stock.AdjustStock(r.Context(), stock.AdjustStock{
		TenantID:        tenant.ID,
		SKU:             req.SKU,
		Location:        req.Location,
		Delta:           req.Delta,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, levelResponse{
		ID:       level.ID(),
		TenantID: level.TenantID(),
		SKU:      level.SKU(),
		Location: level.Location(),
		OnHand:   level.OnHand(),
		Version:  level.Version(),
	})
}

func (h Handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := h.DeadLetters.List(r.Context(), strings.TrimSpace(q.Get("group")), strings.TrimSpace(q.Get("status")), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, dl := range items {
		out = append(out, map[string]any{
			"dead_letter_id": dl.DeadLetterID,
			"consumer_group": dl.ConsumerGroup,
			"topic":          dl.Topic,
			"partition":      dl.Partition,
			"offset":         dl.Offset,
			"event_id":       dl.EventID,
			"event_type":     dl.EventType,
			"reason":         dl.Reason,
			"last_error":     dl.LastError,
			"attempts":       dl.Attempts,
			"status":         dl.Status,
			"created_at":     dl.CreatedAt,
			"replayed_at":    dl.ReplayedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h Handlers) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid dead letter id", nil)
		return
	}
	dl, err := h.DeadLetters.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if dl.Status == repos.DeadLetterStatusReplayed {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "dead letter already replayed", nil)
		return
	}
	if relay.ReplayExpired(dl, time.Now().UTC(), h.MaxReplayAge) {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "dead letter is older than the ledger retention window", nil)
		return
	}
	if err := h.Replays.ScheduleReplay(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"dead_letter_id": id, "status": "scheduled"})
}

func (h Handlers) requeueOutbox(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid event id", nil)
		return
	}
	ok, err := h.Outbox.Requeue(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no dead outbox event with that id", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"event_id": id, "status": repos.OutboxStatusPending})
}

func (h Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenants.ErrInvalidTenant),
		errors.Is(err, stock.ErrInvalidAdjustment),
		errors.Is(err, tenantx.ErrInvalidTenantID),
		errors.Is(err, tenantx.ErrInvalidSchemaName):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, aggregate.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, repos.ErrTenantSlugTaken):
		httpx.WriteError(w, r, http.StatusConflict, "ALREADY_EXISTS", err.Error(), nil)
	case errors.Is(err, aggregate.ErrConcurrencyConflict):
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, relay.ErrAlreadyReplayed), errors.Is(err, relay.ErrReplayExpired):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "FAILED_PRECONDITION", err.Error(), nil)
	default:
		h.Logger.Error(r.Context(), "request_failed", "request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
