package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
	"warehouse-choreography/shared/cachex"
	"warehouse-choreography/shared/logx"
)

// Ledger remembers which events a consumer group has fully processed.
type Ledger interface {
	Seen(ctx context.Context, group string, eventID uuid.UUID) (bool, error)
	// Record runs inside the handler's transaction and reports false when another
	// delivery already recorded the event.
	Record(ctx context.Context, group string, eventID uuid.UUID, eventType string) (bool, error)
}

type PgLedger struct {
	repo *repos.ProcessedEventsRepo
	db   repos.DBTX
}

func NewPgLedger(repo *repos.ProcessedEventsRepo, db repos.DBTX) *PgLedger {
	return &PgLedger{repo: repo, db: db}
}

func (l *PgLedger) Seen(ctx context.Context, group string, eventID uuid.UUID) (bool, error) {
	return l.repo.Exists(ctx, uow.Querier(ctx, l.db), group, eventID)
}

func (l *PgLedger) Record(ctx context.Context, group string, eventID uuid.UUID, eventType string) (bool, error) {
	return l.repo.Insert(ctx, uow.Querier(ctx, l.db), group, eventID, eventType)
}

// MemoryLedger records immediately and never forgets; it suits tests and single
// process tools where the handler's effects are not transactional either.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]string{}}
}

func (l *MemoryLedger) Seen(_ context.Context, group string, eventID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[group+"/"+eventID.String()]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, group string, eventID uuid.UUID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := group + "/" + eventID.String()
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = eventType
	return true, nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Marker is the fast-path cache in front of a Ledger.
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, ttl time.Duration) error
}

// CachedLedger answers Seen from the cache when it can and only marks an event there
// once the transaction that recorded it has committed.
type CachedLedger struct {
	inner  Ledger
	cache  Marker
	ttl    time.Duration
	logger logx.Logger
}

func NewCachedLedger(inner Ledger, cache Marker, ttl time.Duration, logger logx.Logger) *CachedLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedLedger{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (l *CachedLedger) Seen(ctx context.Context, group string, eventID uuid.UUID) (bool, error) {
	hit, err := l.cache.Seen(ctx, cachex.ProcessedKey(group, eventID))
	if err != nil {
		l.logger.Warn(ctx, "dedup_cache_unavailable", "dedup cache lookup failed; using ledger",
			slog.String("error", err.Error()),
		)
	} else if hit {
		return true, nil
	}
	return l.inner.Seen(ctx, group, eventID)
}

func (l *CachedLedger) Record(ctx context.Context, group string, eventID uuid.UUID, eventType string) (bool, error) {
	inserted, err := l.inner.Record(ctx, group, eventID, eventType)
	if err != nil || !inserted {
		return inserted, err
	}
	key := cachex.ProcessedKey(group, eventID)
	remember := func(ctx context.Context) {
		if err := l.cache.Remember(ctx, key, l.ttl); err != nil {
			l.logger.Warn(ctx, "dedup_cache_write_failed", "failed to cache processed marker",
				slog.String("error", err.Error()),
			)
		}
	}
	if !uow.AfterCommit(ctx, remember) {
		remember(ctx)
	}
	return true, nil
}
