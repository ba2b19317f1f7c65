package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warehouse-choreography/api/internal/models"
	"warehouse-choreography/api/internal/repos"
	"warehouse-choreography/api/internal/uow"
)

type Record = models.AggregateRecord

type Store interface {
	Get(ctx context.Context, aggregateType string, id string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record, expectedVersion int64) error
}

// PgStore joins the unit of work in ctx when there is one.
type PgStore struct {
	pool *pgxpool.Pool
	repo *repos.AggregatesRepo
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, repo: repos.NewAggregatesRepo(pool)}
}

func (s *PgStore) Get(ctx context.Context, aggregateType string, id string) (Record, error) {
	rec, err := s.repo.Get(ctx, uow.Querier(ctx, s.pool), aggregateType, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, aggregateType, id)
	}
	return rec, err
}

func (s *PgStore) Insert(ctx context.Context, rec Record) error {
	return translate(s.repo.Insert(ctx, uow.Querier(ctx, s.pool), rec), rec)
}

func (s *PgStore) Update(ctx context.Context, rec Record, expectedVersion int64) error {
	return translate(s.repo.UpdateVersioned(ctx, uow.Querier(ctx, s.pool), rec, expectedVersion), rec)
}

func translate(err error, rec Record) error {
	if errors.Is(err, repos.ErrVersionMismatch) {
		return fmt.Errorf("%w: %s %s at version %d", ErrConcurrencyConflict, rec.AggregateType, rec.AggregateID, rec.Version-1)
	}
	return err
}

type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, aggregateType string, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[aggregateType+"/"+id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, aggregateType, id)
	}
	return rec, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.AggregateType + "/" + rec.AggregateID
	if _, exists := s.recs[key]; exists {
		return translate(repos.ErrVersionMismatch, rec)
	}
	s.recs[key] = rec
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.AggregateType + "/" + rec.AggregateID
	cur, ok := s.recs[key]
	if !ok || cur.Version != expectedVersion {
		return translate(repos.ErrVersionMismatch, rec)
	}
	s.recs[key] = rec
	return nil
}
