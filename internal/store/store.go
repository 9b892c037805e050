package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Users           UserRepository
	Settings        SyncSettingsRepository
	Tokens          TokenRepository
	Mappings        EventMappingRepository
	Audit           AuditRepository
	FinancialEvents FinancialEventRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:            pool,
		Users:           &userRepo{pool: pool},
		Settings:        &syncSettingsRepo{pool: pool},
		Tokens:          &tokenRepo{pool: pool},
		Mappings:        &eventMappingRepo{pool: pool},
		Audit:           &auditRepo{pool: pool},
		FinancialEvents: &financialEventRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
