package engine

import (
	"context"
	"time"

	"github.com/aegisfin/calsync/internal/store"
)

// FinancialEventStore is the engine's window onto local financial events. The
// rest of the application (budgeting, payments, dashboards) owns these
// records; the engine only reads them for pushes and, in bidirectional mode,
// writes back fields the remote calendar owns.
type FinancialEventStore interface {
	GetEvent(ctx context.Context, id string) (*store.FinancialEvent, error)
	UpsertEvent(ctx context.Context, ev *store.FinancialEvent) error
	DeleteEvent(ctx context.Context, id string) error
	ListEventsModifiedSince(ctx context.Context, userID int64, since time.Time) ([]store.FinancialEvent, error)
}

// storeEventSource adapts the Postgres financial event repository to the
// collaborator contract. Deletion archives rather than dropping the row.
type storeEventSource struct {
	repo store.FinancialEventRepository
}

// NewStoreEventSource wraps a repository as a FinancialEventStore.
func NewStoreEventSource(repo store.FinancialEventRepository) FinancialEventStore {
	return &storeEventSource{repo: repo}
}

func (s *storeEventSource) GetEvent(ctx context.Context, id string) (*store.FinancialEvent, error) {
	return s.repo.Get(ctx, id)
}

func (s *storeEventSource) UpsertEvent(ctx context.Context, ev *store.FinancialEvent) error {
	return s.repo.Upsert(ctx, ev)
}

func (s *storeEventSource) DeleteEvent(ctx context.Context, id string) error {
	return s.repo.Archive(ctx, id)
}

func (s *storeEventSource) ListEventsModifiedSince(ctx context.Context, userID int64, since time.Time) ([]store.FinancialEvent, error) {
	return s.repo.ListModifiedSince(ctx, userID, since)
}
