// Package audit records sync activity as append-only entries for compliance
// and debugging. The engine writes entries; nothing in this codebase mutates
// or deletes them.
package audit

import (
	"context"
	"log"

	"github.com/aegisfin/calsync/internal/store"
)

// Sink receives audit events. Implementations must tolerate being called from
// concurrent sync passes.
type Sink interface {
	Record(ctx context.Context, userID int64, action store.AuditAction, details string)
}

// StoreSink persists entries through the audit repository. Persistence
// failures are logged and swallowed: an audit write must never fail the sync
// operation it describes.
type StoreSink struct {
	repo store.AuditRepository
}

func NewStoreSink(repo store.AuditRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Record(ctx context.Context, userID int64, action store.AuditAction, details string) {
	entry := &store.AuditEntry{UserID: userID, Action: action, Details: details}
	if err := s.repo.Append(ctx, entry); err != nil {
		log.Printf("[WARN] audit append failed for user %d action %s: %v", userID, action, err)
	}
}

// NopSink discards all entries. Used in tests that don't assert on auditing.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, userID int64, action store.AuditAction, details string) {}
