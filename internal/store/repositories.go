package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	UpsertByExternalRef(ctx context.Context, externalRef, email string) (*User, error)
}

// SyncSettingsRepository handles per-user sync configuration and cursor state.
type SyncSettingsRepository interface {
	Get(ctx context.Context, userID int64) (*SyncSettings, error)
	Upsert(ctx context.Context, s *SyncSettings) error
	// UpdateCursor stores a new sync token and stamps the matching sync
	// timestamp (full or incremental).
	UpdateCursor(ctx context.Context, userID int64, token string, fullSync bool, at time.Time) error
	// ClearCursor drops the sync token so the next sync runs a full pass.
	ClearCursor(ctx context.Context, userID int64) error
	// UpdateChannel atomically swaps the webhook channel registration.
	UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error
	ClearChannel(ctx context.Context, userID int64) error
	FindByChannelID(ctx context.Context, channelID string) (*SyncSettings, error)
	// ListExpiringChannels returns sync-enabled users whose channel expires
	// at or before the given instant.
	ListExpiringChannels(ctx context.Context, before time.Time) ([]SyncSettings, error)
}

// TokenRepository stores encrypted OAuth credentials.
type TokenRepository interface {
	Get(ctx context.Context, userID int64) (*TokenRecord, error)
	Upsert(ctx context.Context, rec *TokenRecord) error
	Delete(ctx context.Context, userID int64) error
}

// EventMappingRepository maintains the local<->remote event associations.
type EventMappingRepository interface {
	GetByLocalID(ctx context.Context, userID int64, localEventID string) (*EventMapping, error)
	GetByRemoteID(ctx context.Context, userID int64, remoteEventID string) (*EventMapping, error)
	// Upsert inserts or updates the mapping keyed on (user_id, local_event_id)
	// in a single statement.
	Upsert(ctx context.Context, m *EventMapping) error
	SetStatus(ctx context.Context, userID int64, localEventID string, status SyncStatus, lastError *string, at time.Time) error
	DeleteByLocalID(ctx context.Context, userID int64, localEventID string) error
	DeleteByRemoteID(ctx context.Context, userID int64, remoteEventID string) error
	ListByUser(ctx context.Context, userID int64) ([]EventMapping, error)
}

// AuditRepository appends sync activity records. Entries are never updated or
// deleted here; retention is an external concern.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]AuditEntry, error)
}

// FinancialEventRepository handles local financial event storage.
type FinancialEventRepository interface {
	Get(ctx context.Context, id string) (*FinancialEvent, error)
	Upsert(ctx context.Context, ev *FinancialEvent) error
	// Archive soft-deletes an event; the row survives for bookkeeping.
	Archive(ctx context.Context, id string) error
	ListModifiedSince(ctx context.Context, userID int64, since time.Time) ([]FinancialEvent, error)
}
