package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncDirection controls which way event data is allowed to flow.
type SyncDirection string

const (
	DirectionToRemoteOnly   SyncDirection = "to_remote_only"
	DirectionFromRemoteOnly SyncDirection = "from_remote_only"
	DirectionBidirectional  SyncDirection = "bidirectional"
)

// AllowsPush reports whether local events may be written to the remote calendar.
func (d SyncDirection) AllowsPush() bool {
	return d == DirectionToRemoteOnly || d == DirectionBidirectional
}

// AllowsPull reports whether remote changes may be written to local events.
func (d SyncDirection) AllowsPull() bool {
	return d == DirectionFromRemoteOnly || d == DirectionBidirectional
}

// Valid reports whether d is one of the known directions.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionToRemoteOnly, DirectionFromRemoteOnly, DirectionBidirectional:
		return true
	}
	return false
}

// SyncStatus is the reconciliation state of a single event mapping.
type SyncStatus string

const (
	StatusSynced      SyncStatus = "synced"
	StatusConflict    SyncStatus = "conflict"
	StatusPendingPush SyncStatus = "pending_push"
	StatusError       SyncStatus = "error"
)

// AuditAction identifies what kind of sync activity an audit entry records.
type AuditAction string

const (
	ActionChannelRenewed   AuditAction = "channel_renewed"
	ActionSyncCompleted    AuditAction = "sync_completed"
	ActionSyncFailed       AuditAction = "sync_failed"
	ActionConflictDetected AuditAction = "conflict_detected"
)

// User represents a person connected (or connectable) to the calendar provider.
type User struct {
	ID          int64
	ExternalRef string
	Email       string
	CreatedAt   time.Time
}

// SyncSettings holds the per-user sync configuration and cursor state.
//
// SyncToken is only meaningful after a full sync has completed; the engine is
// the sole writer of SyncToken and the channel columns.
type SyncSettings struct {
	UserID                  int64
	SyncEnabled             bool
	Direction               SyncDirection
	IncludeFinancialAmounts bool
	SyncToken               *string
	ChannelID               *string
	ChannelResourceID       *string
	ChannelExpiresAt        *time.Time
	LastFullSyncAt          *time.Time
	LastIncrementalSyncAt   *time.Time
	UpdatedAt               time.Time
}

// TokenRecord stores the user's encrypted OAuth credentials.
//
// KeySalt is a per-record random salt for key derivation; both tokens are
// sealed with AES-GCM under the derived key. A record without a refresh token
// is unusable and must not be persisted.
type TokenRecord struct {
	UserID                 int64
	AccessTokenCiphertext  []byte
	AccessTokenNonce       []byte
	RefreshTokenCiphertext []byte
	RefreshTokenNonce      []byte
	KeySalt                []byte
	AccessTokenExpiresAt   time.Time
	ProviderEmail          string
	UpdatedAt              time.Time
}

// EventMapping associates one local financial event with one remote calendar
// event. (UserID, LocalEventID) and (UserID, RemoteEventID) are each unique.
type EventMapping struct {
	ID            int64
	UserID        int64
	LocalEventID  string
	RemoteEventID string
	SyncStatus    SyncStatus
	LastSyncedAt  time.Time
	LastError     *string
}

// AuditEntry is an append-only record of sync activity.
type AuditEntry struct {
	ID        int64
	UserID    int64
	Action    AuditAction
	Details   string
	CreatedAt time.Time
}

// FinancialEvent is a dated financial record (bill, income, transfer) that can
// be mirrored to the user's calendar.
type FinancialEvent struct {
	ID        string
	UserID    int64
	Title     string
	Amount    decimal.Decimal
	Category  string
	StartsAt  time.Time
	EndsAt    *time.Time
	Archived  bool
	UpdatedAt time.Time
}
