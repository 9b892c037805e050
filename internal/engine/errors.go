package engine

import "errors"

// ErrSyncDisabled is returned when a sync or push is requested for a user who
// has synchronization switched off.
var ErrSyncDisabled = errors.New("sync is disabled for user")

// ErrSyncTokenInvalidated signals that the provider rejected the stored
// cursor. The cursor has already been cleared; the next sync call runs a full
// pass. Recoverable, never surfaced to the user as a failure.
var ErrSyncTokenInvalidated = errors.New("sync token invalidated, next sync runs a full pass")

// ErrPushDisabled is returned when PushEvent is invoked while the sync
// direction forbids local-to-remote writes. Callers are expected to not route
// pushes to such users in the first place.
var ErrPushDisabled = errors.New("push to remote is disabled by sync direction")

// ErrPullDisabled is the mirror guard for remote-to-local writes.
var ErrPullDisabled = errors.New("pull from remote is disabled by sync direction")

// ErrMissingSyncToken indicates a provider page sequence ended without a
// cursor; storing anything in that state would violate the resume contract.
var ErrMissingSyncToken = errors.New("provider returned no sync token after final page")
