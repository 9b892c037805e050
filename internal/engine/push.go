package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

// PushEvent mirrors one local financial event to the remote calendar,
// creating or updating the remote counterpart depending on whether a mapping
// exists. On success the mapping is upserted as Synced; on provider failure
// an existing mapping is marked Error with the failure message and no retry
// happens here (a later explicit retry or the next sync pass re-attempts).
func (e *Engine) PushEvent(ctx context.Context, userID int64, localEventID string) (*store.EventMapping, error) {
	release := e.locks.acquire(userID)
	defer release()

	settings, err := e.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	if !settings.SyncEnabled {
		return nil, ErrSyncDisabled
	}
	if !settings.Direction.AllowsPush() {
		return nil, ErrPushDisabled
	}

	token, err := e.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.pushLocked(ctx, settings, token, localEventID)
}

// pushLocked is the push core shared by PushEvent and the full-sync push
// sweep. The caller holds the user lock and supplies a valid access token.
func (e *Engine) pushLocked(ctx context.Context, settings *store.SyncSettings, token, localEventID string) (*store.EventMapping, error) {
	userID := settings.UserID

	local, err := e.events.GetEvent(ctx, localEventID)
	if err != nil {
		return nil, fmt.Errorf("load local event: %w", err)
	}
	if local.UserID != userID {
		return nil, store.ErrNotFound
	}

	mapping, err := e.mappings.GetByLocalID(ctx, userID, localEventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup mapping: %w", err)
	}

	if local.Archived {
		return nil, e.pushDeletion(ctx, token, userID, localEventID, mapping)
	}

	payload := buildRemoteEvent(settings, local)

	var remote *provider.RemoteEvent
	if mapping != nil {
		// Flag the attempt before the remote call. A crash between the call
		// and the Synced upsert then leaves PendingPush behind, which the
		// next sweep retries, instead of a stale Synced.
		if err := e.mappings.SetStatus(ctx, userID, localEventID, store.StatusPendingPush, nil, e.now()); err != nil {
			return nil, fmt.Errorf("mark pending push: %w", err)
		}
		payload.ID = mapping.RemoteEventID
		remote, err = e.provider.UpdateEvent(ctx, token, payload)
		if errors.Is(err, provider.ErrNotFound) {
			// Remote counterpart vanished out of band; recreate it.
			payload.ID = ""
			remote, err = e.provider.CreateEvent(ctx, token, payload)
		}
	} else {
		remote, err = e.provider.CreateEvent(ctx, token, payload)
	}
	if err != nil {
		e.markPushFailure(ctx, userID, localEventID, mapping, err)
		return nil, err
	}

	result := &store.EventMapping{
		UserID:        userID,
		LocalEventID:  localEventID,
		RemoteEventID: remote.ID,
		SyncStatus:    store.StatusSynced,
		LastSyncedAt:  e.now(),
	}
	if err := e.mappings.Upsert(ctx, result); err != nil {
		return nil, fmt.Errorf("record mapping: %w", err)
	}

	e.audit.Record(ctx, userID, store.ActionSyncCompleted, fmt.Sprintf("pushed event %s to remote %s", localEventID, remote.ID))
	return result, nil
}

// pushSweep walks local events modified inside the look-back window and
// pushes the ones the remote side is missing or that a previous push left in
// PendingPush or Error. Synced events are left alone (the pull already
// reconciled them) and Conflict ones are never auto-resolved.
func (e *Engine) pushSweep(ctx context.Context, settings *store.SyncSettings, token string, report *SyncReport) error {
	userID := settings.UserID
	events, err := e.events.ListEventsModifiedSince(ctx, userID, e.now().Add(-e.lookBack))
	if err != nil {
		return fmt.Errorf("list local events: %w", err)
	}

	for i := range events {
		ev := &events[i]
		mapping, err := e.mappings.GetByLocalID(ctx, userID, ev.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			report.Errors = append(report.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
			continue
		}

		switch {
		case mapping == nil && ev.Archived:
			continue
		case mapping != nil && mapping.SyncStatus == store.StatusSynced && !ev.Archived:
			continue
		case mapping != nil && mapping.SyncStatus == store.StatusConflict:
			continue
		}

		if _, err := e.pushLocked(ctx, settings, token, ev.ID); err != nil {
			if errors.Is(err, provider.ErrAuth) {
				return err
			}
			report.Errors = append(report.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
			continue
		}
		report.Pushed++
	}
	return nil
}

// pushDeletion propagates a local archive/delete to the remote side.
func (e *Engine) pushDeletion(ctx context.Context, token string, userID int64, localEventID string, mapping *store.EventMapping) error {
	if mapping == nil {
		return nil
	}
	if err := e.provider.DeleteEvent(ctx, token, mapping.RemoteEventID); err != nil && !errors.Is(err, provider.ErrNotFound) {
		e.markPushFailure(ctx, userID, localEventID, mapping, err)
		return err
	}
	if err := e.mappings.DeleteByLocalID(ctx, userID, localEventID); err != nil {
		return fmt.Errorf("drop mapping: %w", err)
	}
	e.audit.Record(ctx, userID, store.ActionSyncCompleted, fmt.Sprintf("removed remote event %s for archived event %s", mapping.RemoteEventID, localEventID))
	return nil
}

func (e *Engine) markPushFailure(ctx context.Context, userID int64, localEventID string, mapping *store.EventMapping, cause error) {
	msg := trimErr(cause)
	if mapping != nil {
		if err := e.mappings.SetStatus(ctx, userID, localEventID, store.StatusError, &msg, e.now()); err != nil {
			msg = msg + " (status update failed: " + trimErr(err) + ")"
		}
	}
	e.audit.Record(ctx, userID, store.ActionSyncFailed, fmt.Sprintf("push of event %s failed: %s", localEventID, msg))
}
