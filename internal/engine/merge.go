package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

type mergeOutcome int

const (
	outcomeNoop mergeOutcome = iota
	outcomePulled
	outcomeRemoved
	outcomeRestored
	outcomeSkipped
	outcomeConflict
)

// mergeRemoteItem applies the merge policy for one remote item from a full or
// delta fetch. Remote is the source of truth for title and schedule during a
// pull; amount and category are local-only financial data and are never
// touched, regardless of direction.
func (e *Engine) mergeRemoteItem(ctx context.Context, settings *store.SyncSettings, item *provider.RemoteEvent) (mergeOutcome, error) {
	userID := settings.UserID

	if item.Cancelled() {
		return e.mergeCancellation(ctx, settings, item)
	}

	mapping, err := e.mappings.GetByRemoteID(ctx, userID, item.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeNoop, fmt.Errorf("lookup mapping: %w", err)
	}
	if mapping != nil {
		return e.mergeMapped(ctx, settings, mapping, item)
	}

	// No mapping. A marker property means this is one of our own events whose
	// mapping was lost (for example after a data reset); restore it instead of
	// duplicating the local event.
	localID := item.PrivateProperties[markerProperty]
	if localID == "" {
		// Foreign event created directly in the user's calendar. Never
		// auto-imported into the financial ledger.
		return outcomeSkipped, nil
	}
	return e.restoreMapping(ctx, settings, localID, item)
}

func (e *Engine) mergeCancellation(ctx context.Context, settings *store.SyncSettings, item *provider.RemoteEvent) (mergeOutcome, error) {
	mapping, err := e.mappings.GetByRemoteID(ctx, settings.UserID, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return outcomeNoop, nil
	}
	if err != nil {
		return outcomeNoop, fmt.Errorf("lookup mapping: %w", err)
	}

	// Archive the local side before dropping the mapping. Done the other way
	// round, a failed archive would leave no mapping for the redelivered
	// cancellation to find, and the local event would stay live forever.
	if settings.Direction.AllowsPull() {
		if err := e.events.DeleteEvent(ctx, mapping.LocalEventID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return outcomeNoop, fmt.Errorf("archive local event %s: %w", mapping.LocalEventID, err)
		}
	}

	if err := e.mappings.DeleteByRemoteID(ctx, settings.UserID, item.ID); err != nil {
		return outcomeNoop, fmt.Errorf("drop mapping: %w", err)
	}
	return outcomeRemoved, nil
}

func (e *Engine) mergeMapped(ctx context.Context, settings *store.SyncSettings, mapping *store.EventMapping, item *provider.RemoteEvent) (mergeOutcome, error) {
	if !settings.Direction.AllowsPull() {
		// ToRemoteOnly: the remote change is observed but never written back.
		return outcomeNoop, nil
	}

	local, err := e.events.GetEvent(ctx, mapping.LocalEventID)
	if errors.Is(err, store.ErrNotFound) {
		// Local side is gone; retire the mapping.
		if err := e.mappings.DeleteByLocalID(ctx, settings.UserID, mapping.LocalEventID); err != nil {
			return outcomeNoop, fmt.Errorf("drop orphaned mapping: %w", err)
		}
		return outcomeRemoved, nil
	}
	if err != nil {
		return outcomeNoop, fmt.Errorf("load local event: %w", err)
	}

	local.Title = item.Summary
	local.StartsAt = item.Start
	if !item.End.IsZero() {
		end := item.End
		local.EndsAt = &end
	}
	if err := e.events.UpsertEvent(ctx, local); err != nil {
		return outcomeNoop, fmt.Errorf("update local event: %w", err)
	}

	mapping.SyncStatus = store.StatusSynced
	mapping.LastSyncedAt = e.now()
	mapping.LastError = nil
	if err := e.mappings.Upsert(ctx, mapping); err != nil {
		return outcomeNoop, fmt.Errorf("update mapping: %w", err)
	}
	return outcomePulled, nil
}

func (e *Engine) restoreMapping(ctx context.Context, settings *store.SyncSettings, localID string, item *provider.RemoteEvent) (mergeOutcome, error) {
	userID := settings.UserID

	existing, err := e.mappings.GetByLocalID(ctx, userID, localID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeNoop, fmt.Errorf("lookup mapping: %w", err)
	}
	if existing != nil && existing.RemoteEventID != item.ID {
		// The local event already maps to a different remote counterpart.
		// Ambiguous; flag for manual resolution, never auto-resolve.
		msg := fmt.Sprintf("local event %s mapped to %s but remote %s carries its marker", localID, existing.RemoteEventID, item.ID)
		if err := e.mappings.SetStatus(ctx, userID, localID, store.StatusConflict, &msg, e.now()); err != nil {
			return outcomeNoop, fmt.Errorf("flag conflict: %w", err)
		}
		e.audit.Record(ctx, userID, store.ActionConflictDetected, msg)
		return outcomeConflict, nil
	}

	local, err := e.events.GetEvent(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		// Stale marker from an event that no longer exists locally.
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeNoop, fmt.Errorf("load local event: %w", err)
	}
	if local.UserID != userID {
		return outcomeSkipped, nil
	}

	if err := e.mappings.Upsert(ctx, &store.EventMapping{
		UserID:        userID,
		LocalEventID:  localID,
		RemoteEventID: item.ID,
		SyncStatus:    store.StatusSynced,
		LastSyncedAt:  e.now(),
	}); err != nil {
		return outcomeNoop, fmt.Errorf("restore mapping: %w", err)
	}
	return outcomeRestored, nil
}
