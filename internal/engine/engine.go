// Package engine implements the reconciliation core of the calendar sync
// subsystem: full sync, incremental (cursor-based) sync, and single-event
// push, with per-user serialization of all mutating operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aegisfin/calsync/internal/audit"
	"github.com/aegisfin/calsync/internal/metrics"
	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

// defaultLookBack bounds how far into the past a full sync fetches remote
// events. Forward is unbounded.
const defaultLookBack = 30 * 24 * time.Hour

// TokenSource supplies valid access tokens. Satisfied by vault.Vault.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
}

// Engine orchestrates reconciliation between the local financial event store
// and the remote calendar. It is the exclusive writer of event mappings and
// of the sync cursor.
type Engine struct {
	settings store.SyncSettingsRepository
	mappings store.EventMappingRepository
	events   FinancialEventStore
	tokens   TokenSource
	provider provider.Client
	audit    audit.Sink

	locks    *userLocks
	lookBack time.Duration
	now      func() time.Time
}

// New wires an engine. All dependencies are required.
func New(settings store.SyncSettingsRepository, mappings store.EventMappingRepository, events FinancialEventStore, tokens TokenSource, client provider.Client, sink audit.Sink) *Engine {
	return &Engine{
		settings: settings,
		mappings: mappings,
		events:   events,
		tokens:   tokens,
		provider: client,
		audit:    sink,
		locks:    newUserLocks(),
		lookBack: defaultLookBack,
		now:      time.Now,
	}
}

// SyncReport summarizes one sync pass. Per-item failures accumulate in Errors
// while the pass continues; the pass as a whole only fails when no item could
// have succeeded (for example an authorization failure).
type SyncReport struct {
	Mode      string   `json:"mode"`
	Pulled    int      `json:"pulled"`
	Pushed    int      `json:"pushed"`
	Removed   int      `json:"removed"`
	Restored  int      `json:"restored"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *SyncReport) summary() string {
	return fmt.Sprintf("%s sync: pulled=%d pushed=%d removed=%d restored=%d skipped=%d conflicts=%d errors=%d",
		r.Mode, r.Pulled, r.Pushed, r.Removed, r.Restored, r.Skipped, r.Conflicts, len(r.Errors))
}

// FullSync reconciles the bounded look-back window against the mapping table
// and establishes a fresh sync cursor. All provider pages are consumed before
// the cursor is stored.
func (e *Engine) FullSync(ctx context.Context, userID int64) (*SyncReport, error) {
	release := e.locks.acquire(userID)
	defer release()
	return e.fullSyncLocked(ctx, userID)
}

func (e *Engine) fullSyncLocked(ctx context.Context, userID int64) (*SyncReport, error) {
	report := &SyncReport{Mode: "full"}

	settings, err := e.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	if !settings.SyncEnabled {
		return nil, ErrSyncDisabled
	}

	opts := provider.ListOptions{TimeMin: e.now().Add(-e.lookBack)}
	syncToken, err := e.consumePages(ctx, settings, opts, report)
	if err != nil {
		e.failSync(ctx, userID, report, err)
		return nil, err
	}

	if err := e.settings.UpdateCursor(ctx, userID, syncToken, true, e.now()); err != nil {
		e.failSync(ctx, userID, report, err)
		return nil, fmt.Errorf("store sync token: %w", err)
	}

	if settings.Direction.AllowsPush() {
		token, err := e.tokens.GetValidAccessToken(ctx, userID)
		if err != nil {
			e.failSync(ctx, userID, report, err)
			return nil, err
		}
		if err := e.pushSweep(ctx, settings, token, report); err != nil {
			e.failSync(ctx, userID, report, err)
			return nil, err
		}
	}

	metrics.CountSyncRun("full", "ok")
	e.audit.Record(ctx, userID, store.ActionSyncCompleted, report.summary())
	return report, nil
}

// IncrementalSync fetches and merges the delta since the stored cursor. With
// no cursor present it falls back to a full sync. When the provider rejects
// the cursor, the cursor is cleared and ErrSyncTokenInvalidated is returned;
// the next call recovers by running a full sync.
func (e *Engine) IncrementalSync(ctx context.Context, userID int64) (*SyncReport, error) {
	release := e.locks.acquire(userID)
	defer release()

	settings, err := e.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	if !settings.SyncEnabled {
		return nil, ErrSyncDisabled
	}
	if settings.SyncToken == nil || *settings.SyncToken == "" {
		return e.fullSyncLocked(ctx, userID)
	}

	report := &SyncReport{Mode: "incremental"}

	opts := provider.ListOptions{SyncToken: *settings.SyncToken}
	syncToken, err := e.consumePages(ctx, settings, opts, report)
	if errors.Is(err, provider.ErrSyncTokenInvalid) {
		if clearErr := e.settings.ClearCursor(ctx, userID); clearErr != nil {
			return nil, fmt.Errorf("clear invalidated cursor: %w", clearErr)
		}
		metrics.CountSyncRun("incremental", "token_invalidated")
		log.Printf("[INFO] sync token invalidated for user %d, next sync runs full", userID)
		return nil, ErrSyncTokenInvalidated
	}
	if err != nil {
		e.failSync(ctx, userID, report, err)
		return nil, err
	}

	if err := e.settings.UpdateCursor(ctx, userID, syncToken, false, e.now()); err != nil {
		e.failSync(ctx, userID, report, err)
		return nil, fmt.Errorf("store sync token: %w", err)
	}

	metrics.CountSyncRun("incremental", "ok")
	e.audit.Record(ctx, userID, store.ActionSyncCompleted, report.summary())
	return report, nil
}

// consumePages walks the full page sequence of a list or delta fetch, merging
// every item, and returns the cursor from the final page. A cursor is never
// returned from a partially consumed sequence.
func (e *Engine) consumePages(ctx context.Context, settings *store.SyncSettings, opts provider.ListOptions, report *SyncReport) (string, error) {
	token, err := e.tokens.GetValidAccessToken(ctx, settings.UserID)
	if err != nil {
		return "", err
	}

	for {
		page, err := e.provider.ListEvents(ctx, token, opts)
		if err != nil {
			return "", err
		}

		for i := range page.Events {
			outcome, err := e.mergeRemoteItem(ctx, settings, &page.Events[i])
			if err != nil {
				if errors.Is(err, provider.ErrAuth) {
					return "", err
				}
				report.Errors = append(report.Errors, fmt.Sprintf("event %s: %v", page.Events[i].ID, err))
				continue
			}
			report.count(outcome)
		}

		if page.NextPageToken == "" {
			if page.NextSyncToken == "" {
				return "", ErrMissingSyncToken
			}
			return page.NextSyncToken, nil
		}
		opts.PageToken = page.NextPageToken
	}
}

func (r *SyncReport) count(outcome mergeOutcome) {
	switch outcome {
	case outcomePulled:
		r.Pulled++
	case outcomeRemoved:
		r.Removed++
	case outcomeRestored:
		r.Restored++
	case outcomeSkipped:
		r.Skipped++
	case outcomeConflict:
		r.Conflicts++
	}
}

func (e *Engine) failSync(ctx context.Context, userID int64, report *SyncReport, cause error) {
	metrics.CountSyncRun(report.Mode, "error")
	details := report.Mode + " sync failed: " + trimErr(cause)
	e.audit.Record(ctx, userID, store.ActionSyncFailed, details)
}

func trimErr(err error) string {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return strings.TrimSpace(msg)
}
