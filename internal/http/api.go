package httpserver

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aegisfin/calsync/internal/auth"
	"github.com/aegisfin/calsync/internal/channel"
	"github.com/aegisfin/calsync/internal/engine"
	"github.com/aegisfin/calsync/internal/http/errors"
	"github.com/aegisfin/calsync/internal/store"
	"github.com/aegisfin/calsync/internal/vault"
)

// apiHandler is the control surface the financial app talks to. Every route
// is scoped to a user ID; the caller authenticates with the shared API token
// and is trusted to act for any user.
type apiHandler struct {
	store    *store.Store
	engine   *engine.Engine
	registry *channel.Registry
	vault    *vault.Vault
	auth     *auth.Service
}

func userIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type settingsResponse struct {
	UserID                  int64      `json:"user_id"`
	SyncEnabled             bool       `json:"sync_enabled"`
	Direction               string     `json:"direction"`
	IncludeFinancialAmounts bool       `json:"include_financial_amounts"`
	Connected               bool       `json:"connected"`
	ProviderEmail           string     `json:"provider_email,omitempty"`
	ChannelID               *string    `json:"channel_id,omitempty"`
	ChannelExpiresAt        *time.Time `json:"channel_expires_at,omitempty"`
	LastFullSyncAt          *time.Time `json:"last_full_sync_at,omitempty"`
	LastIncrementalSyncAt   *time.Time `json:"last_incremental_sync_at,omitempty"`
}

func (h *apiHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	s, err := h.store.Settings.Get(r.Context(), userID)
	if stderrors.Is(err, store.ErrNotFound) {
		errors.NotFound(w, r, "no sync settings")
		return
	}
	if err != nil {
		errors.InternalError(w, r, err, "load settings")
		return
	}

	resp := settingsResponse{
		UserID:                  s.UserID,
		SyncEnabled:             s.SyncEnabled,
		Direction:               string(s.Direction),
		IncludeFinancialAmounts: s.IncludeFinancialAmounts,
		ChannelID:               s.ChannelID,
		ChannelExpiresAt:        s.ChannelExpiresAt,
		LastFullSyncAt:          s.LastFullSyncAt,
		LastIncrementalSyncAt:   s.LastIncrementalSyncAt,
	}
	if email, err := h.vault.ProviderEmail(r.Context(), userID); err == nil {
		resp.Connected = true
		resp.ProviderEmail = email
	} else if !stderrors.Is(err, vault.ErrNotConnected) {
		errors.LogError(r, "provider email", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type settingsRequest struct {
	SyncEnabled             *bool   `json:"sync_enabled"`
	Direction               *string `json:"direction"`
	IncludeFinancialAmounts *bool   `json:"include_financial_amounts"`
}

func (h *apiHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.BadRequestError(w, r, err, "malformed body")
		return
	}

	s, err := h.store.Settings.Get(r.Context(), userID)
	if stderrors.Is(err, store.ErrNotFound) {
		s = &store.SyncSettings{UserID: userID, Direction: store.DirectionBidirectional}
	} else if err != nil {
		errors.InternalError(w, r, err, "load settings")
		return
	}

	if req.SyncEnabled != nil {
		s.SyncEnabled = *req.SyncEnabled
	}
	if req.Direction != nil {
		dir := store.SyncDirection(*req.Direction)
		if !dir.Valid() {
			errors.BadRequestError(w, r, stderrors.New("direction "+*req.Direction), "invalid direction")
			return
		}
		s.Direction = dir
	}
	if req.IncludeFinancialAmounts != nil {
		s.IncludeFinancialAmounts = *req.IncludeFinancialAmounts
	}

	if err := h.store.Settings.Upsert(r.Context(), s); err != nil {
		errors.InternalError(w, r, err, "save settings")
		return
	}
	h.getSettings(w, r)
}

func (h *apiHandler) runSync(full bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDParam(r)
		if err != nil {
			errors.BadRequestError(w, r, err, "invalid user id")
			return
		}

		var report *engine.SyncReport
		if full {
			report, err = h.engine.FullSync(r.Context(), userID)
		} else {
			report, err = h.engine.IncrementalSync(r.Context(), userID)
		}
		if err != nil {
			h.writeSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (h *apiHandler) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, engine.ErrSyncDisabled),
		stderrors.Is(err, engine.ErrPushDisabled),
		stderrors.Is(err, engine.ErrPullDisabled):
		errors.Conflict(w, r, err.Error())
	case stderrors.Is(err, engine.ErrSyncTokenInvalidated):
		// The cursor was reset; the caller should retry, which runs a full
		// sync.
		writeJSON(w, http.StatusConflict, map[string]string{"error": "sync cursor invalidated, retry to run a full sync"})
	case stderrors.Is(err, vault.ErrNotConnected):
		errors.Conflict(w, r, "calendar not connected")
	case stderrors.Is(err, store.ErrNotFound):
		errors.NotFound(w, r, "not found")
	default:
		errors.InternalError(w, r, err, "sync")
	}
}

func (h *apiHandler) pushEvent(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}
	eventID := chi.URLParam(r, "eventID")

	mapping, err := h.engine.PushEvent(r.Context(), userID, eventID)
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	if mapping == nil {
		// Archived event: the remote counterpart was removed.
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (h *apiHandler) renewChannel(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	ch, err := h.registry.RenewChannel(r.Context(), userID)
	if stderrors.Is(err, channel.ErrNoChannel) {
		ch, err = h.registry.CreateChannel(r.Context(), userID)
	}
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": ch.ID,
		"expires_at": ch.ExpiresAt,
	})
}

func (h *apiHandler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	if err := h.auth.Disconnect(r.Context(), userID); err != nil {
		errors.InternalError(w, r, err, "disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (h *apiHandler) listMappings(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	mappings, err := h.store.Mappings.ListByUser(r.Context(), userID)
	if err != nil {
		errors.InternalError(w, r, err, "list mappings")
		return
	}
	if mappings == nil {
		mappings = []store.EventMapping{}
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (h *apiHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		errors.BadRequestError(w, r, err, "invalid user id")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := h.store.Audit.ListByUser(r.Context(), userID, limit)
	if err != nil {
		errors.InternalError(w, r, err, "list audit entries")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
