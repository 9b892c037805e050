package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aegisfin/calsync/internal/engine"
	"github.com/aegisfin/calsync/internal/http/errors"
	"github.com/aegisfin/calsync/internal/store"
)

const maxWebhookBody = 64 * 1024

// webhookEnvelope is the notification body posted by the calendar provider's
// push gateway. State "sync" means the watched calendar changed; "ping" is a
// liveness probe sent right after channel registration.
type webhookEnvelope struct {
	ChannelID string `json:"channel_id"`
	State     string `json:"state"`
}

type syncRunner interface {
	IncrementalSync(ctx context.Context, userID int64) (*engine.SyncReport, error)
}

type webhookHandler struct {
	settings store.SyncSettingsRepository
	engine   syncRunner
	secret   []byte
}

// ServeHTTP authenticates and processes one webhook delivery. The signature
// is verified over the raw body before anything is parsed or looked up, so
// forged requests never touch the database.
func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		errors.BadRequestError(w, r, err, "unreadable body")
		return
	}

	if !h.validSignature(r.Header.Get("X-Webhook-Signature"), body) {
		errors.Unauthorized(w, r, "invalid signature")
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		errors.BadRequestError(w, r, err, "malformed payload")
		return
	}

	switch env.State {
	case "ping":
		w.WriteHeader(http.StatusOK)
		return
	case "sync":
	default:
		errors.BadRequestError(w, r, fmt.Errorf("state %q", env.State), "unknown state")
		return
	}
	if env.ChannelID == "" {
		errors.BadRequestError(w, r, stderrors.New("empty channel_id"), "missing channel_id")
		return
	}

	settings, err := h.settings.FindByChannelID(r.Context(), env.ChannelID)
	if stderrors.Is(err, store.ErrNotFound) {
		// Stale channel from a previous registration; acknowledge so the
		// provider stops retrying.
		errors.LogInfo(r, "webhook for unknown channel "+env.ChannelID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		errors.InternalError(w, r, err, "resolve channel")
		return
	}

	report, err := h.engine.IncrementalSync(r.Context(), settings.UserID)
	switch {
	case err == nil:
	case stderrors.Is(err, engine.ErrSyncTokenInvalidated):
		// Cursor cleared; the next notification or scheduled pass runs a
		// full sync. Acknowledged so the provider doesn't retry into the
		// same invalidated cursor.
		w.WriteHeader(http.StatusOK)
		return
	case stderrors.Is(err, engine.ErrSyncDisabled):
		w.WriteHeader(http.StatusOK)
		return
	default:
		errors.InternalError(w, r, err, "webhook sync")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (h *webhookHandler) validSignature(header string, body []byte) bool {
	if header == "" {
		return false
	}
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
