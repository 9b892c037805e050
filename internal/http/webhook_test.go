package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aegisfin/calsync/internal/engine"
	"github.com/aegisfin/calsync/internal/store"
)

type stubSettingsRepo struct {
	byChannel map[string]*store.SyncSettings
	lookups   int
}

func (s *stubSettingsRepo) Get(ctx context.Context, userID int64) (*store.SyncSettings, error) {
	return nil, store.ErrNotFound
}
func (s *stubSettingsRepo) Upsert(ctx context.Context, st *store.SyncSettings) error { return nil }
func (s *stubSettingsRepo) UpdateCursor(ctx context.Context, userID int64, token string, fullSync bool, at time.Time) error {
	return nil
}
func (s *stubSettingsRepo) ClearCursor(ctx context.Context, userID int64) error { return nil }
func (s *stubSettingsRepo) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error {
	return nil
}
func (s *stubSettingsRepo) ClearChannel(ctx context.Context, userID int64) error { return nil }
func (s *stubSettingsRepo) FindByChannelID(ctx context.Context, channelID string) (*store.SyncSettings, error) {
	s.lookups++
	if st, ok := s.byChannel[channelID]; ok {
		return st, nil
	}
	return nil, store.ErrNotFound
}
func (s *stubSettingsRepo) ListExpiringChannels(ctx context.Context, before time.Time) ([]store.SyncSettings, error) {
	return nil, nil
}

type stubSyncRunner struct {
	report *engine.SyncReport
	err    error
	calls  []int64
}

func (s *stubSyncRunner) IncrementalSync(ctx context.Context, userID int64) (*engine.SyncReport, error) {
	s.calls = append(s.calls, userID)
	return s.report, s.err
}

const webhookSecret = "whsec-test"

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/sync/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func newWebhookEnv(sync *stubSyncRunner) (*webhookHandler, *stubSettingsRepo) {
	repo := &stubSettingsRepo{byChannel: map[string]*store.SyncSettings{
		"chan-1": {UserID: 7, SyncEnabled: true},
	}}
	return &webhookHandler{settings: repo, engine: sync, secret: []byte(webhookSecret)}, repo
}

func TestWebhookTriggersIncrementalSync(t *testing.T) {
	sync := &stubSyncRunner{report: &engine.SyncReport{Mode: "incremental", Pulled: 2}}
	h, _ := newWebhookEnv(sync)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"channel_id":"chan-1","state":"sync"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if len(sync.calls) != 1 || sync.calls[0] != 7 {
		t.Fatalf("sync calls = %v, want [7]", sync.calls)
	}
}

func TestWebhookRejectsBadSignatureBeforeLookup(t *testing.T) {
	sync := &stubSyncRunner{}
	h, repo := newWebhookEnv(sync)

	body := `{"channel_id":"chan-1","state":"sync"}`
	req := httptest.NewRequest(http.MethodPost, "/sync/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if repo.lookups != 0 {
		t.Fatal("forged request reached the store")
	}
	if len(sync.calls) != 0 {
		t.Fatal("forged request triggered a sync")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, _ := newWebhookEnv(&stubSyncRunner{})
	req := httptest.NewRequest(http.MethodPost, "/sync/webhook", bytes.NewReader([]byte(`{}`)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookTamperedBody(t *testing.T) {
	h, _ := newWebhookEnv(&stubSyncRunner{})
	req := signedRequest(t, `{"channel_id":"chan-1","state":"sync"}`)
	req.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"channel_id":"chan-2","state":"sync"}`))).Body

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookPing(t *testing.T) {
	sync := &stubSyncRunner{}
	h, _ := newWebhookEnv(sync)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"channel_id":"chan-1","state":"ping"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(sync.calls) != 0 {
		t.Fatal("ping must not trigger a sync")
	}
}

func TestWebhookUnknownChannelAcknowledged(t *testing.T) {
	sync := &stubSyncRunner{}
	h, _ := newWebhookEnv(sync)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"channel_id":"gone","state":"sync"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(sync.calls) != 0 {
		t.Fatal("unknown channel must not trigger a sync")
	}
}

func TestWebhookInvalidatedCursorAcknowledged(t *testing.T) {
	sync := &stubSyncRunner{err: engine.ErrSyncTokenInvalidated}
	h, _ := newWebhookEnv(sync)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"channel_id":"chan-1","state":"sync"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: provider must not retry into a cleared cursor", rec.Code)
	}
}

func TestWebhookSyncFailure(t *testing.T) {
	sync := &stubSyncRunner{err: context.DeadlineExceeded}
	h, _ := newWebhookEnv(sync)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"channel_id":"chan-1","state":"sync"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	h, _ := newWebhookEnv(&stubSyncRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{not json`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
