package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListEventsDeltaFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-abc" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		if got := r.URL.Query().Get("syncToken"); got != "cursor-1" {
			t.Errorf("expected syncToken=cursor-1, got %q", got)
		}
		if r.URL.Query().Get("timeMin") != "" {
			t.Errorf("delta fetch must not send timeMin")
		}
		_ = json.NewEncoder(w).Encode(wireEventList{
			Items: []wireEvent{
				{ID: "rem-1", Summary: "Aluguel", Status: "confirmed",
					Start: &wireEventTime{DateTime: "2025-03-05T09:00:00Z"},
					End:   &wireEventTime{DateTime: "2025-03-05T10:00:00Z"}},
				{ID: "rem-2", Status: "cancelled"},
			},
			NextSyncToken: "cursor-2",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, srv.Client())
	page, err := c.ListEvents(context.Background(), "tok-abc", ListOptions{SyncToken: "cursor-1"})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.NextSyncToken != "cursor-2" {
		t.Errorf("expected NextSyncToken cursor-2, got %q", page.NextSyncToken)
	}
	if page.Events[0].Start.IsZero() {
		t.Errorf("expected parsed start time")
	}
	if !page.Events[1].Cancelled() {
		t.Errorf("expected second event to be a cancellation tombstone")
	}
}

func TestListEventsFullWindowSendsTimeMin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("timeMin") == "" {
			t.Errorf("full fetch must send timeMin")
		}
		_ = json.NewEncoder(w).Encode(wireEventList{NextSyncToken: "fresh"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, srv.Client())
	page, err := c.ListEvents(context.Background(), "tok", ListOptions{TimeMin: time.Now().Add(-30 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if page.NextSyncToken != "fresh" {
		t.Errorf("expected fresh sync token, got %q", page.NextSyncToken)
	}
}

func TestGoneResponseClassifiedAsSyncTokenInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"message":"Sync token is no longer valid"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, srv.Client())
	_, err := c.ListEvents(context.Background(), "tok", ListOptions{SyncToken: "stale"})
	if !errors.Is(err, ErrSyncTokenInvalid) {
		t.Fatalf("expected ErrSyncTokenInvalid, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusGone {
		t.Errorf("expected HTTPError with status 410, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusGone, ErrSyncTokenInvalid},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewHTTPClient(srv.URL, time.Second, srv.Client())
		err := c.DeleteEvent(context.Background(), "tok", "rem-1")
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		srv.Close()
	}
}

func TestTimeoutClassifiedAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 50*time.Millisecond, srv.Client())
	_, err := c.ListEvents(context.Background(), "tok", ListOptions{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected timeout to classify as ErrTransient, got %v", err)
	}
}

func TestCreateEventRoundTripsExtendedProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in wireEvent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.ExtendedProperties == nil || in.ExtendedProperties.Private["finEventId"] != "loc-1" {
			t.Errorf("expected private marker property, got %+v", in.ExtendedProperties)
		}
		in.ID = "rem-9"
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, srv.Client())
	created, err := c.CreateEvent(context.Background(), "tok", &RemoteEvent{
		Summary:           "Aluguel",
		Start:             time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC),
		End:               time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC),
		PrivateProperties: map[string]string{"finEventId": "loc-1"},
	})
	if err != nil {
		t.Fatalf("CreateEvent returned error: %v", err)
	}
	if created.ID != "rem-9" {
		t.Errorf("expected assigned remote id, got %q", created.ID)
	}
	if created.PrivateProperties["finEventId"] != "loc-1" {
		t.Errorf("expected marker to round-trip, got %+v", created.PrivateProperties)
	}
}

func TestWatchParsesChannelExpiration(t *testing.T) {
	expires := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in wireChannel
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Type != "web_hook" {
			t.Errorf("expected web_hook channel type, got %q", in.Type)
		}
		_ = json.NewEncoder(w).Encode(wireChannel{
			ID:         in.ID,
			ResourceID: "res-1",
			Expiration: "1700000000000",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, srv.Client())
	ch, err := c.Watch(context.Background(), "tok", "chan-1", "https://example.com/sync/webhook", time.Until(expires))
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	if ch.ID != "chan-1" || ch.ResourceID != "res-1" {
		t.Errorf("unexpected channel: %+v", ch)
	}
	if !ch.ExpiresAt.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("unexpected expiry: %v", ch.ExpiresAt)
	}
}
