package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aegisfin/calsync/internal/metrics"
)

const maxResponseBytes = 4 << 20

// HTTPClient talks to a Google-Calendar-shaped events API.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewHTTPClient builds a client for the given API base URL. callTimeout bounds
// every individual provider call; zero selects a 15s default.
func NewHTTPClient(baseURL string, callTimeout time.Duration, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		httpClient:  httpClient,
		callTimeout: callTimeout,
	}
}

type wireEventTime struct {
	DateTime string `json:"dateTime,omitempty"`
}

type wireExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

type wireEvent struct {
	ID                 string                  `json:"id,omitempty"`
	Summary            string                  `json:"summary,omitempty"`
	Description        string                  `json:"description,omitempty"`
	Status             string                  `json:"status,omitempty"`
	Start              *wireEventTime          `json:"start,omitempty"`
	End                *wireEventTime          `json:"end,omitempty"`
	ExtendedProperties *wireExtendedProperties `json:"extendedProperties,omitempty"`
}

type wireEventList struct {
	Items         []wireEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

type wireChannel struct {
	ID         string `json:"id"`
	Type       string `json:"type,omitempty"`
	Address    string `json:"address,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	Expiration string `json:"expiration,omitempty"`
}

func toWireEvent(ev *RemoteEvent) wireEvent {
	w := wireEvent{
		ID:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Status:      ev.Status,
	}
	if !ev.Start.IsZero() {
		w.Start = &wireEventTime{DateTime: ev.Start.Format(time.RFC3339)}
	}
	if !ev.End.IsZero() {
		w.End = &wireEventTime{DateTime: ev.End.Format(time.RFC3339)}
	}
	if len(ev.PrivateProperties) > 0 {
		w.ExtendedProperties = &wireExtendedProperties{Private: ev.PrivateProperties}
	}
	return w
}

func fromWireEvent(w wireEvent) RemoteEvent {
	ev := RemoteEvent{
		ID:          w.ID,
		Summary:     w.Summary,
		Description: w.Description,
		Status:      w.Status,
	}
	if w.Start != nil {
		if t, err := time.Parse(time.RFC3339, w.Start.DateTime); err == nil {
			ev.Start = t
		}
	}
	if w.End != nil {
		if t, err := time.Parse(time.RFC3339, w.End.DateTime); err == nil {
			ev.End = t
		}
	}
	if w.ExtendedProperties != nil {
		ev.PrivateProperties = w.ExtendedProperties.Private
	}
	return ev
}

func (c *HTTPClient) ListEvents(ctx context.Context, accessToken string, opts ListOptions) (*EventPage, error) {
	q := url.Values{}
	if opts.SyncToken != "" {
		q.Set("syncToken", opts.SyncToken)
	} else if !opts.TimeMin.IsZero() {
		q.Set("timeMin", opts.TimeMin.Format(time.RFC3339))
	}
	if opts.PageToken != "" {
		q.Set("pageToken", opts.PageToken)
	}
	q.Set("showDeleted", "true")

	var out wireEventList
	if err := c.doJSON(ctx, "events.list", http.MethodGet, "/calendars/primary/events?"+q.Encode(), accessToken, nil, &out); err != nil {
		return nil, err
	}

	page := &EventPage{
		NextPageToken: out.NextPageToken,
		NextSyncToken: out.NextSyncToken,
	}
	for _, item := range out.Items {
		page.Events = append(page.Events, fromWireEvent(item))
	}
	return page, nil
}

func (c *HTTPClient) CreateEvent(ctx context.Context, accessToken string, ev *RemoteEvent) (*RemoteEvent, error) {
	var out wireEvent
	if err := c.doJSON(ctx, "events.insert", http.MethodPost, "/calendars/primary/events", accessToken, toWireEvent(ev), &out); err != nil {
		return nil, err
	}
	created := fromWireEvent(out)
	return &created, nil
}

func (c *HTTPClient) UpdateEvent(ctx context.Context, accessToken string, ev *RemoteEvent) (*RemoteEvent, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("update event: missing remote event id")
	}
	var out wireEvent
	path := "/calendars/primary/events/" + url.PathEscape(ev.ID)
	if err := c.doJSON(ctx, "events.update", http.MethodPut, path, accessToken, toWireEvent(ev), &out); err != nil {
		return nil, err
	}
	updated := fromWireEvent(out)
	return &updated, nil
}

func (c *HTTPClient) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	path := "/calendars/primary/events/" + url.PathEscape(eventID)
	return c.doJSON(ctx, "events.delete", http.MethodDelete, path, accessToken, nil, nil)
}

func (c *HTTPClient) Watch(ctx context.Context, accessToken, channelID, address string, ttl time.Duration) (*Channel, error) {
	body := wireChannel{
		ID:      channelID,
		Type:    "web_hook",
		Address: address,
	}
	if ttl > 0 {
		body.Expiration = strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10)
	}

	var out wireChannel
	if err := c.doJSON(ctx, "channels.watch", http.MethodPost, "/calendars/primary/events/watch", accessToken, body, &out); err != nil {
		return nil, err
	}

	ch := &Channel{ID: out.ID, ResourceID: out.ResourceID}
	if out.Expiration != "" {
		if ms, err := strconv.ParseInt(out.Expiration, 10, 64); err == nil {
			ch.ExpiresAt = time.UnixMilli(ms).UTC()
		}
	}
	return ch, nil
}

func (c *HTTPClient) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	body := wireChannel{ID: channelID, ResourceID: resourceID}
	return c.doJSON(ctx, "channels.stop", http.MethodPost, "/channels/stop", accessToken, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, operation, method, requestPath string, accessToken string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider %s: encode request: %w", operation, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return fmt.Errorf("provider %s: build request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveProviderCall(operation, "transport_error", start)
		return classifyTransportError(operation, err)
	}
	defer resp.Body.Close()
	metrics.ObserveProviderCall(operation, strconv.Itoa(resp.StatusCode), start)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransportError(operation, err)
	}

	if resp.StatusCode >= 400 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Operation:  operation,
			Message:    errorMessage(payload),
		}
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("provider %s: decode response: %w", operation, err)
		}
	}
	return nil
}

func errorMessage(payload []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "no response body"
	}
	return msg
}
