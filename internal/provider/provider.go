// Package provider implements the REST client for the remote calendar
// provider. All outbound calls carry a bounded timeout and classify their
// failures into the shared error taxonomy, so callers never inspect raw HTTP
// responses.
package provider

import (
	"context"
	"time"
)

// EventStatusCancelled marks a remote event that was deleted or cancelled on
// the provider side. Delta feeds report such events as tombstones.
const EventStatusCancelled = "cancelled"

// RemoteEvent is the provider-side representation of a calendar event.
type RemoteEvent struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Status      string
	// PrivateProperties round-trip engine-owned metadata (such as the local
	// event ID marker) through the provider without showing it to the user.
	PrivateProperties map[string]string
}

// Cancelled reports whether the remote event is a deletion tombstone.
func (e *RemoteEvent) Cancelled() bool {
	return e.Status == EventStatusCancelled
}

// EventPage is one page of a list or delta fetch. NextSyncToken is only set on
// the final page of a sequence.
type EventPage struct {
	Events        []RemoteEvent
	NextPageToken string
	NextSyncToken string
}

// ListOptions selects what a ListEvents call fetches. A SyncToken requests a
// delta feed; otherwise TimeMin bounds a full window fetch. PageToken resumes
// a paginated sequence.
type ListOptions struct {
	SyncToken string
	PageToken string
	TimeMin   time.Time
}

// Channel is a provider-side webhook subscription with a hard expiry.
type Channel struct {
	ID         string
	ResourceID string
	ExpiresAt  time.Time
}

// Client is the calendar provider API surface consumed by the sync engine and
// the channel registry.
type Client interface {
	ListEvents(ctx context.Context, accessToken string, opts ListOptions) (*EventPage, error)
	CreateEvent(ctx context.Context, accessToken string, ev *RemoteEvent) (*RemoteEvent, error)
	UpdateEvent(ctx context.Context, accessToken string, ev *RemoteEvent) (*RemoteEvent, error)
	DeleteEvent(ctx context.Context, accessToken, eventID string) error
	// Watch registers a webhook channel delivering notifications to address
	// until the returned expiry.
	Watch(ctx context.Context, accessToken, channelID, address string, ttl time.Duration) (*Channel, error)
	// Stop tears down a webhook channel. Failures are non-fatal to callers.
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
}
