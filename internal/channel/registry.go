package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

// ErrNoChannel is returned when an operation needs an active webhook channel
// and the user has none registered.
var ErrNoChannel = errors.New("channel: no active channel")

// TokenSource yields a usable provider access token for a user.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
}

// Registry manages webhook channel registrations against the provider. Each
// sync-enabled user holds at most one active channel; its ID and expiry live
// in the user's sync settings row.
type Registry struct {
	settings store.SyncSettingsRepository
	tokens   TokenSource
	provider provider.Client

	callbackURL string
	ttl         time.Duration
	now         func() time.Time
}

func NewRegistry(settings store.SyncSettingsRepository, tokens TokenSource, client provider.Client, callbackURL string, ttl time.Duration) *Registry {
	return &Registry{
		settings:    settings,
		tokens:      tokens,
		provider:    client,
		callbackURL: callbackURL,
		ttl:         ttl,
		now:         time.Now,
	}
}

// CreateChannel registers a fresh webhook channel for the user and stores it.
// Any previously registered channel is stopped best-effort afterwards; a
// leaked old channel expires on its own, so a failed stop is only logged.
func (r *Registry) CreateChannel(ctx context.Context, userID int64) (*provider.Channel, error) {
	settings, err := r.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	return r.replaceChannel(ctx, settings)
}

// RenewChannel replaces the user's channel before it expires. The new channel
// is registered first and only then swapped into the settings row, so a
// failure leaves the old registration untouched and still serving webhooks
// until its own expiry.
func (r *Registry) RenewChannel(ctx context.Context, userID int64) (*provider.Channel, error) {
	settings, err := r.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sync settings: %w", err)
	}
	if settings.ChannelID == nil {
		return nil, ErrNoChannel
	}
	return r.replaceChannel(ctx, settings)
}

func (r *Registry) replaceChannel(ctx context.Context, settings *store.SyncSettings) (*provider.Channel, error) {
	userID := settings.UserID
	token, err := r.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	ch, err := r.provider.Watch(ctx, token, uuid.NewString(), r.callbackURL, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("register channel: %w", err)
	}

	if err := r.settings.UpdateChannel(ctx, userID, ch.ID, ch.ResourceID, ch.ExpiresAt); err != nil {
		// The provider-side registration exists but was not recorded; stop it
		// so it doesn't deliver webhooks we can no longer attribute.
		if stopErr := r.provider.Stop(ctx, token, ch.ID, ch.ResourceID); stopErr != nil {
			log.Printf("channel: orphaned registration %s for user %d: %v", ch.ID, userID, stopErr)
		}
		return nil, fmt.Errorf("store channel: %w", err)
	}

	if settings.ChannelID != nil && settings.ChannelResourceID != nil {
		if err := r.provider.Stop(ctx, token, *settings.ChannelID, *settings.ChannelResourceID); err != nil {
			log.Printf("channel: stop old channel %s for user %d: %v", *settings.ChannelID, userID, err)
		}
	}
	return ch, nil
}

// ExpiringWithin reports whether the user's channel expires within d of now.
// A user without a channel reports false; they have nothing to renew.
func (r *Registry) ExpiringWithin(ctx context.Context, userID int64, d time.Duration) (bool, error) {
	settings, err := r.settings.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load sync settings: %w", err)
	}
	if settings.ChannelID == nil || settings.ChannelExpiresAt == nil {
		return false, nil
	}
	return !settings.ChannelExpiresAt.After(r.now().Add(d)), nil
}

// StopChannel tears down the user's channel registration, for example on
// disconnect. Provider-side failures are logged and the local state is
// cleared regardless, since a dangling registration expires by itself.
func (r *Registry) StopChannel(ctx context.Context, userID int64) error {
	settings, err := r.settings.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load sync settings: %w", err)
	}
	if settings.ChannelID == nil {
		return nil
	}

	if token, err := r.tokens.GetValidAccessToken(ctx, userID); err == nil {
		resourceID := ""
		if settings.ChannelResourceID != nil {
			resourceID = *settings.ChannelResourceID
		}
		if err := r.provider.Stop(ctx, token, *settings.ChannelID, resourceID); err != nil {
			log.Printf("channel: stop channel %s for user %d: %v", *settings.ChannelID, userID, err)
		}
	}
	return r.settings.ClearChannel(ctx, userID)
}
