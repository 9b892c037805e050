// Package vault encrypts, stores, and refreshes per-user OAuth credentials.
// It is the single source of truth for whether a user's calendar account is
// authorized, and the only writer of token records.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

// expiryBuffer is the safety margin before the recorded expiry at which an
// access token is refreshed instead of returned.
const expiryBuffer = 5 * time.Minute

// defaultRefreshTimeout bounds a single token-endpoint call. The caller's ctx
// may live far longer (a webhook delivery, a background sync), and a stalled
// refresh would hold every singleflight-coalesced caller with it.
const defaultRefreshTimeout = 15 * time.Second

// ErrNotConnected indicates the user has no stored credentials.
var ErrNotConnected = errors.New("calendar account not connected")

// Vault manages encrypted OAuth credentials.
type Vault struct {
	tokens store.TokenRepository
	secret []byte
	oauth  *oauth2.Config

	// refreshes coalesces concurrent refresh attempts per user so only one
	// upstream call is ever in flight.
	refreshes singleflight.Group

	refreshTimeout time.Duration
	now            func() time.Time
}

// New builds a vault over the given token repository. secret is the server
// side encryption secret; oauthCfg carries the provider's client credentials
// and token endpoint.
func New(tokens store.TokenRepository, secret string, oauthCfg *oauth2.Config) *Vault {
	return &Vault{
		tokens:         tokens,
		secret:         []byte(secret),
		oauth:          oauthCfg,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
	}
}

// GetValidAccessToken returns a decrypted access token for the user,
// refreshing it through the provider when it is within the expiry buffer.
// Returns an error wrapping provider.ErrAuth when the refresh token itself is
// rejected; that state is terminal and requires the user to reconnect.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID int64) (string, error) {
	rec, err := v.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("load token record: %w", err)
	}

	if rec.AccessTokenExpiresAt.After(v.now().Add(expiryBuffer)) {
		key := deriveKey(v.secret, rec.KeySalt)
		return open(rec.AccessTokenCiphertext, rec.AccessTokenNonce, key)
	}

	token, err, _ := v.refreshes.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		return v.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh re-reads the record inside the single flight: a concurrent caller
// may already have refreshed while we waited on the flight.
func (v *Vault) refresh(ctx context.Context, userID int64) (string, error) {
	rec, err := v.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("load token record: %w", err)
	}

	key := deriveKey(v.secret, rec.KeySalt)
	if rec.AccessTokenExpiresAt.After(v.now().Add(expiryBuffer)) {
		return open(rec.AccessTokenCiphertext, rec.AccessTokenNonce, key)
	}

	refreshToken, err := open(rec.RefreshTokenCiphertext, rec.RefreshTokenNonce, key)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.refreshTimeout)
	defer cancel()
	src := v.oauth.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := src.Token()
	if err != nil {
		return "", classifyRefreshError(err)
	}

	rotatedRefresh := refreshToken
	if newToken.RefreshToken != "" {
		rotatedRefresh = newToken.RefreshToken
	}
	if err := v.StoreTokens(ctx, userID, newToken.AccessToken, rotatedRefresh, newToken.Expiry, rec.ProviderEmail); err != nil {
		return "", err
	}
	return newToken.AccessToken, nil
}

// StoreTokens encrypts and persists a credential pair under a fresh
// per-record salt. The refresh token is required; a record without one cannot
// recover from access token expiry.
func (v *Vault) StoreTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time, providerEmail string) error {
	if refreshToken == "" {
		return errors.New("refresh token is required")
	}

	salt, err := newKeySalt()
	if err != nil {
		return err
	}
	key := deriveKey(v.secret, salt)

	accessCipher, accessNonce, err := seal(accessToken, key)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCipher, refreshNonce, err := seal(refreshToken, key)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	rec := &store.TokenRecord{
		UserID:                 userID,
		AccessTokenCiphertext:  accessCipher,
		AccessTokenNonce:       accessNonce,
		RefreshTokenCiphertext: refreshCipher,
		RefreshTokenNonce:      refreshNonce,
		KeySalt:                salt,
		AccessTokenExpiresAt:   expiresAt,
		ProviderEmail:          providerEmail,
	}
	if err := v.tokens.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist token record: %w", err)
	}
	return nil
}

// Disconnect removes the user's stored credentials.
func (v *Vault) Disconnect(ctx context.Context, userID int64) error {
	return v.tokens.Delete(ctx, userID)
}

// ProviderEmail returns the calendar account email captured at connect time.
func (v *Vault) ProviderEmail(ctx context.Context, userID int64) (string, error) {
	rec, err := v.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", err
	}
	return rec.ProviderEmail, nil
}

// classifyRefreshError maps token-endpoint failures onto the shared taxonomy.
// A rejected grant is terminal; everything else is retryable.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return fmt.Errorf("token refresh: %w: %v", provider.ErrTransient, err)
		}
		return fmt.Errorf("token refresh: %w: %v", provider.ErrAuth, err)
	}
	return fmt.Errorf("token refresh: %w: %v", provider.ErrTransient, err)
}
