package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/aegisfin/calsync/internal/channel"
	"github.com/aegisfin/calsync/internal/engine"
	"github.com/aegisfin/calsync/internal/store"
	"github.com/aegisfin/calsync/internal/vault"
)

// IdentityVerifier extracts the verified account email from a token response.
type IdentityVerifier interface {
	VerifiedEmail(ctx context.Context, token *oauth2.Token) (string, error)
}

// OIDCVerifier validates the id_token from the token response and reads the
// email claim from it.
type OIDCVerifier struct {
	Verifier *oidc.IDTokenVerifier
}

func (o *OIDCVerifier) VerifiedEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", errors.New("token response carries no id_token")
	}

	idToken, err := o.Verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse claims: %w", err)
	}
	if claims.Email == "" {
		return "", errors.New("id token carries no email claim")
	}
	return claims.Email, nil
}

// Service runs the calendar account connect flow: authorization redirect,
// callback code exchange, credential storage and first-sync bootstrap.
type Service struct {
	users    store.UserRepository
	settings store.SyncSettingsRepository
	vault    *vault.Vault
	registry *channel.Registry
	engine   *engine.Engine

	oauth    *oauth2.Config
	identity IdentityVerifier
	states   *stateStore
}

func NewService(users store.UserRepository, settings store.SyncSettingsRepository, v *vault.Vault, registry *channel.Registry, eng *engine.Engine, oauthCfg *oauth2.Config, identity IdentityVerifier) *Service {
	return &Service{
		users:    users,
		settings: settings,
		vault:    v,
		registry: registry,
		engine:   eng,
		oauth:    oauthCfg,
		identity: identity,
		states:   newStateStore(),
	}
}

// BeginConnect redirects to the provider's consent screen. The user_ref query
// parameter identifies the account in the financial app; it is bound to a
// one-time state nonce so the callback can attribute the grant.
func (s *Service) BeginConnect(w http.ResponseWriter, r *http.Request) {
	externalRef := r.URL.Query().Get("user_ref")
	if externalRef == "" {
		http.Error(w, "missing user_ref", http.StatusBadRequest)
		return
	}

	state, err := s.states.issue(externalRef)
	if err != nil {
		log.Printf("auth: issue state: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// access_type=offline with forced consent is the only way to guarantee a
	// refresh token on repeat grants.
	url := s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback completes the flow: validates state, exchanges the code,
// verifies the ID token, stores the credentials and bootstraps syncing.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		http.Error(w, "authorization denied: "+errCode, http.StatusForbidden)
		return
	}

	externalRef, ok := s.states.consume(r.URL.Query().Get("state"))
	if !ok {
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		log.Printf("auth: code exchange for %s: %v", externalRef, err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	email, err := s.identity.VerifiedEmail(ctx, token)
	if err != nil {
		log.Printf("auth: id token for %s: %v", externalRef, err)
		http.Error(w, "identity verification failed", http.StatusBadGateway)
		return
	}

	user, err := s.users.UpsertByExternalRef(ctx, externalRef, email)
	if err != nil {
		log.Printf("auth: upsert user %s: %v", externalRef, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.ensureSettings(ctx, user.ID); err != nil {
		log.Printf("auth: settings for user %d: %v", user.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.vault.StoreTokens(ctx, user.ID, token.AccessToken, token.RefreshToken, token.Expiry, email); err != nil {
		log.Printf("auth: store tokens for user %d: %v", user.ID, err)
		http.Error(w, "credential storage failed", http.StatusInternalServerError)
		return
	}

	// Channel registration and the first full sync are best-effort here; the
	// renewal pass and webhook path recover from either failing.
	if _, err := s.registry.CreateChannel(ctx, user.ID); err != nil {
		log.Printf("auth: create channel for user %d: %v", user.ID, err)
	}
	go s.initialSync(user.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connected": true,
		"user_id":   user.ID,
		"email":     email,
	})
}

func (s *Service) ensureSettings(ctx context.Context, userID int64) error {
	_, err := s.settings.Get(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.settings.Upsert(ctx, &store.SyncSettings{
		UserID:      userID,
		SyncEnabled: true,
		Direction:   store.DirectionBidirectional,
	})
}

func (s *Service) initialSync(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.engine.FullSync(ctx, userID); err != nil {
		log.Printf("auth: initial sync for user %d: %v", userID, err)
	}
}

// Disconnect tears down the user's calendar connection: webhook channel,
// stored credentials and the sync cursor. Event mappings are kept so a later
// reconnect can restore them through the marker properties.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	if err := s.registry.StopChannel(ctx, userID); err != nil {
		log.Printf("auth: stop channel for user %d: %v", userID, err)
	}
	if err := s.settings.ClearCursor(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear cursor: %w", err)
	}
	if err := s.vault.Disconnect(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
