package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	appauth "github.com/aegisfin/calsync/internal/auth"
	"github.com/aegisfin/calsync/internal/audit"
	"github.com/aegisfin/calsync/internal/channel"
	"github.com/aegisfin/calsync/internal/config"
	"github.com/aegisfin/calsync/internal/engine"
	httpserver "github.com/aegisfin/calsync/internal/http"
	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
	"github.com/aegisfin/calsync/internal/vault"
)

func main() {
	log.Println("Starting calsync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)

	oidcProvider, err := oidc.NewProvider(ctx, cfg.Provider.IssuerURL)
	if err != nil {
		log.Fatalf("failed to discover oidc provider: %v", err)
	}
	endpoint := oidcProvider.Endpoint()
	if cfg.Provider.TokenURL != "" {
		endpoint.TokenURL = cfg.Provider.TokenURL
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  cfg.BaseURL + "/auth/callback",
		Scopes:       []string{oidc.ScopeOpenID, "email", "https://www.googleapis.com/auth/calendar.events"},
	}
	verifier := &appauth.OIDCVerifier{Verifier: oidcProvider.Verifier(&oidc.Config{ClientID: cfg.Provider.ClientID})}

	tokenVault := vault.New(stor.Tokens, cfg.Vault.EncryptionSecret, oauthCfg)
	client := provider.NewHTTPClient(cfg.Provider.APIBaseURL, cfg.Provider.CallTimeout, nil)
	sink := audit.NewStoreSink(stor.Audit)

	eng := engine.New(stor.Settings, stor.Mappings, engine.NewStoreEventSource(stor.FinancialEvents), tokenVault, client, sink)
	registry := channel.NewRegistry(stor.Settings, tokenVault, client, cfg.BaseURL+"/sync/webhook", cfg.Sync.ChannelTTL)
	scheduler := channel.NewScheduler(stor.Settings, registry, sink, cfg.Sync.RenewalWorkers)
	authService := appauth.NewService(stor.Users, stor.Settings, tokenVault, registry, eng, oauthCfg, verifier)

	r := httpserver.NewRouter(cfg, httpserver.Deps{
		Store:     stor,
		Engine:    eng,
		Registry:  registry,
		Scheduler: scheduler,
		Vault:     tokenVault,
		Auth:      authService,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
