package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deskbridge/api/internal/app"
	"deskbridge/api/internal/authpw"
	"deskbridge/api/internal/config"
	"deskbridge/api/internal/desk"
	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/engine"
	"deskbridge/api/internal/provider"
	"deskbridge/api/internal/search"
	"deskbridge/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	backend, err := store.OpenBackend(ctx, cfg.StateDSN)
	if err != nil {
		log.Fatalf("state backend failed: %v", err)
	}
	defer backend.Close()

	backfill := time.Now().AddDate(0, 0, -cfg.BackfillDays).UnixMilli()
	registry := store.NewTicketRegistry(backend)
	forward := store.NewForwardCheckpoints(backend, backfill)
	reverse := store.NewReverseCheckpoints(backend, backfill)
	urls := store.NewTicketURLMap(backend)

	var redisCache *directory.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the shared directory cache")
		redisCache, err = directory.NewRedisCache(cfg.RedisURL, 30*time.Minute)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
	}
	source := directory.NewHTTPSource(cfg.DirectoryURL, cfg.DirectoryAPIKey, nil)
	dir := directory.NewCache(source, redisCache)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	events := search.NewService(meiliClient)
	defer events.Close()

	deskClient := desk.NewClient(cfg.DeskBaseURL, cfg.DeskAPIKey, cfg.DeskPortalURL, nil)
	providerFor := func(account directory.Account) engine.ProviderAPI {
		return provider.NewClient(cfg.ProviderBaseURL, account.ProviderAccountID, account.ProviderAPIKey, nil)
	}

	reconciler := engine.NewReconciler(deskClient, providerFor, dir, registry, forward, urls, events, cfg.ConversationCap)
	mirror := engine.NewReverseSyncer(deskClient, providerFor, dir, registry, reverse, events)

	brands := make([]engine.BrandAccount, 0, len(cfg.ReverseBrands))
	for _, b := range cfg.ReverseBrands {
		brands = append(brands, engine.BrandAccount{BrandID: b.BrandID, Tenant: b.Tenant, AccountID: b.AccountID})
	}
	runner := engine.NewRunner(reconciler, mirror, registry, dir, brands, cfg.SyncWorkers, cfg.SyncInterval)
	runner.Start(ctx)
	defer runner.Stop()

	service := app.New(cfg, app.Deps{
		Registry:    registry,
		Forward:     forward,
		Reverse:     reverse,
		URLs:        urls,
		Directory:   dir,
		Events:      events,
		Desk:        deskClient,
		ProviderFor: providerFor,
		Mirror:      mirror,
		Trigger:     runner,
		Admin:       authpw.NewService(cfg.AdminUser, cfg.AdminPasswordHash),
	})

	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("DeskBridge API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
