package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IsakPar/arqivo-sub000/internal/app"
	"github.com/IsakPar/arqivo-sub000/internal/cache"
	"github.com/IsakPar/arqivo-sub000/internal/config"
	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/store"
	"github.com/IsakPar/arqivo-sub000/internal/tenant"
)

// backend is what both storage implementations provide.
type backend interface {
	graph.Store
	tenant.Directory
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var dataStore backend
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore = store.NewPostgresStore(db)
		log.Printf("Using PostgreSQL storage")
	} else {
		dataStore = store.NewMemoryStore()
		log.Printf("Using in-memory storage (no DATABASE_URL set)")
	}

	var listingCache *cache.ChildrenCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		listingCache, err = cache.New(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer listingCache.Close()
		log.Printf("Using Redis children cache (ttl %s)", cfg.CacheTTL)
	}

	engine := graph.NewEngine(dataStore)
	resolver := tenant.NewResolver(dataStore, 5*time.Minute)
	service := app.NewService(engine, resolver, dataStore, listingCache, dataStore)

	if err := bootstrapTenant(ctx, dataStore, cfg.BootstrapTenant); err != nil {
		log.Printf("WARNING: bootstrap tenant error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.AdminToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Arqivo label API listening on %s", cfg.Addr)
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

// bootstrapTenant provisions a named tenant on first start. The API key is
// printed to the log exactly once; reruns with the tenant present are no-ops.
func bootstrapTenant(ctx context.Context, directory tenant.Directory, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if _, err := directory.TenantByName(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, tenant.ErrUnknownKey) {
		return err
	}
	created, key, err := tenant.Provision(ctx, directory, name)
	if err != nil {
		return err
	}
	log.Printf("bootstrap tenant %q created (id %s), api key: %s", created.Name, created.ID, key)
	return nil
}
