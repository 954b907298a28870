// Package main is the entry point for the MeetMap indicator server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meetmap/server/internal/api"
	"github.com/meetmap/server/internal/cache"
	"github.com/meetmap/server/internal/config"
	"github.com/meetmap/server/internal/job"
	"github.com/meetmap/server/internal/runstore"
	"github.com/meetmap/server/internal/service"
	"github.com/meetmap/server/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	rebuildOnStart := flag.Bool("rebuild", false, "Run a full indicator rebuild on startup")
	flag.Parse()

	// .env is optional; deployed instances set real environment variables.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Store.BaseURL == "" {
		log.Fatal("Store base URL not configured (store.base_url or MEETMAP_STORE_URL)")
	}

	log.Printf("Starting MeetMap indicator server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ViewportSizeMB:  cfg.Cache.ViewportSizeMB,
		ViewportTTL:     time.Duration(cfg.Cache.ViewportTTLMinutes) * time.Minute,
		LookupCacheSize: cfg.Cache.LookupCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize document store client
	storeClient := store.NewClient(store.Config{
		BaseURL:    cfg.Store.BaseURL,
		APIKey:     cfg.Store.APIKey,
		Timeout:    time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
		PageSize:   cfg.Store.PageSize,
		BatchSize:  cfg.Store.BatchSize,
		MaxPoints:  cfg.Store.MaxPoints,
		MaxResults: cfg.Store.MaxResults,
	})
	log.Printf("Document store: %s (page_size=%d, batch_size=%d)",
		cfg.Store.BaseURL, cfg.Store.PageSize, cfg.Store.BatchSize)

	// Initialize run history (SQLite persistence)
	runs, err := runstore.NewStore(cfg.Rebuild.RunsDBPath)
	if err != nil {
		log.Fatalf("Failed to initialize run store: %v", err)
	}
	defer runs.Close()

	// Runs left in "running" state belong to a previous process.
	if n, err := runs.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("Failed to reconcile stale runs: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d stale run(s) as failed", n)
	}

	// Initialize rebuilder
	rebuilder := job.NewRebuilder(storeClient, job.NewController(), runs, job.Config{
		Workers:      cfg.Rebuild.Workers,
		SnapshotPath: cfg.Rebuild.SnapshotPath,
	})
	rebuilder.Invalidate = cacheManager.Flush
	log.Printf("Rebuilder: workers=%d, snapshot=%s", cfg.Rebuild.Workers, cfg.Rebuild.SnapshotPath)

	if *rebuildOnStart {
		if _, err := rebuilder.Start(job.Options{IncludeRegionFilters: true}); err != nil {
			log.Printf("Startup rebuild not started: %v", err)
		}
	}

	// Initialize query service
	queryService := service.NewQueryService(service.QueryServiceConfig{
		Reader: storeClient,
		Cache:  cacheManager,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Query:        queryService,
		Rebuilder:    rebuilder,
		Runs:         runs,
		Cache:        cacheManager,
		SnapshotPath: cfg.Rebuild.SnapshotPath,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
