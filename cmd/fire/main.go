// FIRE server — ingests support ticket batches, enriches them through
// the spam/PII/LLM/geocode pipeline, and routes them to agents.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fire-crm/fire/pkg/api"
	"github.com/fire-crm/fire/pkg/cleanup"
	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/database"
	"github.com/fire-crm/fire/pkg/events"
	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/llm"
	"github.com/fire-crm/fire/pkg/pipeline"
	"github.com/fire-crm/fire/pkg/progress"
	"github.com/fire-crm/fire/pkg/queue"
	"github.com/fire-crm/fire/pkg/routing"
	"github.com/fire-crm/fire/pkg/scoring"
	"github.com/fire-crm/fire/pkg/spam"
	"github.com/fire-crm/fire/pkg/vault"
	"github.com/fire-crm/fire/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting FIRE",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration and secrets
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbClient, err := database.NewClient(ctx, database.LoadConfigFromEnv(cfg.Secrets.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	store := database.NewStore(dbClient)

	// 3. Event streaming
	bus := events.NewBus()
	defer bus.Close()
	stream := events.NewStreamManager(bus, 10*time.Second)

	// 4. Geocoding: cache warmed from the durable table, new lookups
	// mirrored back into it
	cache := geo.NewCache()
	entries, err := store.GeocodeEntries(ctx)
	if err != nil {
		slog.Warn("Could not warm geocode cache", "error", err)
	}
	for _, entry := range entries {
		var result *geo.Result
		if entry.Found && entry.Latitude != nil && entry.Longitude != nil {
			result = &geo.Result{
				Lat:      *entry.Latitude,
				Lon:      *entry.Longitude,
				Provider: entry.Provider,
			}
		}
		cache.Seed(entry.Query, result)
	}
	slog.Info("Geocode cache warmed", "entries", cache.Len())
	cache.OnStore(func(query string, result *geo.Result) {
		persistCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.DBWriteTimeout)
		defer cancel()
		if err := store.SaveGeocodeEntry(persistCtx, query, result); err != nil {
			slog.Warn("Could not persist geocode entry", "query", query, "error", err)
		}
	})

	geoHTTP := &http.Client{Timeout: cfg.Pipeline.GeocodeTimeout}
	var providers []geo.Provider
	if cfg.Secrets.GeocoderKey != "" {
		providers = append(providers, geo.NewTwoGISProvider(cfg.Secrets.GeocoderKey, geoHTTP))
	}
	providers = append(providers, geo.NewNominatimProvider(geoHTTP))
	resolver := geo.NewResolver(cache, providers...)

	// 5. PII vault
	piiVault, err := vault.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize PII vault", "error", err)
		os.Exit(1)
	}

	// 6. LLM client and spam detector
	llmClient := llm.NewClient(cfg.Secrets.LLMBaseURL, cfg.Secrets.LLMAPIKey,
		cfg.Secrets.LLMModel, &http.Client{Timeout: cfg.Pipeline.LLMTimeout})
	detector := spam.NewDetector(
		pipeline.NewBoundedClassifier(llmClient, cfg.Pipeline.SpamLLMConcurrency))

	// 7. Scoring, routing, and the orchestrator
	ledger := routing.NewLoadLedger()
	orch := pipeline.NewOrchestrator(cfg, pipeline.Deps{
		Store:    store,
		Bus:      bus,
		Tracker:  progress.NewTracker(),
		Detector: detector,
		Analyzer: llmClient,
		Resolver: resolver,
		Scrubber: piiVault,
		Scorer:   scoring.New(cfg.Scoring),
		Router:   routing.NewEngine(cfg.Routing, ledger),
	})

	// 8. Background batch workers (optional auto-processing)
	var pool *queue.WorkerPool
	if cfg.Queue.Enabled {
		pool = queue.NewWorkerPool(cfg.Queue, store, orch)
		pool.Start(ctx)
	}

	// 9. PII retention
	cleanupSvc := cleanup.NewService(cfg.Retention, store)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// 10. HTTP server
	server := api.NewServer(store, orch, stream, ledger, resolver, dbClient)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("FIRE started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting requests, then wait for
	// in-flight batches.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if pool != nil {
		pool.Stop()
	}

	slog.Info("FIRE stopped")
}
