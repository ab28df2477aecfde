package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whoop-sync/internal/backfill"
	"whoop-sync/internal/config"
	"whoop-sync/internal/database"
	"whoop-sync/internal/handlers"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/middleware"
	"whoop-sync/internal/oauth"
	"whoop-sync/internal/supervisor"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/webhook"
	"whoop-sync/internal/whoop"
	"whoop-sync/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting whoop-sync server",
		"addr", cfg.Addr(),
		"log_level", cfg.Logging.Level,
		"backfill_days", cfg.Backfill.Days,
		"token_encryption", cfg.Security.TokenEncryptionKey != "")

	// Open database
	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("Database opened successfully")

	encryptor, err := tokens.NewEncryptor(cfg.Security.TokenEncryptionKey)
	if err != nil {
		logger.Error("Failed to set up token encryption", "error", err)
		os.Exit(1)
	}

	client := whoop.NewClient(cfg.WhoopClientConfig())
	tokenStore := tokens.NewStore(db, client, encryptor)
	dispatcher := webhook.NewDispatcher(db, tokenStore, client)
	orchestrator := backfill.NewOrchestrator(db, tokenStore, client, cfg.Backfill.Concurrency)
	oauthManager := oauth.NewManager(client, db, tokenStore, cfg.Backfill.Days)
	queueWorker := worker.NewWorker(db, dispatcher, orchestrator)

	// Create handlers
	verifier := webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxSkew)
	webhookHandler := handlers.NewWebhookHandler(verifier, dispatcher, db, cfg.Webhook.AckTimeout)
	oauthHandler := handlers.NewOAuthHandler(oauthManager, cfg.OAuth.SuccessURL, cfg.OAuth.ErrorURL)
	connectionHandler := handlers.NewConnectionHandler(db, tokenStore, queueWorker, cfg.Backfill.Days)
	recordsHandler := handlers.NewRecordsHandler(db, cfg.Security.InternalAPIKey)

	// Set up HTTP routes
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Identity(cfg.Security.IdentityHeader))
	router.Use(chimw.Recoverer)

	// Webhook endpoints
	router.Method(http.MethodGet, "/webhooks/whoop", middleware.WrapHandler(metrics.EndpointWebhookHealth, webhookHandler.HandleHealth))
	router.Method(http.MethodPost, "/webhooks/whoop", middleware.WrapHandler(metrics.EndpointWebhook, webhookHandler.HandleEvent))

	// OAuth and connection endpoints, scoped to the proxied user
	router.Method(http.MethodGet, "/whoop/connect", middleware.WrapHandler(metrics.EndpointOAuthStart, oauthHandler.HandleConnect))
	router.Method(http.MethodGet, "/whoop/callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, oauthHandler.HandleCallback))
	router.Method(http.MethodGet, "/whoop/status", middleware.WrapHandler(metrics.EndpointConnectionStatus, connectionHandler.HandleStatus))
	router.Method(http.MethodDelete, "/whoop/connection", middleware.WrapHandler(metrics.EndpointDisconnect, connectionHandler.HandleDisconnect))
	router.Method(http.MethodPost, "/whoop/sync", middleware.WrapHandler(metrics.EndpointManualSync, connectionHandler.HandleSync))

	// Internal read API
	router.Method(http.MethodGet, "/internal/records/{kind}", middleware.WrapHandler(metrics.EndpointRecords, recordsHandler.HandleRecords))

	// Health check endpoint
	router.Method(http.MethodGet, "/health", middleware.WrapHandler(metrics.EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Health(ctx); err != nil {
			middleware.Logger(r.Context()).Error("Health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Webhook.AckTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddBackground(queueWorker)
	tree.AddBackground(oauthManager)
	tree.AddAPI(supervisor.NewHTTPService("http-server", server, 10*time.Second))

	// Queue depth collector and metrics server only run with metrics enabled
	if cfg.Metrics.Enabled {
		tree.AddBackground(metrics.NewQueueDepthCollector(db, 15*time.Second))

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		tree.AddAPI(supervisor.NewHTTPService("metrics-server", &http.Server{
			Addr:    cfg.MetricsAddr(),
			Handler: metricsMux,
		}, 5*time.Second))
		logger.Info("Metrics server listening", "addr", cfg.MetricsAddr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("HTTP server listening", "addr", cfg.Addr())
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Supervisor stopped unexpectedly", "error", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("Services did not stop in time", "count", len(report))
	}
	logger.Info("Server stopped")
}
