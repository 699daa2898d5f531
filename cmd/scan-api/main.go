// Command scan-api starts the intake and status HTTP service.
//
// It accepts image submissions via POST /v1/scans, stores the blob under its
// content key, publishes the content-stored trigger, and serves status
// polling via GET /v1/scans/{id}.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/blobstore"
	"github.com/tendant/image-scan-pipeline/internal/config"
	"github.com/tendant/image-scan-pipeline/internal/events"
	"github.com/tendant/image-scan-pipeline/internal/handlers"
	"github.com/tendant/image-scan-pipeline/internal/ledger"
	"github.com/tendant/image-scan-pipeline/internal/logging"
	"github.com/tendant/image-scan-pipeline/internal/metrics"
	"github.com/tendant/image-scan-pipeline/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting scan-api", "addr", cfg.HTTPAddr)

	db, err := ledger.New(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("ledger ready")

	var hot *ledger.ComputationCache
	if cfg.RedisAddr != "" {
		hot, err = ledger.NewComputationCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisCacheTTL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer hot.Close()
		slog.Info("computation cache ready", "addr", cfg.RedisAddr)
	}

	var blobs blobstore.Store
	if cfg.BlobAPIURL != "" {
		blobs = blobstore.NewHTTPStore(cfg.BlobAPIURL)
		slog.Info("using remote blob store", "url", cfg.BlobAPIURL)
	} else {
		fs, err := blobstore.NewFilesystemStore(cfg.BlobDir)
		if err != nil {
			slog.Error("failed to initialize blob store", "error", err)
			os.Exit(1)
		}
		blobs = fs
		slog.Info("using filesystem blob store", "dir", cfg.BlobDir)
	}

	producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	slog.Info("trigger producer ready", "topic", cfg.KafkaTopic)

	m := metrics.New(nil)
	stopMetrics := metrics.StartServer(cfg.MetricsAddr)

	// The intake-side engine only performs inline completion; it never
	// invokes the recognition capability, so no recognizer is wired.
	engineOpts := reconcile.Options{
		Threshold: cfg.ConfidenceThreshold,
		Metrics:   m,
	}
	if hot != nil {
		engineOpts.Hot = hot
	}
	engine := reconcile.NewEngine(db, db, nil, engineOpts)

	intake := handlers.NewIntakeHandler(db, engine, blobs, producer, cfg.PreviewMaxPx, m)
	status := handlers.NewStatusHandler(db, db)
	previews := handlers.NewPreviewHandler(blobs)
	admin := handlers.NewAdminHandler(db, blobs, producer, m)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/scans", intake.HandleSubmit)
	mux.HandleFunc("OPTIONS /v1/scans", handlers.HandlePreflight)
	mux.HandleFunc("GET /v1/scans/{id}", status.HandleStatus)
	mux.HandleFunc("GET /v1/previews/{key}", previews.HandlePreview)
	mux.HandleFunc("GET /v1/admin/stale", admin.HandleStale)
	mux.HandleFunc("POST /v1/admin/reconcile", admin.HandleReconcile)
	mux.HandleFunc("GET /health", handlers.HandleHealth)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := stopMetrics(shutdownCtx); err != nil {
			slog.Error("metrics shutdown error", "error", err)
		}
	}()

	slog.Info("scan-api listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("scan-api stopped")
}
