// Command scan-worker consumes content-stored triggers from Kafka and runs
// the reconciliation engine as durable DBOS workflows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/config"
	"github.com/tendant/image-scan-pipeline/internal/events"
	"github.com/tendant/image-scan-pipeline/internal/handlers"
	"github.com/tendant/image-scan-pipeline/internal/ledger"
	"github.com/tendant/image-scan-pipeline/internal/logging"
	"github.com/tendant/image-scan-pipeline/internal/metrics"
	"github.com/tendant/image-scan-pipeline/internal/reconcile"
	"github.com/tendant/image-scan-pipeline/internal/recognize"
	"github.com/tendant/image-scan-pipeline/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.RecognizerURL == "" {
		slog.Error("RECOGNIZER_URL is required")
		os.Exit(1)
	}
	slog.Info("starting scan-worker",
		"topic", cfg.KafkaTopic,
		"group", cfg.KafkaGroup,
		"queue", cfg.QueueName,
	)

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

	recognizer := recognize.NewHTTPRecognizer(cfg.RecognizerURL)

	rt, err := runtime.NewRuntime(context.Background(), runtime.Config{
		DatabaseURL: cfg.DatabaseURL,
		AppName:     "scan-worker",
		QueueName:   cfg.QueueName,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		slog.Error("failed to initialize DBOS runtime", "error", err)
		os.Exit(1)
	}

	m := metrics.New(nil)
	stopMetrics := metrics.StartServer(cfg.MetricsAddr)

	engineOpts := reconcile.Options{
		Threshold:  cfg.ConfidenceThreshold,
		StaleAfter: cfg.StaleTakeoverAge,
		Metrics:    m,
	}
	if hot != nil {
		engineOpts.Hot = hot
	}
	engine := reconcile.NewEngine(db, db, recognizer, engineOpts)

	// Workflow registration must precede Launch.
	worker := reconcile.NewWorker(rt, engine)
	if err := rt.Launch(); err != nil {
		slog.Error("failed to launch DBOS runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Shutdown(10 * time.Second)
	slog.Info("DBOS runtime ready", "queue", rt.QueueName(), "concurrency", rt.Concurrency())

	consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, worker.Handle)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /health", handlers.HandleHealth)
	healthMux.HandleFunc("GET /v1/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, err := rt.WorkflowStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"workflow_id":%q,"status":%q,"name":%q}`+"\n",
			info.WorkflowID, info.Status, info.Name)
	})
	healthServer := &http.Server{
		Addr:         cfg.WorkerHTTPAddr,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker health endpoint listening", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	if err := stopMetrics(shutdownCtx); err != nil {
		slog.Error("metrics shutdown error", "error", err)
	}
	slog.Info("scan-worker stopped")
}
