// Package main is the entry point for the conversation worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/agent"
	"github.com/capitalize-ai/thrift-inbox/internal/config"
	"github.com/capitalize-ai/thrift-inbox/internal/delivery"
	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/llm"
	natsclient "github.com/capitalize-ai/thrift-inbox/internal/nats"
	"github.com/capitalize-ai/thrift-inbox/internal/service"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/internal/worker"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewForEnvironment(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting worker",
		zap.String("environment", cfg.Environment),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("llm", cfg.DefaultLLM),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "thrift-inbox-worker", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	db, err := store.Open(cfg.DatabaseURL, store.DefaultOptions())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = store.Close(db) }()
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		Name:     "thrift-inbox-worker",
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	queueCfg := natsclient.DefaultQueueConfig()
	queueCfg.MaxDeliver = cfg.TaskMaxDeliver
	queueCfg.AckWait = cfg.TaskAckWait
	queue := natsclient.NewQueue(natsClient, queueCfg, log)
	if err := queue.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure task stream", zap.Error(err))
	}

	// The worker only writes the ledger, so it needs no redis client.
	guard := idempotency.NewGuard(nil, db, cfg.RedisCallTimeout, log)

	assistant := agent.New(llmClient, inventory.NewManager(db, log), agent.Config{
		Model:       cfg.LLMModel,
		CallTimeout: cfg.LLMTimeout,
	}, log)

	sender := delivery.NewClient(delivery.Options{
		Endpoint:    cfg.MessagingAPIBase,
		AccessToken: cfg.AccessToken,
		BusinessID:  cfg.BusinessID,
		Timeout:     cfg.DeliveryTimeout,
	}, log)

	procCfg := worker.DefaultConfig()
	procCfg.MaxAttempts = cfg.TaskMaxDeliver
	procCfg.DBTimeout = cfg.DBCallTimeout
	procCfg.DeliveryTimeout = cfg.DeliveryTimeout
	procCfg.ClaimTTL = cfg.TaskClaimTTL

	processor := worker.NewProcessor(
		guard,
		service.NewUserService(db, log),
		service.NewConversationService(db, log),
		assistant,
		sender,
		procCfg,
		log,
	)

	sub, err := queue.Subscribe(ctx, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal("failed to subscribe to task stream", zap.Error(err))
	}

	metricsServer := serveMetrics(cfg.WorkerMetricsPort, log, func(ctx context.Context) error {
		if err := store.Ping(ctx, db); err != nil {
			return err
		}
		return queue.Ready(ctx)
	})

	pool := worker.NewPool(sub, processor, worker.PoolConfig{
		Concurrency: cfg.WorkerConcurrency,
		Heartbeat:   cfg.TaskAckWait / 2,
	}, log)

	if err := pool.Run(ctx); err != nil {
		log.Error("worker pool stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}

	log.Info("worker stopped")
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	opts := llm.Options{Model: cfg.LLMModel}
	switch provider {
	case llm.ProviderAnthropic:
		opts.APIKey = cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		opts.APIKey = cfg.OpenAIAPIKey
	}
	return llm.NewClient(provider, opts)
}

// serveMetrics exposes /metrics and /health for the worker process.
func serveMetrics(port string, log *logger.Logger, ready func(context.Context) error) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	return server
}
