// Package main is the entry point for the webhook API server.
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

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/config"
	"github.com/capitalize-ai/thrift-inbox/internal/handler"
	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	natsclient "github.com/capitalize-ai/thrift-inbox/internal/nats"
	"github.com/capitalize-ai/thrift-inbox/internal/service"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/internal/webhook"
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

	log.Info("starting API server", zap.String("environment", cfg.Environment))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "thrift-inbox-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}
	if cfg.BypassSignature {
		log.Warn("webhook signature verification is bypassed")
	}

	db, err := store.Open(cfg.DatabaseURL, store.DefaultOptions())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = store.Close(db) }()
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	// Redis is optional at ingress: while it is down every check fails open
	// and the durable ledger catches duplicates. The client reconnects once
	// it is back.
	rdb, err := idempotency.Dial(ctx, cfg.RedisURL)
	if rdb == nil {
		log.Fatal("failed to configure redis", zap.Error(err))
	}
	if err != nil {
		log.Warn("redis unavailable, idempotency checks will fail open until it recovers", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()
	guard := idempotency.NewGuard(rdb, db, cfg.RedisCallTimeout, log)

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		Name:     "thrift-inbox-api",
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

	webhookHandler := handler.NewWebhookHandler(
		webhook.NewVerifier(cfg.WebhookSecret, cfg.BypassSignature, log),
		guard,
		queue,
		handler.WebhookConfig{
			MaxBodyBytes:   cfg.MaxBodyBytes,
			IdempotencyTTL: cfg.IdempotencyTTL,
			EnqueueTimeout: cfg.EnqueueTimeout,
			VerifyToken:    cfg.VerifyToken,
		},
		log,
	)

	healthHandler := handler.NewHealthHandler(
		func(ctx context.Context) error { return store.Ping(ctx, db) },
		guard.Ping,
		queue.Ready,
	)

	routerCfg := handler.RouterConfig{
		Webhook:           webhookHandler,
		Health:            healthHandler,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    cfg.AdminAllowedOrigins,
		Logger:            log,
	}
	if cfg.AdminEnabled {
		routerCfg.Admin = handler.NewAdminHandler(guard, inventory.NewManager(db, log), queue, cfg.IdempotencyTTL, log)
		routerCfg.Conversations = handler.NewConversationHandler(service.NewConversationService(db, log), log)
		log.Info("admin routes enabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(routerCfg),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
