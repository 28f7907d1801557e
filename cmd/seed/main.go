// Package main loads an inventory fixture into the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/internal/config"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

func main() {
	fixturePath := flag.String("fixture", "fixtures/inventory.yaml", "path to the inventory fixture")
	flag.Parse()

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

	items, err := inventory.LoadFixtureFile(*fixturePath)
	if err != nil {
		log.Fatal("failed to load fixture", zap.String("path", *fixturePath), zap.Error(err))
	}

	db, err := store.Open(cfg.DatabaseURL, store.DefaultOptions())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = store.Close(db) }()
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	manager := inventory.NewManager(db, log)
	n, err := manager.Seed(ctx, items)
	if err != nil {
		log.Fatal("failed to seed inventory", zap.Error(err))
	}
	available, err := manager.AvailableCount(ctx)
	if err != nil {
		log.Fatal("failed to count inventory", zap.Error(err))
	}

	log.Info("inventory seeded",
		zap.String("fixture", *fixturePath),
		zap.Int("items", n),
		zap.Int64("available", available),
	)
}
