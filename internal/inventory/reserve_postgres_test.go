package inventory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

func TestLockedBySKU_PostgresSelectsForUpdate(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=127.0.0.1 user=inbox dbname=inbox"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open dry-run postgres: %v", err)
	}

	var item model.InventoryItem
	stmt := lockedBySKU(db, "VNW-001").First(&item).Statement
	if sql := stmt.SQL.String(); !strings.HasSuffix(sql, "FOR UPDATE") {
		t.Fatalf("expected a row lock, got %q", sql)
	}
}

// TestReserve_PostgresConcurrentExactlyOneWinner runs against a live server
// when TEST_POSTGRES_DSN is set.
func TestReserve_PostgresConcurrentExactlyOneWinner(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	opts := store.DefaultOptions()
	opts.LogLevel = gormlogger.Silent
	db, err := store.Open(dsn, opts)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	m := NewManager(db, logger.NewNop())
	ctx := context.Background()
	sku := fmt.Sprintf("PG-RACE-%d", time.Now().UnixNano())
	if _, err := m.Seed(ctx, []model.InventoryItem{item(sku, "Vintage Nike Windbreaker", "race", model.StatusAvailable)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Cleanup(func() { db.Where("sku = ?", sku).Delete(&model.InventoryItem{}) })

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			won, err := m.Reserve(ctx, sku, fmt.Sprintf("user-%d", i))
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
