// Package storetest provides a migrated throwaway database for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/thrift-inbox/internal/store"
)

// New opens a fresh SQLite file under t.TempDir and migrates the schema.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	opts := store.DefaultOptions()
	opts.LogLevel = gormlogger.Silent

	db, err := store.Open("file:"+filepath.Join(t.TempDir(), "inbox.db"), opts)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(db)
	})
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}
