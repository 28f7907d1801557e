// Package inventory manages single-unit thrift stock: search, reservation and seeding.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 5

// Manager owns all reads and writes of the inventory table.
type Manager struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewManager creates a new inventory manager.
func NewManager(db *gorm.DB, log *logger.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: log.WithComponent("inventory"),
	}
}

// lockedBySKU selects the item row with FOR UPDATE. Dialects without row
// locks drop the clause.
func lockedBySKU(tx *gorm.DB, sku string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("sku = ?", sku)
}

// Reserve moves sku from available to reserved on behalf of requesterID.
// Among any number of concurrent callers for the same available sku exactly
// one gets true. A missing or already reserved sku yields false, nil.
func (m *Manager) Reserve(ctx context.Context, sku, requesterID string) (bool, error) {
	var (
		won    bool
		result = "lost"
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item model.InventoryItem
		err := lockedBySKU(tx, sku).First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = "missing"
			return nil
		}
		if err != nil {
			return err
		}

		if !item.IsAvailable() {
			return nil
		}

		// The status predicate keeps this correct on drivers without row locks.
		now := time.Now().UTC()
		res := tx.Model(&model.InventoryItem{}).
			Where("id = ? AND status = ?", item.ID, model.StatusAvailable).
			Updates(map[string]any{
				"status":      model.StatusReserved,
				"reserved_by": requesterID,
				"reserved_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1
		if won {
			result = "won"
		}
		return nil
	})
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to reserve %s: %w", sku, err)
	}

	metrics.ReservationsTotal.WithLabelValues(result).Inc()
	m.logger.Info("reservation attempted",
		zap.String("sku", sku),
		zap.String("requester_id", requesterID),
		zap.String("result", result),
	)
	return won, nil
}

// Search returns up to limit available items whose name or description
// contains query, case-insensitively, newest first.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]model.InventoryItem, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := m.db.WithContext(ctx).
		Where("status = ?", model.StatusAvailable)

	if term := strings.ToLower(strings.TrimSpace(query)); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		q = q.Where(`(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`, pattern, pattern)
	}

	var items []model.InventoryItem
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to search inventory: %w", err)
	}
	return items, nil
}

// GetBySKU returns the item with sku or store.ErrNotFound.
func (m *Manager) GetBySKU(ctx context.Context, sku string) (*model.InventoryItem, error) {
	var item model.InventoryItem
	err := m.db.WithContext(ctx).Where("sku = ?", sku).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", sku, err)
	}
	return &item, nil
}

// AvailableCount returns how many items can still be reserved.
func (m *Manager) AvailableCount(ctx context.Context) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&model.InventoryItem{}).
		Where("status = ?", model.StatusAvailable).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count inventory: %w", err)
	}
	return count, nil
}

// Seed inserts items, updating the descriptive fields of skus that already
// exist. Status is only set on insert so seeding never moves an item back
// to available.
func (m *Manager) Seed(ctx context.Context, items []model.InventoryItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = model.StatusAvailable
		}
	}

	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sku"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "price", "size_label", "measurements", "image_url", "updated_at",
			}),
		}).
		Create(&items).Error
	if err != nil {
		return 0, fmt.Errorf("failed to seed inventory: %w", err)
	}

	m.logger.Info("seeded inventory", zap.Int("items", len(items)))
	return len(items), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
