package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InventoryStatus is the lifecycle state of a single-unit item.
type InventoryStatus string

const (
	StatusAvailable InventoryStatus = "available"
	StatusReserved  InventoryStatus = "reserved"
	StatusSold      InventoryStatus = "sold"
)

// Measurements maps a garment measurement name (pit_to_pit, length, ...) to inches.
type Measurements map[string]float64

// InventoryItem is one unique, single-unit product.
type InventoryItem struct {
	ID           uint                             `gorm:"primaryKey" json:"id"`
	SKU          string                           `gorm:"uniqueIndex;not null;type:varchar(64)" json:"sku"`
	Name         string                           `gorm:"not null;type:varchar(255)" json:"name"`
	Description  string                           `gorm:"type:text" json:"description"`
	Price        decimal.Decimal                  `gorm:"type:decimal(10,2);not null" json:"price"`
	SizeLabel    string                           `gorm:"type:varchar(32)" json:"size_label"`
	Measurements datatypes.JSONType[Measurements] `json:"measurements"`
	Status       InventoryStatus                  `gorm:"not null;default:available;index;type:varchar(16)" json:"status"`
	ImageURL     string                           `gorm:"type:varchar(512)" json:"image_url,omitempty"`
	ReservedBy   *string                          `gorm:"type:varchar(255)" json:"reserved_by,omitempty"`
	ReservedAt   *time.Time                       `json:"reserved_at,omitempty"`
	CreatedAt    time.Time                        `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time                        `json:"updated_at"`
}

// TableName pins the table name.
func (InventoryItem) TableName() string {
	return "inventory"
}

// IsAvailable reports whether the item can still be reserved.
func (i *InventoryItem) IsAvailable() bool {
	return i.Status == StatusAvailable
}
