package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderCancelled OrderStatus = "cancelled"
)

// Order groups reserved items bought by one user.
type Order struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        string          `gorm:"not null;index;type:varchar(255)" json:"user_id"`
	User          *User           `gorm:"foreignKey:UserID;references:TikTokID" json:"-"`
	Status        OrderStatus     `gorm:"not null;default:pending;type:varchar(16)" json:"status"`
	TikTokEventID *string         `gorm:"column:tiktok_event_id;type:varchar(255)" json:"tiktok_event_id,omitempty"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total_amount"`
	Items         []OrderItem     `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TableName pins the table name.
func (Order) TableName() string {
	return "orders"
}

// OrderItem is one inventory unit on an order.
type OrderItem struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	OrderID         uint            `gorm:"not null;index" json:"order_id"`
	InventoryID     uint            `gorm:"not null" json:"inventory_id"`
	Inventory       *InventoryItem  `gorm:"foreignKey:InventoryID" json:"-"`
	PriceAtPurchase decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price_at_purchase"`
	Quantity        int             `gorm:"not null;default:1" json:"quantity"`
}

// TableName pins the table name.
func (OrderItem) TableName() string {
	return "order_items"
}
