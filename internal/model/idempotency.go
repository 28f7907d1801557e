package model

import (
	"time"
)

// LedgerStatus is the final outcome recorded for a processed event.
type LedgerStatus string

const (
	LedgerSuccess LedgerStatus = "success"
	LedgerFailed  LedgerStatus = "failed"
)

// IdempotencyLog is the permanent, insert-once record of a processed event.
type IdempotencyLog struct {
	EventID     string       `gorm:"primaryKey;type:varchar(255)" json:"event_id"`
	ProcessedAt time.Time    `gorm:"not null" json:"processed_at"`
	Status      LedgerStatus `gorm:"not null;type:varchar(16)" json:"status"`
}

// TableName pins the table name.
func (IdempotencyLog) TableName() string {
	return "idempotency_logs"
}

// EventClaim gives one worker exclusive processing of an event and records
// when its reply reached the platform.
type EventClaim struct {
	EventID      string     `gorm:"primaryKey;type:varchar(255)" json:"event_id"`
	Owner        string     `gorm:"not null;type:varchar(64)" json:"owner"`
	ClaimedUntil time.Time  `gorm:"not null;index" json:"claimed_until"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName pins the table name.
func (EventClaim) TableName() string {
	return "event_claims"
}
