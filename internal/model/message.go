package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Role represents the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ConversationTurn is one append-only row of a user's chat history.
type ConversationTurn struct {
	// Identity
	ID     string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID string `gorm:"not null;index:idx_conversations_user_created,priority:1;type:varchar(255)" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID;references:TikTokID;constraint:OnDelete:CASCADE" json:"-"`

	// Content
	Role    Role   `gorm:"not null;type:varchar(16)" json:"role"`
	Content string `gorm:"not null;type:text" json:"content"`

	// EventID tags the turns written while handling one inbound event.
	EventID *string `gorm:"index;type:varchar(255)" json:"event_id,omitempty"`

	// Timestamps
	CreatedAt time.Time `gorm:"not null;index:idx_conversations_user_created,priority:2" json:"created_at"`
}

// TableName pins the table name.
func (ConversationTurn) TableName() string {
	return "conversations"
}

// BeforeCreate rejects turns with an unknown role.
func (t *ConversationTurn) BeforeCreate(*gorm.DB) error {
	if !t.Role.Valid() {
		return fmt.Errorf("invalid conversation role %q", t.Role)
	}
	return nil
}
