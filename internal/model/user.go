package model

import (
	"time"
)

// ReplyWindow is how long after a user's last message the platform accepts replies.
const ReplyWindow = 48 * time.Hour

// User is a platform account that has messaged the shop.
type User struct {
	TikTokID          string    `gorm:"primaryKey;column:tiktok_id;type:varchar(255)" json:"tiktok_id"`
	Username          *string   `gorm:"type:varchar(255)" json:"username,omitempty"`
	LastInteractionAt time.Time `gorm:"not null" json:"last_interaction_at"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

// TableName pins the table name.
func (User) TableName() string {
	return "users"
}

// WithinReplyWindow reports whether a reply sent at now is still allowed.
func (u *User) WithinReplyWindow(now time.Time) bool {
	return now.Sub(u.LastInteractionAt) <= ReplyWindow
}
