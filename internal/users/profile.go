package users

import (
	"strings"
	"time"
)

// Profile is the chat-side record of a marketplace user.
type Profile struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string     `gorm:"column:display_name;size:320"`
	LastSeenAt  *time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing chat user profiles.
func (Profile) TableName() string {
	return "chat_users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
