package chat

import (
	"context"
	"fmt"
	"slices"

	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// GormMessageStore persists messages through gorm.
type GormMessageStore struct {
	db *gorm.DB
}

// NewGormMessageStore constructs a message store.
func NewGormMessageStore(db *gorm.DB) (*GormMessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("chat: database connection required")
	}
	return &GormMessageStore{db: db}, nil
}

// Append stores the message unchanged and returns it.
func (s *GormMessageStore) Append(ctx context.Context, message Message) (Message, error) {
	if err := message.validate(); err != nil {
		return Message{}, err
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, fmt.Errorf("chat: append message: %w", err)
	}
	return message, nil
}

// Query returns the most recent messages stored under either key, or tagged
// with the legacy order id, oldest first.
func (s *GormMessageStore) Query(ctx context.Context, conversationID, legacyOrderID string, limit int) ([]Message, error) {
	keys := []string{conversationID}
	if legacyOrderID != "" && legacyOrderID != conversationID {
		keys = append(keys, legacyOrderID)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := s.db.WithContext(ctx).Where("conversation_id IN ?", keys)
	if legacyOrderID != "" {
		query = query.Or("legacy_order_id = ?", legacyOrderID)
	}
	var messages []Message
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).
		Error
	if err != nil {
		return nil, fmt.Errorf("chat: query messages: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}
