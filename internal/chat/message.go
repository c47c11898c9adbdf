package chat

import (
	"errors"
	"strings"
	"time"
)

const (
	// ImageMarkerPrefix tags message text that carries an image reference.
	ImageMarkerPrefix = "[image]"
	// ImagePreviewPlaceholder replaces image content in previews and notifications.
	ImagePreviewPlaceholder = "📷 Photo"
	maxTextLength           = 4000
	maxPreviewLength        = 140
)

var (
	// ErrInvalidMessage indicates a message is missing required fields.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrEmptyContent indicates neither text nor image was supplied, or both were.
	ErrEmptyContent = errors.New("chat: message requires text or image")
	// ErrTextTooLong indicates the text exceeds the storage bound.
	ErrTextTooLong = errors.New("chat: message text too long")
)

// Message is a persisted chat message.
type Message struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ConversationID string    `gorm:"column:conversation_id;size:190;not null;index:idx_chat_messages_conversation_created,priority:1" json:"conversationId"`
	LegacyOrderID  string    `gorm:"column:legacy_order_id;size:190;index" json:"legacyOrderId,omitempty"`
	SenderID       string    `gorm:"column:sender_id;size:190;not null;index" json:"senderId"`
	SenderName     string    `gorm:"column:sender_name;size:320" json:"senderName"`
	Text           string    `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_chat_messages_conversation_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// ImageRef returns the image reference when the message encodes one.
func (m Message) ImageRef() (string, bool) {
	if !strings.HasPrefix(m.Text, ImageMarkerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(m.Text, ImageMarkerPrefix), true
}

// PreviewText is the short form used in notifications and conversation lists.
func (m Message) PreviewText() string {
	if _, ok := m.ImageRef(); ok {
		return ImagePreviewPlaceholder
	}
	text := strings.TrimSpace(m.Text)
	if runes := []rune(text); len(runes) > maxPreviewLength {
		return string(runes[:maxPreviewLength]) + "…"
	}
	return text
}

// ComposeText validates a text XOR image payload and returns the stored text.
func ComposeText(text, imageRef string) (string, error) {
	text = strings.TrimSpace(text)
	imageRef = strings.TrimSpace(imageRef)
	switch {
	case text == "" && imageRef == "":
		return "", ErrEmptyContent
	case text != "" && imageRef != "":
		return "", ErrEmptyContent
	case imageRef != "":
		return ImageMarkerPrefix + imageRef, nil
	}
	if len([]rune(text)) > maxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

func (m Message) validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return errors.Join(ErrInvalidMessage, errors.New("id required"))
	case strings.TrimSpace(m.ConversationID) == "":
		return errors.Join(ErrInvalidMessage, errors.New("conversation id required"))
	case strings.TrimSpace(m.SenderID) == "":
		return errors.Join(ErrInvalidMessage, errors.New("sender id required"))
	case strings.TrimSpace(m.Text) == "":
		return ErrEmptyContent
	case m.CreatedAt.IsZero():
		return errors.Join(ErrInvalidMessage, errors.New("created at required"))
	}
	return nil
}
