package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/presence"
)

// Inbound events.
const (
	EventJoin               = "join"
	EventMessage            = "message"
	EventTyping             = "typing"
	EventRead               = "read"
	EventPrivacyUpdate      = "privacy:update"
	EventPresenceWatch      = "presence:watch"
	EventEmailNotifications = "chat:emailNotifications"
)

// Outbound events. EventMessage, EventTyping and EventRead are reused.
const (
	EventPresenceUpdate  = "presence:update"
	EventPreview         = "chat:preview"
	EventJoined          = "joined"
	EventPrivacySettings = "privacy:settings"
	EventError           = "error"
)

var (
	// ErrMalformedEvent indicates the frame is not an event envelope.
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrUnknownEvent indicates an event name outside the supported set.
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrInvalidPayload indicates the event data failed validation.
	ErrInvalidPayload = errors.New("realtime: invalid payload")
)

var validate = validator.New()

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Command is one of the closed set of inbound event variants.
type Command interface {
	Event() string
}

type JoinCommand struct {
	ConversationID string `json:"conversationId" validate:"required,max=512"`
}

type MessageCommand struct {
	ConversationID string `json:"conversationId" validate:"omitempty,max=512"`
	Text           string `json:"text" validate:"required_without=ImageRef,excluded_with=ImageRef"`
	ImageRef       string `json:"imageRef" validate:"omitempty,max=1024"`
	ClientID       string `json:"clientId" validate:"omitempty,max=128"`
}

type TypingCommand struct {
	ConversationID string `json:"conversationId" validate:"omitempty,max=512"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadCommand struct {
	ConversationID    string `json:"conversationId" validate:"omitempty,max=512"`
	LastReadMessageID string `json:"lastReadMessageId" validate:"required,max=128"`
}

type PrivacyUpdateCommand struct {
	ShowConnectionStatus *bool `json:"showConnectionStatus"`
	ShowReadReceipts     *bool `json:"showReadReceipts"`
}

type WatchCommand struct {
	UserIDs []string `json:"userIds" validate:"dive,max=190"`
}

type EmailNotificationsCommand struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (JoinCommand) Event() string               { return EventJoin }
func (MessageCommand) Event() string            { return EventMessage }
func (TypingCommand) Event() string             { return EventTyping }
func (ReadCommand) Event() string               { return EventRead }
func (PrivacyUpdateCommand) Event() string      { return EventPrivacyUpdate }
func (WatchCommand) Event() string              { return EventPresenceWatch }
func (EmailNotificationsCommand) Event() string { return EventEmailNotifications }

// DecodeCommand parses and validates an inbound frame.
func DecodeCommand(raw []byte) (Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var command Command
	switch envelope.Event {
	case EventJoin:
		command = &JoinCommand{}
	case EventMessage:
		command = &MessageCommand{}
	case EventTyping:
		command = &TypingCommand{}
	case EventRead:
		command = &ReadCommand{}
	case EventPrivacyUpdate:
		command = &PrivacyUpdateCommand{}
	case EventPresenceWatch:
		command = &WatchCommand{}
	case EventEmailNotifications:
		command = &EmailNotificationsCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}

	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, command); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return command, nil
}

// MessageEvent is a persisted message plus the sender's provisional id.
type MessageEvent struct {
	chat.Message
	ClientID string `json:"clientId,omitempty"`
}

type TypingEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	At             time.Time `json:"at"`
}

type ReadEvent struct {
	ConversationID    string    `json:"conversationId"`
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	ReadAt            time.Time `json:"readAt"`
}

type PreviewEvent struct {
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type JoinedEvent struct {
	ConversationID      string `json:"conversationId"`
	BusinessID          string `json:"businessId,omitempty"`
	CustomerID          string `json:"customerId,omitempty"`
	BusinessOwnerUserID string `json:"businessOwnerUserId,omitempty"`
}

type ErrorEvent struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeEvent renders an outbound frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	return payload, nil
}

func presencePayload(visibility presence.Visibility) ([]byte, error) {
	return EncodeEvent(EventPresenceUpdate, visibility)
}
