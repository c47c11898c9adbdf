// Package notify hands chat notifications to the delivery collaborators that
// decide on email or push. Everything here is fire-and-forget from the chat
// core's point of view.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Request asks the notification collaborator to tell a user about a message.
type Request struct {
	RecipientID    string `json:"recipientId"`
	Title          string `json:"title"`
	PreviewText    string `json:"previewText"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	EmailAllowed   bool   `json:"emailAllowed"`
}

// PushPayload is the body handed to the push collaborator.
type PushPayload struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	SenderID       string `json:"senderId"`
}

// Service is the notification collaborator.
type Service interface {
	Notify(ctx context.Context, request Request) error
}

// Pusher is the push delivery collaborator.
type Pusher interface {
	Deliver(ctx context.Context, userID string, payload PushPayload) error
}

// LogService records notifications in the log. Used when no queue is configured.
type LogService struct {
	logger *zap.Logger
}

// NewLogService constructs a LogService.
func NewLogService(logger *zap.Logger) *LogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogService{logger: logger}
}

func (s *LogService) Notify(_ context.Context, request Request) error {
	s.logger.Info("chat notification",
		zap.String("recipient_id", request.RecipientID),
		zap.String("conversation_id", request.ConversationID),
		zap.Bool("email_allowed", request.EmailAllowed))
	return nil
}

func (s *LogService) Deliver(_ context.Context, userID string, payload PushPayload) error {
	s.logger.Info("chat push",
		zap.String("user_id", userID),
		zap.String("conversation_id", payload.ConversationID))
	return nil
}
