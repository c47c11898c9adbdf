package notify

import (
	"context"

	"go.uber.org/zap"
)

// Scheduler runs best-effort tasks off the caller's path.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// HookConfig wires the hook to its collaborators.
type HookConfig struct {
	Service   Service
	Pusher    Pusher
	Scheduler Scheduler
	Logger    *zap.Logger
}

// Hook dispatches notifications without ever blocking message delivery.
type Hook struct {
	service   Service
	pusher    Pusher
	scheduler Scheduler
	logger    *zap.Logger
}

// NewHook constructs a Hook. Missing collaborators fall back to logging.
func NewHook(cfg HookConfig) *Hook {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := cfg.Service
	if service == nil {
		service = NewLogService(logger)
	}
	return &Hook{
		service:   service,
		pusher:    cfg.Pusher,
		scheduler: cfg.Scheduler,
		logger:    logger,
	}
}

// Notify schedules the notification request, and a push when the recipient
// has no live connection at all.
func (h *Hook) Notify(request Request, recipientOffline bool) {
	h.run("notify.request", func(ctx context.Context) error {
		return h.service.Notify(ctx, request)
	})
	if !recipientOffline || h.pusher == nil {
		return
	}
	payload := PushPayload{
		ConversationID: request.ConversationID,
		Title:          request.Title,
		Body:           request.PreviewText,
		SenderID:       request.SenderID,
	}
	h.run("notify.push", func(ctx context.Context) error {
		return h.pusher.Deliver(ctx, request.RecipientID, payload)
	})
}

func (h *Hook) run(name string, fn func(ctx context.Context) error) {
	if h.scheduler != nil {
		h.scheduler.Go(name, fn)
		return
	}
	go func() {
		if err := fn(context.Background()); err != nil {
			h.logger.Warn("notification dispatch failed", zap.String("task", name), zap.Error(err))
		}
	}()
}
