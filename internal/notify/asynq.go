package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TaskTypeNotify is consumed by the notification worker (email decision).
	TaskTypeNotify = "chat:notify"
	// TaskTypePush is consumed by the push worker.
	TaskTypePush = "chat:push"

	defaultQueue    = "notifications"
	defaultMaxRetry = 5
	defaultTimeout  = 30 * time.Second
)

// AsynqConfig configures the queue-backed collaborator adapter.
type AsynqConfig struct {
	RedisURL string
	Queue    string
	Logger   *zap.Logger
}

// AsynqService enqueues notification and push tasks for external workers.
type AsynqService struct {
	client *asynq.Client
	queue  string
	logger *zap.Logger
}

var (
	_ Service = (*AsynqService)(nil)
	_ Pusher  = (*AsynqService)(nil)
)

// NewAsynqService connects to the redis instance behind the queue.
func NewAsynqService(cfg AsynqConfig) (*AsynqService, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("notify: redis url required")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqService{client: asynq.NewClient(opt), queue: queue, logger: logger}, nil
}

func (s *AsynqService) Notify(ctx context.Context, request Request) error {
	task, err := newNotifyTask(request)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, task)
}

func (s *AsynqService) Deliver(ctx context.Context, userID string, payload PushPayload) error {
	task, err := newPushTask(userID, payload)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, task)
}

func (s *AsynqService) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(defaultTimeout),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", task.Type(), err)
	}
	s.logger.Debug("notification task enqueued", zap.String("task_id", info.ID), zap.String("type", task.Type()))
	return nil
}

// Close releases the redis connection.
func (s *AsynqService) Close() error {
	return s.client.Close()
}

func newNotifyTask(request Request) (*asynq.Task, error) {
	if request.RecipientID == "" {
		return nil, errors.New("notify: recipient id required")
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("notify: encode request: %w", err)
	}
	return asynq.NewTask(TaskTypeNotify, payload), nil
}

type pushTaskPayload struct {
	UserID string      `json:"userId"`
	Push   PushPayload `json:"push"`
}

func newPushTask(userID string, payload PushPayload) (*asynq.Task, error) {
	if userID == "" {
		return nil, errors.New("notify: user id required")
	}
	body, err := json.Marshal(pushTaskPayload{UserID: userID, Push: payload})
	if err != nil {
		return nil, fmt.Errorf("notify: encode push: %w", err)
	}
	return asynq.NewTask(TaskTypePush, body), nil
}
