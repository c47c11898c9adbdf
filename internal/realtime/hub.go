// Package realtime coordinates live chat connections: room membership,
// message/typing/read fan-out, presence pushes and watch subscriptions.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/background"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/presence"
)

// Resolver maps raw conversation ids to canonical conversations.
type Resolver interface {
	Resolve(ctx context.Context, rawID string) conversations.Resolution
}

// MessageStore persists chat messages.
type MessageStore interface {
	Append(ctx context.Context, message chat.Message) (chat.Message, error)
}

// BlockStore answers which candidates have blocked a subject.
type BlockStore interface {
	BlockersOf(ctx context.Context, subjectID string, candidates []string) ([]string, error)
}

// ImageValidator confirms image references point at stored uploads.
type ImageValidator interface {
	Exists(ref string) bool
}

// Directory supplies sender display names.
type Directory interface {
	DisplayName(ctx context.Context, userID string) string
}

// Notifier receives notification requests for recipients not in the room.
type Notifier interface {
	Notify(request notify.Request, recipientOffline bool)
}

// Scheduler runs best-effort tasks off the delivery path.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// HubConfig wires the hub dependencies.
type HubConfig struct {
	Resolver  Resolver
	Messages  MessageStore
	Blocks    BlockStore
	Images    ImageValidator
	Directory Directory
	Notifier  Notifier
	Tracker   *presence.Tracker
	Watches   *presence.WatchRegistry
	Scheduler Scheduler
	IDs       chat.IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Hub owns the process-wide realtime state and drives every connection event.
type Hub struct {
	resolver  Resolver
	messages  MessageStore
	blocks    BlockStore
	images    ImageValidator
	directory Directory
	notifier  Notifier
	tracker   *presence.Tracker
	watches   *presence.WatchRegistry
	scheduler Scheduler
	ids       chat.IDProvider
	clock     func() time.Time
	logger    *zap.Logger

	registry *Registry
	rooms    *Rooms
	email    *EmailPreferences

	lifecycle sync.Mutex
	closed    bool
	sessions  sync.WaitGroup
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Messages == nil {
		return nil, errMissingMessageDB
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = background.NewRunner(background.RunnerConfig{Logger: logger})
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = presence.NewTracker(presence.TrackerConfig{Scheduler: scheduler, Clock: clock, Logger: logger})
	}
	watches := cfg.Watches
	if watches == nil {
		watches = presence.NewWatchRegistry(presence.DefaultWatchLimit)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = chat.NewUUIDProvider()
	}

	return &Hub{
		resolver:  cfg.Resolver,
		messages:  cfg.Messages,
		blocks:    cfg.Blocks,
		images:    cfg.Images,
		directory: cfg.Directory,
		notifier:  cfg.Notifier,
		tracker:   tracker,
		watches:   watches,
		scheduler: scheduler,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		registry:  NewRegistry(),
		rooms:     NewRooms(),
		email:     NewEmailPreferences(),
	}, nil
}

// Connect registers a connection, counts it toward its user's presence and
// joins the optional legacy room hint. Every successful Connect must be paired
// with a Disconnect.
func (h *Hub) Connect(ctx context.Context, sink Sink, roomHint string) error {
	h.lifecycle.Lock()
	if h.closed {
		h.lifecycle.Unlock()
		return ErrHubClosed
	}
	h.sessions.Add(1)
	h.registry.Add(sink)
	h.lifecycle.Unlock()

	userID := sink.UserID()
	if h.tracker.Connect(userID) {
		h.NotifyPresenceChange(userID)
	}
	h.logger.Debug("realtime connection opened",
		zap.String("connection_id", sink.ID()),
		zap.String("user_id", userID))

	if roomHint == "" {
		return nil
	}
	if _, err := h.Join(ctx, sink, roomHint); err != nil {
		h.sendError(sink, err, "")
	}
	return nil
}

// Disconnect tears down all state for the connection before any durable
// last-seen write is scheduled. The user's email opt-in ends with their last
// connection.
func (h *Hub) Disconnect(sink Sink) {
	connID := sink.ID()
	room := h.rooms.Leave(connID)
	h.watches.UnwatchAll(connID)
	if _, ok := h.registry.Remove(connID); !ok {
		return
	}
	defer h.sessions.Done()

	userID := sink.UserID()
	if h.tracker.Disconnect(userID) {
		h.email.Clear(userID)
		h.notifyPresence(userID, []string{room})
	}
	h.logger.Debug("realtime connection closed",
		zap.String("connection_id", connID),
		zap.String("user_id", userID))
}

// Close refuses new connections, closes every live one and waits until each
// has been disconnected or ctx expires.
func (h *Hub) Close(ctx context.Context) error {
	h.lifecycle.Lock()
	h.closed = true
	h.lifecycle.Unlock()

	for _, sink := range h.registry.All() {
		sink.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle decodes one inbound frame and runs it. Failures are reported to the
// originating connection as error events.
func (h *Hub) Handle(ctx context.Context, sink Sink, raw []byte) {
	command, err := DecodeCommand(raw)
	if err != nil {
		h.sendError(sink, err, "")
		return
	}

	switch cmd := command.(type) {
	case *JoinCommand:
		_, err = h.Join(ctx, sink, cmd.ConversationID)
	case *MessageCommand:
		_, err = h.Send(ctx, sink, *cmd)
		if err != nil {
			h.sendError(sink, err, cmd.ClientID)
			return
		}
	case *TypingCommand:
		err = h.Typing(ctx, sink, cmd.ConversationID, cmd.IsTyping)
	case *ReadCommand:
		err = h.Read(ctx, sink, cmd.ConversationID, cmd.LastReadMessageID)
	case *PrivacyUpdateCommand:
		err = h.UpdatePrivacy(sink, presence.SettingsUpdate{
			ShowConnectionStatus: cmd.ShowConnectionStatus,
			ShowReadReceipts:     cmd.ShowReadReceipts,
		})
	case *WatchCommand:
		h.Watch(ctx, sink, cmd.UserIDs)
	case *EmailNotificationsCommand:
		err = h.SetEmailNotifications(sink, *cmd.Enabled)
	}
	if err != nil {
		h.sendError(sink, err, "")
	}
}

// Watch replaces the connection's subscriptions and pushes a snapshot for
// every accepted subject.
func (h *Hub) Watch(ctx context.Context, sink Sink, subjectIDs []string) []string {
	accepted := h.watches.Watch(sink.ID(), sink.UserID(), subjectIDs)
	h.tracker.Prime(ctx, accepted)
	for _, subjectID := range accepted {
		h.sendPresence(sink, subjectID)
	}
	return accepted
}

// UpdatePrivacy applies the user's new toggles, confirms them to all of the
// user's connections and recomputes what everyone watching them sees.
func (h *Hub) UpdatePrivacy(sink Sink, update presence.SettingsUpdate) error {
	userID := sink.UserID()
	if userID == "" {
		return newServiceError(CodeUnauthenticated, errAnonymous)
	}
	settings := h.tracker.Privacy().Apply(userID, update)

	if payload, err := EncodeEvent(EventPrivacySettings, settings); err == nil {
		h.deliver(h.registry.ForUser(userID), payload)
	}
	h.NotifyPresenceChange(userID)

	// The user's own view of others depends on their toggle too.
	for _, own := range h.registry.ForUser(userID) {
		for _, subjectID := range h.watches.Subjects(own.ID()) {
			h.sendPresence(own, subjectID)
		}
	}
	return nil
}

// SetEmailNotifications records the user's chat email opt-in.
func (h *Hub) SetEmailNotifications(sink Sink, enabled bool) error {
	if sink.UserID() == "" {
		return newServiceError(CodeUnauthenticated, errAnonymous)
	}
	h.email.Set(sink.UserID(), enabled)
	return nil
}

// NotifyPresenceChange pushes the subject's recomputed visibility to every
// connection watching the subject and to every connection sharing a room
// with one of the subject's connections. Each viewer gets its own payload.
func (h *Hub) NotifyPresenceChange(subjectID string) {
	h.notifyPresence(subjectID, nil)
}

// notifyPresence also covers rooms the subject has just left.
func (h *Hub) notifyPresence(subjectID string, extraRooms []string) {
	if subjectID == "" {
		return
	}
	rooms := append([]string(nil), extraRooms...)
	for _, own := range h.registry.ForUser(subjectID) {
		rooms = append(rooms, h.rooms.RoomOf(own.ID()))
	}
	targets := h.registry.Lookup(h.watches.Watchers(subjectID))
	for _, room := range lo.Uniq(lo.Compact(rooms)) {
		targets = append(targets, h.registry.Lookup(h.rooms.Members(room))...)
	}
	targets = lo.UniqBy(targets, func(sink Sink) string { return sink.ID() })
	for _, target := range targets {
		if target.UserID() == subjectID {
			continue
		}
		h.sendPresence(target, subjectID)
	}
}

func (h *Hub) sendPresence(sink Sink, subjectID string) {
	payload, err := presencePayload(h.tracker.VisibilityFor(sink.UserID(), subjectID))
	if err != nil {
		h.logger.Error("presence encode failed", zap.String("user_id", subjectID), zap.Error(err))
		return
	}
	h.deliver([]Sink{sink}, payload)
}

func (h *Hub) sendError(sink Sink, err error, clientID string) {
	code := ErrorCode(err)
	if code == CodeInternal || code == CodeSendFailed {
		h.logger.Warn("realtime event failed",
			zap.String("connection_id", sink.ID()),
			zap.String("user_id", sink.UserID()),
			zap.Error(err))
	}
	payload, encodeErr := EncodeEvent(EventError, ErrorEvent{Code: code, Message: err.Error(), ClientID: clientID})
	if encodeErr != nil {
		return
	}
	h.deliver([]Sink{sink}, payload)
}

// deliver is best effort; connections that went away are skipped.
func (h *Hub) deliver(sinks []Sink, payload []byte) {
	for _, sink := range sinks {
		if err := sink.Send(payload); err != nil {
			h.logger.Debug("realtime delivery skipped",
				zap.String("connection_id", sink.ID()),
				zap.Error(err))
		}
	}
}
