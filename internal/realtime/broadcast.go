package realtime

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/notify"
)

const notificationTitle = "New message"

// Join moves the connection into the conversation's room, leaving any room it
// was in. The joiner receives a presence snapshot of the other participants
// and the existing members learn about the joiner.
func (h *Hub) Join(ctx context.Context, sink Sink, rawID string) (conversations.Resolution, error) {
	resolution := h.resolver.Resolve(ctx, rawID)
	if resolution.ConversationID == "" {
		return resolution, newServiceError(CodeNoConversation, errNoConversation)
	}
	userID := sink.UserID()
	if !resolution.Allows(userID) {
		return resolution, newServiceError(CodeForbidden, errNotParticipant)
	}

	h.rooms.Join(sink.ID(), resolution.ConversationID)
	members := h.registry.Lookup(h.rooms.Members(resolution.ConversationID))

	if payload, err := EncodeEvent(EventJoined, JoinedEvent{
		ConversationID:      resolution.ConversationID,
		BusinessID:          resolution.BusinessID,
		CustomerID:          resolution.CustomerID,
		BusinessOwnerUserID: resolution.BusinessOwnerUserID,
	}); err == nil {
		h.deliver([]Sink{sink}, payload)
	}

	participants := resolution.Participants()
	h.tracker.Prime(ctx, participants)
	for _, participantID := range participants {
		if participantID == userID {
			continue
		}
		h.sendPresence(sink, participantID)
	}

	if userID == "" {
		return resolution, nil
	}
	for _, member := range members {
		if member.UserID() == userID {
			continue
		}
		h.sendPresence(member, userID)
	}
	return resolution, nil
}

// Send persists a message and delivers it to the room. Persistence failure is
// the only error that stops delivery; notification and preview pushes happen
// afterwards off the caller's path.
func (h *Hub) Send(ctx context.Context, sink Sink, cmd MessageCommand) (chat.Message, error) {
	senderID := sink.UserID()
	if senderID == "" {
		return chat.Message{}, newServiceError(CodeUnauthenticated, errAnonymous)
	}
	resolution, err := h.resolveTarget(ctx, sink, cmd.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}

	text, err := chat.ComposeText(cmd.Text, cmd.ImageRef)
	if err != nil {
		return chat.Message{}, newServiceError(CodeInvalidPayload, err)
	}
	if ref := strings.TrimSpace(cmd.ImageRef); ref != "" && h.images != nil && !h.images.Exists(ref) {
		return chat.Message{}, newServiceError(CodeInvalidPayload, errUnknownImage)
	}

	messageID, err := h.ids.NewID()
	if err != nil {
		return chat.Message{}, newServiceError(CodeSendFailed, err)
	}
	senderName := ""
	if h.directory != nil {
		senderName = h.directory.DisplayName(ctx, senderID)
	}
	message, err := h.messages.Append(ctx, chat.Message{
		ID:             messageID,
		ConversationID: resolution.ConversationID,
		LegacyOrderID:  resolution.LegacyOrderID,
		SenderID:       senderID,
		SenderName:     senderName,
		Text:           text,
		CreatedAt:      h.clock().UTC(),
	})
	if err != nil {
		return chat.Message{}, newServiceError(CodeSendFailed, err)
	}

	members := h.registry.Lookup(h.rooms.Members(resolution.ConversationID))
	destinations := destinationUsers(members, senderID)
	blocked := h.blockersOf(ctx, senderID, destinations)

	payload, err := EncodeEvent(EventMessage, MessageEvent{Message: message, ClientID: cmd.ClientID})
	if err != nil {
		return message, newServiceError(CodeInternal, err)
	}
	recipients := lo.Filter(members, func(member Sink, _ int) bool {
		_, isBlocker := blocked[member.UserID()]
		return !isBlocker
	})
	if !lo.ContainsBy(recipients, func(member Sink) bool { return member.ID() == sink.ID() }) {
		recipients = append(recipients, sink)
	}
	h.deliver(recipients, payload)

	recipientID := resolution.Counterpart(senderID)
	_, recipientBlocked := blocked[recipientID]
	recipientInRoom := lo.ContainsBy(members, func(member Sink) bool { return member.UserID() == recipientID })
	h.scheduler.Go("chat.after_send", func(context.Context) error {
		h.afterSend(message, recipientID, recipientInRoom, recipientBlocked)
		return nil
	})
	return message, nil
}

func (h *Hub) afterSend(message chat.Message, recipientID string, recipientInRoom, recipientBlocked bool) {
	preview := message.PreviewText()
	if recipientID != "" && !recipientBlocked && !recipientInRoom && h.notifier != nil {
		h.notifier.Notify(notify.Request{
			RecipientID:    recipientID,
			Title:          notificationTitle,
			PreviewText:    preview,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			EmailAllowed:   h.email.Enabled(recipientID),
		}, !h.registry.HasUser(recipientID))
	}

	payload, err := EncodeEvent(EventPreview, PreviewEvent{
		ConversationID: message.ConversationID,
		Text:           preview,
		SenderID:       message.SenderID,
		CreatedAt:      message.CreatedAt,
	})
	if err != nil {
		h.logger.Error("preview encode failed", zap.String("conversation_id", message.ConversationID), zap.Error(err))
		return
	}
	h.deliver(h.registry.ForUser(message.SenderID), payload)
	if recipientID != "" && recipientID != message.SenderID && !recipientBlocked {
		h.deliver(h.registry.ForUser(recipientID), payload)
	}
}

// Typing relays an ephemeral typing indicator to the room and to the
// recipient's personal channel, each connection at most once.
func (h *Hub) Typing(ctx context.Context, sink Sink, rawID string, isTyping bool) error {
	userID := sink.UserID()
	if userID == "" {
		return newServiceError(CodeUnauthenticated, errAnonymous)
	}
	resolution, err := h.resolveTarget(ctx, sink, rawID)
	if err != nil {
		return err
	}

	targets := h.registry.Lookup(h.rooms.Members(resolution.ConversationID))
	if recipientID := resolution.Counterpart(userID); recipientID != "" {
		targets = append(targets, h.registry.ForUser(recipientID)...)
	}
	targets = lo.UniqBy(targets, func(target Sink) string { return target.ID() })
	targets = h.withoutBlockers(ctx, userID, targets)

	payload, err := EncodeEvent(EventTyping, TypingEvent{
		ConversationID: resolution.ConversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		At:             h.clock().UTC(),
	})
	if err != nil {
		return newServiceError(CodeInternal, err)
	}
	h.deliver(targets, payload)
	return nil
}

// Read relays a read receipt to authenticated room members. Nothing is sent
// when the reader hides receipts, and viewers hiding receipts never receive
// anyone else's.
func (h *Hub) Read(ctx context.Context, sink Sink, rawID, lastReadMessageID string) error {
	userID := sink.UserID()
	if userID == "" {
		return newServiceError(CodeUnauthenticated, errAnonymous)
	}
	resolution, err := h.resolveTarget(ctx, sink, rawID)
	if err != nil {
		return err
	}
	privacy := h.tracker.Privacy()
	if !privacy.Get(userID).ShowReadReceipts {
		return nil
	}

	targets := lo.Filter(h.registry.Lookup(h.rooms.Members(resolution.ConversationID)), func(target Sink, _ int) bool {
		return target.UserID() != "" && privacy.Get(target.UserID()).ShowReadReceipts
	})
	targets = h.withoutBlockers(ctx, userID, targets)

	payload, err := EncodeEvent(EventRead, ReadEvent{
		ConversationID:    resolution.ConversationID,
		UserID:            userID,
		LastReadMessageID: lastReadMessageID,
		ReadAt:            h.clock().UTC(),
	})
	if err != nil {
		return newServiceError(CodeInternal, err)
	}
	h.deliver(targets, payload)
	return nil
}

// resolveTarget resolves an explicit conversation id, or the connection's
// current room when none is given, and applies the participant check.
func (h *Hub) resolveTarget(ctx context.Context, sink Sink, rawID string) (conversations.Resolution, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		rawID = h.rooms.RoomOf(sink.ID())
	}
	if rawID == "" {
		return conversations.Resolution{}, newServiceError(CodeNoConversation, errNoConversation)
	}
	resolution := h.resolver.Resolve(ctx, rawID)
	if !resolution.Allows(sink.UserID()) {
		return resolution, newServiceError(CodeForbidden, errNotParticipant)
	}
	return resolution, nil
}

// withoutBlockers drops the actor's own connections and those owned by users
// who blocked the actor.
func (h *Hub) withoutBlockers(ctx context.Context, actorID string, targets []Sink) []Sink {
	blocked := h.blockersOf(ctx, actorID, destinationUsers(targets, actorID))
	return lo.Filter(targets, func(target Sink, _ int) bool {
		if target.UserID() == actorID {
			return false
		}
		_, isBlocker := blocked[target.UserID()]
		return !isBlocker
	})
}

// blockersOf runs one batched lookup. A failed lookup blocks nobody.
func (h *Hub) blockersOf(ctx context.Context, subjectID string, candidates []string) map[string]struct{} {
	if h.blocks == nil || len(candidates) == 0 {
		return nil
	}
	blockers, err := h.blocks.BlockersOf(ctx, subjectID, candidates)
	if err != nil {
		h.logger.Warn("blocked set lookup failed", zap.String("user_id", subjectID), zap.Error(err))
		return nil
	}
	return lo.SliceToMap(blockers, func(blockerID string) (string, struct{}) {
		return blockerID, struct{}{}
	})
}

func destinationUsers(sinks []Sink, excludeUserID string) []string {
	users := lo.FilterMap(sinks, func(sink Sink, _ int) (string, bool) {
		userID := sink.UserID()
		return userID, userID != "" && userID != excludeUserID
	})
	return lo.Uniq(users)
}
