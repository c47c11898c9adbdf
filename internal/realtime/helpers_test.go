package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/background"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/presence"
)

const (
	testConversation = "conv:biz1:custA"
	testCustomer     = "custA"
	testOwner        = "owner-b"
)

type fakeSink struct {
	id     string
	userID string

	mu      sync.Mutex
	frames  []Envelope
	err     error
	closed  bool
	onClose func()
}

func newFakeSink(id, userID string) *fakeSink {
	return &fakeSink{id: id, userID: userID}
}

func (s *fakeSink) ID() string     { return s.id }
func (s *fakeSink) UserID() string { return s.userID }

func (s *fakeSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	s.frames = append(s.frames, envelope)
	return nil
}

func (s *fakeSink) Close(int, string) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()
	if !already && onClose != nil {
		onClose()
	}
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) events(name string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []json.RawMessage
	for _, frame := range s.frames {
		if frame.Event == name {
			matches = append(matches, frame.Data)
		}
	}
	return matches
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type catalogStore struct{}

func (catalogStore) LookupOrder(_ context.Context, orderID string) (conversations.OrderRef, error) {
	if orderID == "order-42" {
		return conversations.OrderRef{BusinessID: "biz1", CustomerID: testCustomer}, nil
	}
	return conversations.OrderRef{}, conversations.ErrNotFound
}

func (catalogStore) LookupBusinessOwner(_ context.Context, businessID string) (string, error) {
	if businessID == "biz1" {
		return testOwner, nil
	}
	return "", conversations.ErrNotFound
}

type memoryMessages struct {
	mu       sync.Mutex
	messages []chat.Message
	err      error
}

func (m *memoryMessages) Append(_ context.Context, message chat.Message) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return chat.Message{}, m.err
	}
	m.messages = append(m.messages, message)
	return message, nil
}

func (m *memoryMessages) stored() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages...)
}

type memoryBlocks struct {
	mu      sync.Mutex
	blocked map[string]map[string]struct{}
	calls   int
	err     error
}

func (b *memoryBlocks) block(blockerID, blockedID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked == nil {
		b.blocked = make(map[string]map[string]struct{})
	}
	if b.blocked[blockerID] == nil {
		b.blocked[blockerID] = make(map[string]struct{})
	}
	b.blocked[blockerID][blockedID] = struct{}{}
}

func (b *memoryBlocks) BlockersOf(_ context.Context, subjectID string, candidates []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	var blockers []string
	for _, candidate := range candidates {
		if _, ok := b.blocked[candidate][subjectID]; ok {
			blockers = append(blockers, candidate)
		}
	}
	return blockers, nil
}

type recordedNotification struct {
	request notify.Request
	offline bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []recordedNotification
}

func (n *recordingNotifier) Notify(request notify.Request, recipientOffline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recordedNotification{request: request, offline: recipientOffline})
}

func (n *recordingNotifier) recorded() []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotification(nil), n.calls...)
}

type staticImages map[string]bool

func (s staticImages) Exists(ref string) bool { return s[ref] }

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return "msg-" + strconv.Itoa(s.next), nil
}

type lastSeenWrite struct {
	at     time.Time
	ctxErr error
}

type recordingLastSeen struct {
	mu     sync.Mutex
	writes map[string]lastSeenWrite
}

func (r *recordingLastSeen) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writes == nil {
		r.writes = make(map[string]lastSeenWrite)
	}
	r.writes[userID] = lastSeenWrite{at: at, ctxErr: ctx.Err()}
	return nil
}

func (r *recordingLastSeen) LastSeen(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (r *recordingLastSeen) written(userID string) (lastSeenWrite, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	write, ok := r.writes[userID]
	return write, ok
}

type testHub struct {
	hub      *Hub
	runner   *background.Runner
	lastSeen *recordingLastSeen
	messages *memoryMessages
	blocks   *memoryBlocks
	notifier *recordingNotifier
	tracker  *presence.Tracker
}

var testNow = time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	runner := background.NewRunner(background.RunnerConfig{})
	clock := func() time.Time { return testNow }
	lastSeen := &recordingLastSeen{}
	tracker := presence.NewTracker(presence.TrackerConfig{LastSeen: lastSeen, Scheduler: runner, Clock: clock})
	deps := &testHub{
		runner:   runner,
		lastSeen: lastSeen,
		messages: &memoryMessages{},
		blocks:   &memoryBlocks{},
		notifier: &recordingNotifier{},
		tracker:  tracker,
	}
	hub, err := NewHub(HubConfig{
		Resolver:  conversations.NewResolver(conversations.ResolverConfig{Store: catalogStore{}}),
		Messages:  deps.messages,
		Blocks:    deps.blocks,
		Images:    staticImages{"/uploads/cat.png": true},
		Notifier:  deps.notifier,
		Tracker:   tracker,
		Watches:   presence.NewWatchRegistry(presence.DefaultWatchLimit),
		Scheduler: runner,
		IDs:       &sequentialIDs{},
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	deps.hub = hub
	return deps
}

func (h *testHub) connect(t *testing.T, id, userID string) *fakeSink {
	t.Helper()
	sink := newFakeSink(id, userID)
	if err := h.hub.Connect(context.Background(), sink, ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return sink
}

func (h *testHub) handle(t *testing.T, sink *fakeSink, event string, data any) {
	t.Helper()
	body, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to encode test data: %v", err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: body})
	if err != nil {
		t.Fatalf("failed to encode test frame: %v", err)
	}
	h.hub.Handle(context.Background(), sink, frame)
	h.runner.Wait()
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", string(raw), err)
	}
	return value
}

func lastPresence(t *testing.T, sink *fakeSink, subjectID string) (presence.Visibility, bool) {
	t.Helper()
	frames := sink.events(EventPresenceUpdate)
	for index := len(frames) - 1; index >= 0; index-- {
		visibility := decodeInto[presence.Visibility](t, frames[index])
		if visibility.UserID == subjectID {
			return visibility, true
		}
	}
	return presence.Visibility{}, false
}

var errBoom = errors.New("boom")
