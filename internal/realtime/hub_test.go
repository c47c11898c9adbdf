package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPrivacyOptOutHidesConnectedUserFromWatchers(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)
	owner := h.connect(t, "conn-b", testOwner)
	h.handle(t, owner, EventPresenceWatch, WatchCommand{UserIDs: []string{testCustomer}})

	snapshot, ok := lastPresence(t, owner, testCustomer)
	if !ok || !snapshot.Visible || !snapshot.Online {
		t.Fatalf("expected an online snapshot first, got %#v", snapshot)
	}

	h.handle(t, customer, EventPrivacyUpdate, map[string]bool{"showConnectionStatus": false})

	hidden, ok := lastPresence(t, owner, testCustomer)
	if !ok {
		t.Fatalf("watcher expects a push after the privacy update")
	}
	if hidden.Visible || hidden.Online || hidden.LastSeenAt != nil {
		t.Fatalf("expected exactly hidden payload, got %#v", hidden)
	}
	if got := customer.events(EventPrivacySettings); len(got) != 1 {
		t.Fatalf("expected settings confirmation, got %d", len(got))
	}
}

func TestViewerOptOutHidesOthersFromViewer(t *testing.T) {
	h := newTestHub(t)
	h.connect(t, "conn-a", testCustomer)
	owner := h.connect(t, "conn-b", testOwner)
	h.handle(t, owner, EventPresenceWatch, WatchCommand{UserIDs: []string{testCustomer}})

	h.handle(t, owner, EventPrivacyUpdate, map[string]bool{"showConnectionStatus": false})

	view, ok := lastPresence(t, owner, testCustomer)
	if !ok || view.Visible || view.Online {
		t.Fatalf("viewer hiding status sees nobody, got %#v", view)
	}
}

func TestDisconnectPushesLastSeenToWatchers(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)
	owner := h.connect(t, "conn-b", testOwner)
	h.handle(t, owner, EventPresenceWatch, WatchCommand{UserIDs: []string{testCustomer, testCustomer, testOwner}})

	if subjects := h.hub.watches.Subjects("conn-b"); len(subjects) != 1 || subjects[0] != testCustomer {
		t.Fatalf("watch must dedupe and drop self, got %v", subjects)
	}

	h.hub.Disconnect(customer)
	h.runner.Wait()

	update, ok := lastPresence(t, owner, testCustomer)
	if !ok || !update.Visible || update.Online || update.LastSeenAt == nil || !update.LastSeenAt.Equal(testNow) {
		t.Fatalf("expected offline with last seen, got %#v", update)
	}
	if h.tracker.IsOnline(testCustomer) {
		t.Fatalf("customer must be offline")
	}
}

func TestSecondConnectionDoesNotRepushPresence(t *testing.T) {
	h := newTestHub(t)
	owner := h.connect(t, "conn-b", testOwner)
	h.handle(t, owner, EventPresenceWatch, WatchCommand{UserIDs: []string{testCustomer}})
	first := h.connect(t, "conn-a", testCustomer)
	before := len(owner.events(EventPresenceUpdate))

	second := h.connect(t, "conn-a2", testCustomer)
	h.hub.Disconnect(first)

	if after := len(owner.events(EventPresenceUpdate)); after != before {
		t.Fatalf("only 0<->1 transitions push presence, got %d new pushes", after-before)
	}
	h.hub.Disconnect(second)
	if update, _ := lastPresence(t, owner, testCustomer); update.Online {
		t.Fatalf("customer must be offline after the last disconnect")
	}
}

func TestDisconnectCleansEveryIndex(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)
	h.handle(t, customer, EventJoin, JoinCommand{ConversationID: testConversation})
	h.handle(t, customer, EventPresenceWatch, WatchCommand{UserIDs: []string{testOwner}})

	h.hub.Disconnect(customer)

	if members := h.hub.rooms.Members(testConversation); len(members) != 0 {
		t.Fatalf("room must be empty, got %v", members)
	}
	if watchers := h.hub.watches.Watchers(testOwner); len(watchers) != 0 {
		t.Fatalf("watch index must be empty, got %v", watchers)
	}
	if remaining := h.hub.registry.Lookup([]string{"conn-a"}); len(remaining) != 0 {
		t.Fatalf("registry must forget the connection")
	}
}

func TestConnectWithRoomHintJoins(t *testing.T) {
	h := newTestHub(t)
	customer := newFakeSink("conn-a", testCustomer)

	if err := h.hub.Connect(context.Background(), customer, "order-42"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if room := h.hub.rooms.RoomOf("conn-a"); room != testConversation {
		t.Fatalf("expected the hint to join the canonical room, got %q", room)
	}
	if got := customer.events(EventJoined); len(got) != 1 {
		t.Fatalf("expected a joined event, got %d", len(got))
	}
}

func TestHandleRejectsUnknownAndMalformedEvents(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)

	h.hub.Handle(context.Background(), customer, []byte(`{"event":"delete_everything","data":{}}`))
	h.hub.Handle(context.Background(), customer, []byte(`not json`))
	h.hub.Handle(context.Background(), customer, []byte(`{"event":"read","data":{"conversationId":"x"}}`))

	errs := customer.events(EventError)
	if len(errs) != 3 {
		t.Fatalf("expected three error events, got %d", len(errs))
	}
	want := []string{CodeUnknownEvent, CodeInvalidPayload, CodeInvalidPayload}
	for index, raw := range errs {
		if code := decodeInto[ErrorEvent](t, raw).Code; code != want[index] {
			t.Fatalf("error %d: expected %q, got %q", index, want[index], code)
		}
	}
}

func TestTypingWithoutRoomIsRejected(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)

	h.handle(t, customer, EventTyping, TypingCommand{IsTyping: true})

	errs := customer.events(EventError)
	if len(errs) != 1 || decodeInto[ErrorEvent](t, errs[0]).Code != CodeNoConversation {
		t.Fatalf("expected no_conversation, got %v", errs)
	}
}

func TestClosedSinksAreSkipped(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)
	owner := h.connect(t, "conn-b", testOwner)
	gone := h.connect(t, "conn-b2", testOwner)
	h.handle(t, owner, EventJoin, JoinCommand{ConversationID: testConversation})
	h.handle(t, gone, EventJoin, JoinCommand{ConversationID: testConversation})
	gone.err = ErrConnectionClosed

	h.handle(t, customer, EventMessage, MessageCommand{ConversationID: testConversation, Text: "Hola"})

	if got := owner.events(EventMessage); len(got) != 1 {
		t.Fatalf("live connections still get the message, got %d", len(got))
	}
}

func TestDisconnectPushesOfflineToRoomMates(t *testing.T) {
	h := newTestHub(t)
	customer := h.connect(t, "conn-a", testCustomer)
	owner := h.connect(t, "conn-b", testOwner)
	h.handle(t, owner, EventJoin, JoinCommand{ConversationID: testConversation})
	h.handle(t, customer, EventJoin, JoinCommand{ConversationID: testConversation})

	h.hub.Disconnect(customer)

	update, ok := lastPresence(t, owner, testCustomer)
	if !ok || update.Online || update.LastSeenAt == nil {
		t.Fatalf("room mate expects the offline transition, got %#v", update)
	}
}

func TestCloseDisconnectsConnectionsBeforeRunnerShutdown(t *testing.T) {
	h := newTestHub(t)
	customer := newFakeSink("conn-a", testCustomer)
	customer.onClose = func() { go h.hub.Disconnect(customer) }
	if err := h.hub.Connect(context.Background(), customer, ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.hub.Close(ctx); err != nil {
		t.Fatalf("hub close failed: %v", err)
	}
	if !customer.isClosed() {
		t.Fatalf("hub close must close live connections")
	}
	if err := h.runner.Shutdown(ctx); err != nil {
		t.Fatalf("runner shutdown failed: %v", err)
	}

	write, ok := h.lastSeen.written(testCustomer)
	if !ok || !write.at.Equal(testNow) {
		t.Fatalf("expected a durable last seen write, got %#v", write)
	}
	if write.ctxErr != nil {
		t.Fatalf("last seen write ran with a cancelled context: %v", write.ctxErr)
	}
	if err := h.hub.Connect(context.Background(), newFakeSink("conn-late", testOwner), ""); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed after close, got %v", err)
	}
}
