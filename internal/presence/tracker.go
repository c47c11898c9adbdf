package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LastSeenStore persists last-seen timestamps beyond the process lifetime.
type LastSeenStore interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (*time.Time, error)
}

// Scheduler runs best-effort tasks off the caller's path.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Visibility is what a viewer may learn about a subject's presence.
type Visibility struct {
	UserID     string     `json:"userId"`
	Visible    bool       `json:"visible"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
}

// TrackerConfig wires the tracker dependencies.
type TrackerConfig struct {
	Store     Store
	Privacy   PrivacyStore
	LastSeen  LastSeenStore
	Scheduler Scheduler
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Tracker maintains per-user connection counts and computes privacy-gated
// visibility.
type Tracker struct {
	store     Store
	privacy   PrivacyStore
	lastSeen  LastSeenStore
	scheduler Scheduler
	clock     func() time.Time
	logger    *zap.Logger
}

// NewTracker constructs a Tracker with in-memory defaults for missing stores.
func NewTracker(cfg TrackerConfig) *Tracker {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	privacy := cfg.Privacy
	if privacy == nil {
		privacy = NewMemoryPrivacyStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:     store,
		privacy:   privacy,
		lastSeen:  cfg.LastSeen,
		scheduler: cfg.Scheduler,
		clock:     clock,
		logger:    logger,
	}
}

// Privacy exposes the settings store the tracker evaluates.
func (t *Tracker) Privacy() PrivacyStore {
	return t.privacy
}

// Connect records a new connection and reports whether the user came online.
func (t *Tracker) Connect(userID string) bool {
	if userID == "" {
		return false
	}
	_, cameOnline := t.store.Increment(userID)
	return cameOnline
}

// Disconnect removes a connection and reports whether the user went offline.
// The durable last-seen write is scheduled after the counter is updated.
func (t *Tracker) Disconnect(userID string) bool {
	if userID == "" {
		return false
	}
	state, wentOffline := t.store.Decrement(userID, t.clock().UTC())
	if !wentOffline || t.lastSeen == nil || state.LastSeenAt == nil {
		return wentOffline
	}
	at := *state.LastSeenAt
	write := func(ctx context.Context) error {
		return t.lastSeen.RecordLastSeen(ctx, userID, at)
	}
	if t.scheduler != nil {
		t.scheduler.Go("presence.last_seen", write)
	} else if err := write(context.Background()); err != nil {
		t.logger.Warn("last seen write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return wentOffline
}

// IsOnline reports whether the user has a live connection.
func (t *Tracker) IsOnline(userID string) bool {
	return t.store.Get(userID).Online()
}

// LastSeen returns the last-seen time, or nil while online or never seen.
func (t *Tracker) LastSeen(userID string) *time.Time {
	state := t.store.Get(userID)
	if state.Online() {
		return nil
	}
	return state.LastSeenAt
}

// VisibilityFor evaluates both users' connection-status toggles. A hidden
// result is indistinguishable from a user that was never seen.
func (t *Tracker) VisibilityFor(viewerID, subjectID string) Visibility {
	visible := t.privacy.Get(viewerID).ShowConnectionStatus && t.privacy.Get(subjectID).ShowConnectionStatus
	if !visible {
		return Visibility{UserID: subjectID}
	}
	state := t.store.Get(subjectID)
	if state.Online() {
		return Visibility{UserID: subjectID, Visible: true, Online: true}
	}
	return Visibility{UserID: subjectID, Visible: true, LastSeenAt: state.LastSeenAt}
}

// Prime loads durable last-seen values for users this process has not seen
// since it started.
func (t *Tracker) Prime(ctx context.Context, userIDs []string) {
	if t.lastSeen == nil {
		return
	}
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		state := t.store.Get(userID)
		if state.Online() || state.LastSeenAt != nil {
			continue
		}
		at, err := t.lastSeen.LastSeen(ctx, userID)
		if err != nil {
			t.logger.Debug("last seen lookup failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if at != nil {
			t.store.SeedLastSeen(userID, at.UTC())
		}
	}
}
