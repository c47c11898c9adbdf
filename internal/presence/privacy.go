package presence

import "sync"

// Settings are a user's privacy toggles.
type Settings struct {
	ShowConnectionStatus bool `json:"showConnectionStatus"`
	ShowReadReceipts     bool `json:"showReadReceipts"`
}

// DefaultSettings reveals everything until the user opts out.
func DefaultSettings() Settings {
	return Settings{ShowConnectionStatus: true, ShowReadReceipts: true}
}

// SettingsUpdate is a partial update; nil fields are left unchanged.
type SettingsUpdate struct {
	ShowConnectionStatus *bool
	ShowReadReceipts     *bool
}

// PrivacyStore holds per-user privacy settings.
type PrivacyStore interface {
	Get(userID string) Settings
	Apply(userID string, update SettingsUpdate) Settings
}

// MemoryPrivacyStore keeps settings in process memory. Entries are created on
// the first update.
type MemoryPrivacyStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewMemoryPrivacyStore constructs an empty store.
func NewMemoryPrivacyStore() *MemoryPrivacyStore {
	return &MemoryPrivacyStore{settings: make(map[string]Settings)}
}

func (s *MemoryPrivacyStore) Get(userID string) Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if settings, ok := s.settings[userID]; ok {
		return settings
	}
	return DefaultSettings()
}

func (s *MemoryPrivacyStore) Apply(userID string, update SettingsUpdate) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[userID]
	if !ok {
		settings = DefaultSettings()
	}
	if update.ShowConnectionStatus != nil {
		settings.ShowConnectionStatus = *update.ShowConnectionStatus
	}
	if update.ShowReadReceipts != nil {
		settings.ShowReadReceipts = *update.ShowReadReceipts
	}
	s.settings[userID] = settings
	return settings
}
