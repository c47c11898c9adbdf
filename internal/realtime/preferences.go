package realtime

import "sync"

// EmailPreferences holds the per-user chat email opt-in set by
// chat:emailNotifications during the user's current session. Absent users are
// opted out.
type EmailPreferences struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewEmailPreferences constructs an empty preference table.
func NewEmailPreferences() *EmailPreferences {
	return &EmailPreferences{enabled: make(map[string]bool)}
}

func (p *EmailPreferences) Set(userID string, enabled bool) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[userID] = enabled
}

func (p *EmailPreferences) Enabled(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled[userID]
}

// Clear drops the user's opt-in.
func (p *EmailPreferences) Clear(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.enabled, userID)
}
