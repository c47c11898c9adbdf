package presence

import (
	"strings"
	"sync"

	"github.com/samber/lo"
)

// DefaultWatchLimit caps how many subjects one connection may watch.
const DefaultWatchLimit = 200

// WatchRegistry tracks which connections want presence pushes for which users,
// with a reverse index for fan-out.
type WatchRegistry struct {
	mu        sync.RWMutex
	limit     int
	byConn    map[string][]string
	bySubject map[string]map[string]struct{}
}

// NewWatchRegistry constructs a registry with the given per-connection cap.
func NewWatchRegistry(limit int) *WatchRegistry {
	if limit <= 0 {
		limit = DefaultWatchLimit
	}
	return &WatchRegistry{
		limit:     limit,
		byConn:    make(map[string][]string),
		bySubject: make(map[string]map[string]struct{}),
	}
}

// Watch replaces the connection's subscription set and returns the accepted
// subjects: trimmed, deduplicated, without ownerID, truncated to the cap.
func (r *WatchRegistry) Watch(connID, ownerID string, subjects []string) []string {
	accepted := lo.Uniq(lo.FilterMap(subjects, func(subject string, _ int) (string, bool) {
		subject = strings.TrimSpace(subject)
		return subject, subject != "" && subject != ownerID
	}))
	if len(accepted) > r.limit {
		accepted = accepted[:r.limit]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
	if len(accepted) == 0 {
		return accepted
	}
	r.byConn[connID] = accepted
	for _, subject := range accepted {
		watchers, ok := r.bySubject[subject]
		if !ok {
			watchers = make(map[string]struct{})
			r.bySubject[subject] = watchers
		}
		watchers[connID] = struct{}{}
	}
	return accepted
}

// UnwatchAll drops every subscription held by the connection.
func (r *WatchRegistry) UnwatchAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

func (r *WatchRegistry) removeLocked(connID string) {
	for _, subject := range r.byConn[connID] {
		watchers := r.bySubject[subject]
		delete(watchers, connID)
		if len(watchers) == 0 {
			delete(r.bySubject, subject)
		}
	}
	delete(r.byConn, connID)
}

// Watchers returns the connections currently watching subjectID.
func (r *WatchRegistry) Watchers(subjectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.bySubject[subjectID])
}

// Subjects returns the subjects the connection watches.
func (r *WatchRegistry) Subjects(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byConn[connID]...)
}
