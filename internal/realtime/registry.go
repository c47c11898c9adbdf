package realtime

import "sync"

// Registry indexes live connections by id and by owning user. A user's
// connections form that user's personal channel.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Sink
	byUser map[string]map[string]Sink
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Sink),
		byUser: make(map[string]map[string]Sink),
	}
}

// Add registers a connection.
func (r *Registry) Add(sink Sink) {
	if sink == nil || sink.ID() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sink.ID()] = sink
	userID := sink.UserID()
	if userID == "" {
		return
	}
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]Sink)
	}
	r.byUser[userID][sink.ID()] = sink
}

// Remove drops a connection and returns it when it was registered.
func (r *Registry) Remove(connID string) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ok := r.byID[connID]
	if !ok {
		return nil, false
	}
	delete(r.byID, connID)
	if sinks := r.byUser[sink.UserID()]; sinks != nil {
		delete(sinks, connID)
		if len(sinks) == 0 {
			delete(r.byUser, sink.UserID())
		}
	}
	return sink, true
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sinks := make([]Sink, 0, len(r.byID))
	for _, sink := range r.byID {
		sinks = append(sinks, sink)
	}
	return sinks
}

// Lookup resolves connection ids, skipping those that have gone away.
func (r *Registry) Lookup(connIDs []string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sinks := make([]Sink, 0, len(connIDs))
	for _, connID := range connIDs {
		if sink, ok := r.byID[connID]; ok {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// ForUser returns a snapshot of the user's connections.
func (r *Registry) ForUser(userID string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sinks := r.byUser[userID]
	copies := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		copies = append(copies, sink)
	}
	return copies
}

// HasUser reports whether the user has any live connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}
