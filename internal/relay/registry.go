package relay

import (
	"sync"

	"github.com/t-web/relayq/internal/request"
)

// registration pairs one waiting listener with the tag its caller supplied.
type registration struct {
	listener Listener
	tag      string
}

// ListenerRegistry maps in-flight request identities to the ordered callers
// awaiting them. Registration happens on caller goroutines while take
// operations arrive from transport workers; every lookup-then-mutate runs
// under one lock so exactly one of {notify, cancel} can win an identity.
type ListenerRegistry struct {
	mu      sync.Mutex
	entries map[request.Identity][]registration
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		entries: make(map[request.Identity][]registration),
	}
}

// Register appends the listener to the identity's sequence, creating it when
// absent, and reports whether this was the first registration. A first
// registration must be paired with exactly one later take.
func (r *ListenerRegistry) Register(id request.Identity, l Listener, tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[id]
	r.entries[id] = append(r.entries[id], registration{listener: l, tag: tag})
	return !exists
}

// TakeAll atomically fetches and removes the identity's sequence. The second
// return reports whether anyone was waiting.
func (r *ListenerRegistry) TakeAll(id request.Identity) ([]registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return regs, true
}

// TakeIfOwnedBy removes and returns the sequence only when every registered
// listener is the given owner. Used by listener-scoped cancellation.
func (r *ListenerRegistry) TakeIfOwnedBy(id request.Identity, owner Listener) ([]registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	for _, reg := range regs {
		if reg.listener != owner {
			return nil, false
		}
	}
	delete(r.entries, id)
	return regs, true
}

// Count reports distinct in-flight identities, not total listeners.
func (r *ListenerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every entry without notifying anyone. Hard resets only; never
// part of the response path.
func (r *ListenerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[request.Identity][]registration)
}
