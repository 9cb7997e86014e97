// Package state tracks endpoints recently seen on the signaling channel.
// The table feeds the presentation layer's peer list and the requester's
// view of which experts look reachable; eligibility for dispatch is still
// decided upstream.
package state

import (
	"sync"
	"time"
)

// SeenEndpoint is one endpoint's presence entry.
type SeenEndpoint struct {
	Role         string
	DisplayName  string
	Reachable    bool
	LastSeen     time.Time
	OfflineSince time.Time
}

// Event notifies subscribers of table changes.
type Event struct {
	Type       string // "update" or "remove"
	EndpointID string
	Endpoint   *SeenEndpoint
}

// Table is a TTL'd presence table. Entries are touched whenever an envelope
// arrives from their endpoint and pruned when silent too long.
type Table struct {
	mu        sync.Mutex
	endpoints map[string]SeenEndpoint
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{endpoints: map[string]SeenEndpoint{}}
}

// Upsert records a sighting with whatever metadata accompanied it.
func (t *Table) Upsert(id, role, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.endpoints[id]
	if role != "" {
		e.Role = role
	}
	if displayName != "" {
		e.DisplayName = displayName
	}
	e.Reachable = true
	e.LastSeen = time.Now()
	e.OfflineSince = time.Time{}
	t.endpoints[id] = e
	t.notify(Event{Type: "update", EndpointID: id, Endpoint: &e})
}

// Touch refreshes LastSeen without changing metadata. Unknown ids are added
// bare — an envelope from an endpoint is proof enough it exists.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.endpoints[id]
	e.Reachable = true
	e.LastSeen = time.Now()
	e.OfflineSince = time.Time{}
	t.endpoints[id] = e
}

// Get returns the entry for id.
func (t *Table) Get(id string) (SeenEndpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.endpoints[id]
	return e, ok
}

// Snapshot returns a copy of the table.
func (t *Table) Snapshot() map[string]SeenEndpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenEndpoint, len(t.endpoints))
	for k, v := range t.endpoints {
		cp[k] = v
	}
	return cp
}

// PruneStale marks silent endpoints offline after the TTL and removes
// offline ones after the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.endpoints {
		if e.OfflineSince.IsZero() {
			if e.LastSeen.Before(ttlCutoff) {
				e.Reachable = false
				e.OfflineSince = time.Now()
				t.endpoints[id] = e
				t.notify(Event{Type: "update", EndpointID: id, Endpoint: &e})
			}
		} else if e.OfflineSince.Before(graceCutoff) {
			delete(t.endpoints, id)
			t.notify(Event{Type: "remove", EndpointID: id})
		}
	}
}

// Subscribe returns a channel of table events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe detaches and closes a subscriber channel.
func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
