// Package search records sync events and makes them searchable for
// operators. Events are indexed in Meilisearch when it is reachable and
// always mirrored into a bounded in-memory ring, which serves queries
// whenever the index is down.
package search

import (
	"strings"
	"sync"
	"time"
)

// Sync directions.
const (
	DirectionForward = "forward"
	DirectionReverse = "reverse"
)

// Event outcomes. A partial pass finished without error but stopped at
// the conversation cap; the remainder resumes on a later pass.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// SyncEvent is one recorded pass outcome.
type SyncEvent struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	Tenant    string    `json:"tenant"`
	Direction string    `json:"direction"`
	Outcome   string    `json:"outcome"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

const ringCapacity = 1024

// eventRing keeps the newest events in arrival order.
type eventRing struct {
	mu     sync.RWMutex
	events []SyncEvent
	next   int
	full   bool
}

func newEventRing() *eventRing {
	return &eventRing{events: make([]SyncEvent, ringCapacity)}
}

func (r *eventRing) add(e SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the stored events, newest first.
func (r *eventRing) snapshot() []SyncEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := r.next
	if r.full {
		size = len(r.events)
	}
	out := make([]SyncEvent, 0, size)
	for i := 0; i < size; i++ {
		idx := (r.next - 1 - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}

// search scans the ring for events whose ticket id, tenant, error kind
// or cause contains the query, newest first.
func (r *eventRing) search(query string, limit int) []SyncEvent {
	query = strings.ToLower(strings.TrimSpace(query))
	var out []SyncEvent
	for _, e := range r.snapshot() {
		if query != "" && !eventMatches(e, query) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func eventMatches(e SyncEvent, loweredQuery string) bool {
	for _, field := range []string{e.TicketID, e.Tenant, e.ErrorKind, e.Cause, e.Outcome} {
		if strings.Contains(strings.ToLower(field), loweredQuery) {
			return true
		}
	}
	return false
}
