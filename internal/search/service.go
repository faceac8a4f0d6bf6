package search

import "log"

// Service is the event recording facade used by the sync engine and the
// admin API.
type Service struct {
	meili *Meili
	ring  *eventRing
}

// NewService builds the facade. meili may be nil when no Meilisearch is
// configured; queries are then served from the ring alone.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili, ring: newEventRing()}
}

// Record stores a sync event. The ring always receives it; the index is
// best effort, since losing an audit event must never fail a sync pass.
func (s *Service) Record(e SyncEvent) {
	s.ring.add(e)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexEvent(e); err != nil {
		log.Printf("search: index sync event %s: %v", e.ID, err)
	}
}

// Search returns events matching the query, newest first, falling back
// to the in-memory ring when the index is unavailable.
func (s *Service) Search(query string, limit int) []SyncEvent {
	if s.meili != nil && s.meili.Healthy() {
		events, err := s.meili.Search(query, limit)
		if err == nil {
			return events
		}
		log.Printf("search: index query failed, serving from ring: %v", err)
	}
	return s.ring.search(query, limit)
}

// Recent returns the newest recorded events.
func (s *Service) Recent(limit int) []SyncEvent {
	return s.ring.search("", limit)
}

// Close releases index resources.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
