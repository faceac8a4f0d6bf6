package search

import (
	"fmt"
	"testing"
	"time"
)

func ringEvent(i int, ticketID, cause string) SyncEvent {
	return SyncEvent{
		ID:        fmt.Sprintf("evt_%d", i),
		TicketID:  ticketID,
		Tenant:    "tenant-a",
		Direction: DirectionForward,
		Outcome:   OutcomeFailure,
		Cause:     cause,
		At:        time.Unix(int64(1700000000+i), 0),
	}
}

func TestRingNewestFirst(t *testing.T) {
	r := newEventRing()
	for i := 0; i < 5; i++ {
		r.add(ringEvent(i, "1001", "cause"))
	}
	events := r.search("", 0)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[0].ID != "evt_4" || events[4].ID != "evt_0" {
		t.Errorf("events not newest-first: first=%s last=%s", events[0].ID, events[4].ID)
	}
}

func TestRingOverflowKeepsNewest(t *testing.T) {
	r := newEventRing()
	total := ringCapacity + 10
	for i := 0; i < total; i++ {
		r.add(ringEvent(i, "1001", "cause"))
	}
	events := r.snapshot()
	if len(events) != ringCapacity {
		t.Fatalf("expected %d events, got %d", ringCapacity, len(events))
	}
	if events[0].ID != fmt.Sprintf("evt_%d", total-1) {
		t.Errorf("newest event missing after overflow: %s", events[0].ID)
	}
	// The oldest surviving event is total-ringCapacity.
	last := events[len(events)-1]
	if last.ID != fmt.Sprintf("evt_%d", total-ringCapacity) {
		t.Errorf("unexpected oldest event: %s", last.ID)
	}
}

func TestRingSearchFilters(t *testing.T) {
	r := newEventRing()
	r.add(ringEvent(1, "1001", "provider api returned 500"))
	r.add(ringEvent(2, "2002", "attachment upload rejected"))
	r.add(ringEvent(3, "1001", "timeout"))

	byTicket := r.search("1001", 0)
	if len(byTicket) != 2 {
		t.Errorf("expected 2 events for ticket query, got %d", len(byTicket))
	}
	byCause := r.search("upload", 0)
	if len(byCause) != 1 || byCause[0].TicketID != "2002" {
		t.Errorf("cause query mismatch: %+v", byCause)
	}
	if got := r.search("nothing-matches", 0); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestRingSearchLimit(t *testing.T) {
	r := newEventRing()
	for i := 0; i < 10; i++ {
		r.add(ringEvent(i, "1001", "cause"))
	}
	if got := r.search("", 3); len(got) != 3 {
		t.Errorf("expected limit 3, got %d", len(got))
	}
}

func TestServiceFallsBackWithoutIndex(t *testing.T) {
	s := NewService(nil)
	s.Record(ringEvent(1, "1001", "provider api returned 500"))

	events := s.Search("1001", 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event from ring fallback, got %d", len(events))
	}
	if events[0].TicketID != "1001" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if got := s.Recent(10); len(got) != 1 {
		t.Errorf("Recent should serve from ring, got %d", len(got))
	}
}
