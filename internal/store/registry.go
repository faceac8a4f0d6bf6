package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const registryDoc = "ticket_registry"

// ErrorRecord is the last error note posted on a ticket, kept so note
// deduplication survives restarts.
type ErrorRecord struct {
	Kind  string    `json:"kind"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// TicketRecord is one monitored Desk ticket and its link state.
type TicketRecord struct {
	DeskID     string    `json:"deskId"`
	Tenant     string    `json:"tenant"`
	ProviderID string    `json:"providerId,omitempty"`
	Escalated  bool      `json:"escalated,omitempty"`
	AddedAt    time.Time `json:"addedAt"`

	LastError *ErrorRecord `json:"lastError,omitempty"`
}

// TicketRegistry is the set of Desk tickets the service monitors,
// together with their provider links and error-note state.
type TicketRegistry struct {
	backend Backend

	mu sync.Mutex
}

func NewTicketRegistry(backend Backend) *TicketRegistry {
	return &TicketRegistry{backend: backend}
}

func (r *TicketRegistry) load(ctx context.Context) map[string]TicketRecord {
	data, ok, err := r.backend.Load(ctx, registryDoc)
	if err != nil {
		log.Printf("store: ticket registry unreadable, starting empty: %v", err)
		return make(map[string]TicketRecord)
	}
	if !ok {
		return make(map[string]TicketRecord)
	}
	var records map[string]TicketRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("store: ticket registry corrupted, starting empty: %v", err)
		return make(map[string]TicketRecord)
	}
	return records
}

func (r *TicketRegistry) save(ctx context.Context, records map[string]TicketRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return r.backend.Save(ctx, registryDoc, data)
}

// Add registers a ticket for monitoring. Re-adding an existing ticket
// keeps its link and error state.
func (r *TicketRegistry) Add(ctx context.Context, deskID, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	if rec, ok := records[deskID]; ok {
		if rec.Tenant == tenant {
			return nil
		}
		rec.Tenant = tenant
		records[deskID] = rec
		return r.save(ctx, records)
	}
	records[deskID] = TicketRecord{DeskID: deskID, Tenant: tenant, AddedAt: time.Now()}
	return r.save(ctx, records)
}

// Remove drops the ticket from monitoring.
func (r *TicketRegistry) Remove(ctx context.Context, deskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	if _, ok := records[deskID]; !ok {
		return nil
	}
	delete(records, deskID)
	return r.save(ctx, records)
}

// IsMonitored reports whether the ticket is registered.
func (r *TicketRegistry) IsMonitored(ctx context.Context, deskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.load(ctx)[deskID]
	return ok
}

// Get returns the ticket's record.
func (r *TicketRegistry) Get(ctx context.Context, deskID string) (TicketRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.load(ctx)[deskID]
	return rec, ok
}

// All returns every registered record.
func (r *TicketRegistry) All(ctx context.Context) []TicketRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	out := make([]TicketRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out
}

// LinkProvider records the provider ticket mirroring deskID.
func (r *TicketRegistry) LinkProvider(ctx context.Context, deskID, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	rec, ok := records[deskID]
	if !ok {
		rec = TicketRecord{DeskID: deskID, AddedAt: time.Now()}
	}
	rec.ProviderID = providerID
	records[deskID] = rec
	return r.save(ctx, records)
}

// IsProviderLinked reports whether any monitored ticket already mirrors
// the given provider ticket. Reverse sync uses this to avoid creating a
// second Desk ticket for the same provider ticket.
func (r *TicketRegistry) IsProviderLinked(ctx context.Context, providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.load(ctx) {
		if rec.ProviderID == providerID {
			return true
		}
	}
	return false
}

// SetEscalated records the ticket's escalation flag.
func (r *TicketRegistry) SetEscalated(ctx context.Context, deskID string, escalated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	rec, ok := records[deskID]
	if !ok || rec.Escalated == escalated {
		return nil
	}
	rec.Escalated = escalated
	records[deskID] = rec
	return r.save(ctx, records)
}

// LastError returns the last error note recorded for the ticket.
func (r *TicketRegistry) LastError(ctx context.Context, deskID string) (ErrorRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.load(ctx)[deskID]
	if !ok || rec.LastError == nil {
		return ErrorRecord{}, false
	}
	return *rec.LastError, true
}

// SetLastError records the error note just posted on the ticket.
func (r *TicketRegistry) SetLastError(ctx context.Context, deskID string, e ErrorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.load(ctx)
	rec, ok := records[deskID]
	if !ok {
		rec = TicketRecord{DeskID: deskID, AddedAt: time.Now()}
	}
	rec.LastError = &e
	records[deskID] = rec
	return r.save(ctx, records)
}
