package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const urlMapDoc = "ticket_urls"

type urlMapDocument struct {
	UpdatedTime   int64             `json:"updatedTime"`
	TicketURLList map[string]string `json:"ticketUrlList"`
}

// TicketURLMap maps Desk ticket ids to their public portal URLs. A
// ticket's URL is write-once: the first writer wins and later writes for
// the same id are ignored, since the portal URL of a ticket never
// changes for its lifetime.
type TicketURLMap struct {
	backend Backend

	mu sync.Mutex
}

func NewTicketURLMap(backend Backend) *TicketURLMap {
	return &TicketURLMap{backend: backend}
}

func (m *TicketURLMap) load(ctx context.Context) urlMapDocument {
	doc := urlMapDocument{TicketURLList: make(map[string]string)}
	data, ok, err := m.backend.Load(ctx, urlMapDoc)
	if err != nil {
		log.Printf("store: ticket url map unreadable, starting empty: %v", err)
		return doc
	}
	if !ok {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("store: ticket url map corrupted, starting empty: %v", err)
		return urlMapDocument{TicketURLList: make(map[string]string)}
	}
	if doc.TicketURLList == nil {
		doc.TicketURLList = make(map[string]string)
	}
	return doc
}

func (m *TicketURLMap) save(ctx context.Context, doc urlMapDocument) error {
	doc.UpdatedTime = time.Now().UnixMilli()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return m.backend.Save(ctx, urlMapDoc, data)
}

// SetPublicURL records the ticket's portal URL unless one is already
// known. Every effective write persists the whole map.
func (m *TicketURLMap) SetPublicURL(ctx context.Context, ticketID, publicURL string) error {
	if ticketID == "" || publicURL == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.load(ctx)
	if _, ok := doc.TicketURLList[ticketID]; ok {
		return nil
	}
	doc.TicketURLList[ticketID] = publicURL
	return m.save(ctx, doc)
}

// PublicURL returns the recorded URL for the ticket, or "" when none is
// known.
func (m *TicketURLMap) PublicURL(ctx context.Context, ticketID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx).TicketURLList[ticketID]
}

// Erase removes the ticket's entry, allowing a future SetPublicURL to
// record a fresh URL (used when a ticket is deleted and its id reused by
// a re-import).
func (m *TicketURLMap) Erase(ctx context.Context, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.load(ctx)
	if _, ok := doc.TicketURLList[ticketID]; !ok {
		return nil
	}
	delete(doc.TicketURLList, ticketID)
	return m.save(ctx, doc)
}

// Len reports how many tickets have recorded URLs.
func (m *TicketURLMap) Len(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.load(ctx).TicketURLList)
}
