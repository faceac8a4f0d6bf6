package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// DefaultTenant keys the checkpoint record for tickets that belong to no
// configured tenant group.
const DefaultTenant = "default"

const (
	forwardDoc = "forward_checkpoints"
	reverseDoc = "reverse_checkpoints"
)

// ForwardCheckpoints records, per tenant, the newest Desk-to-Provider
// sync time in unix milliseconds. A checkpoint only moves forward; work
// older than it has already been reconciled.
type ForwardCheckpoints struct {
	backend Backend
	// backfill is the configured initial sync horizon, used whenever the
	// stored document is absent or unreadable.
	backfill int64

	mu sync.Mutex
}

func NewForwardCheckpoints(backend Backend, backfillMillis int64) *ForwardCheckpoints {
	return &ForwardCheckpoints{backend: backend, backfill: backfillMillis}
}

func (c *ForwardCheckpoints) load(ctx context.Context) map[string]int64 {
	data, ok, err := c.backend.Load(ctx, forwardDoc)
	if err != nil {
		log.Printf("store: forward checkpoints unreadable, falling back to backfill default: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	var records map[string]int64
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("store: forward checkpoints corrupted, falling back to backfill default: %v", err)
		return nil
	}
	return records
}

func (c *ForwardCheckpoints) save(ctx context.Context, records map[string]int64) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.backend.Save(ctx, forwardDoc, data)
}

// Get returns the tenant's checkpoint. A missing record is seeded with
// the backfill default and persisted immediately, so two concurrent
// readers agree on the horizon.
func (c *ForwardCheckpoints) Get(ctx context.Context, tenant string) (int64, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.load(ctx)
	if millis, ok := records[tenant]; ok && millis > 0 {
		return millis, nil
	}
	if records == nil {
		records = make(map[string]int64)
	}
	records[tenant] = c.backfill
	if err := c.save(ctx, records); err != nil {
		return 0, err
	}
	return c.backfill, nil
}

// Ping verifies the backing store is readable. Unlike Get it seeds
// nothing, so health probes leave the stored document untouched.
func (c *ForwardCheckpoints) Ping(ctx context.Context) error {
	_, _, err := c.backend.Load(ctx, forwardDoc)
	return err
}

// Set raises the tenant's checkpoint to millis. A value at or below the
// stored one is ignored: checkpoints never regress, so a slow pass that
// finishes late cannot roll the horizon back.
func (c *ForwardCheckpoints) Set(ctx context.Context, tenant string, millis int64) error {
	if tenant == "" {
		tenant = DefaultTenant
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.load(ctx)
	if records == nil {
		records = make(map[string]int64)
	}
	if current, ok := records[tenant]; ok && millis <= current {
		return nil
	}
	records[tenant] = millis
	return c.save(ctx, records)
}

// Clear resets every tenant to the backfill default, forcing the next
// pass to re-examine the full horizon. Markers keep the re-examination
// idempotent.
func (c *ForwardCheckpoints) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save(ctx, map[string]int64{})
}

// TicketTimeRecord is one tenant's reverse-sync frontier: the newest
// provider ticket already examined and its creation time.
type TicketTimeRecord struct {
	TicketID   string `json:"ticketId"`
	CreateTime int64  `json:"createTime"`
}

// NewerThan reports whether r is strictly ahead of other.
func (r TicketTimeRecord) NewerThan(other TicketTimeRecord) bool {
	return r.CreateTime > other.CreateTime
}

// ReverseCheckpoints records, per tenant, the reverse-sync frontier for
// Provider-to-Desk new ticket discovery.
type ReverseCheckpoints struct {
	backend  Backend
	backfill int64

	mu sync.Mutex
}

func NewReverseCheckpoints(backend Backend, backfillMillis int64) *ReverseCheckpoints {
	return &ReverseCheckpoints{backend: backend, backfill: backfillMillis}
}

func (c *ReverseCheckpoints) load(ctx context.Context) map[string]TicketTimeRecord {
	data, ok, err := c.backend.Load(ctx, reverseDoc)
	if err != nil {
		log.Printf("store: reverse checkpoints unreadable, falling back to backfill default: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	var records map[string]TicketTimeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Printf("store: reverse checkpoints corrupted, falling back to backfill default: %v", err)
		return nil
	}
	return records
}

func (c *ReverseCheckpoints) save(ctx context.Context, records map[string]TicketTimeRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.backend.Save(ctx, reverseDoc, data)
}

// Get returns the tenant's frontier, seeding and persisting the backfill
// default when no usable record exists.
func (c *ReverseCheckpoints) Get(ctx context.Context, tenant string) (TicketTimeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.load(ctx)
	if rec, ok := records[tenant]; ok && rec.CreateTime > 0 {
		return rec, nil
	}
	if records == nil {
		records = make(map[string]TicketTimeRecord)
	}
	seed := TicketTimeRecord{TicketID: "0", CreateTime: c.backfill}
	records[tenant] = seed
	if err := c.save(ctx, records); err != nil {
		return TicketTimeRecord{}, err
	}
	return seed, nil
}

// Set advances the tenant's frontier. Records that are not strictly
// newer than the stored one are ignored.
func (c *ReverseCheckpoints) Set(ctx context.Context, tenant string, rec TicketTimeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.load(ctx)
	if records == nil {
		records = make(map[string]TicketTimeRecord)
	}
	if current, ok := records[tenant]; ok && !rec.NewerThan(current) {
		return nil
	}
	records[tenant] = rec
	return c.save(ctx, records)
}

// Clear drops every tenant's frontier back to the backfill default.
func (c *ReverseCheckpoints) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save(ctx, map[string]TicketTimeRecord{})
}
