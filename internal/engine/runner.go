package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/store"
)

// Runner owns the sync workers. Tickets are single-flighted: triggering
// a ticket that is already queued or running does not start a second
// pass, it marks the ticket for one rerun after the current pass ends.
// That way a webhook arriving mid-pass is never lost and never piles up.
type Runner struct {
	reconciler *Reconciler
	reverse    *ReverseSyncer
	registry   *store.TicketRegistry
	directory  *directory.Cache
	brands     []BrandAccount
	workers    int
	interval   time.Duration

	queue chan string

	mu      sync.Mutex
	state   map[string]*flight
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type flight struct {
	running bool
	pending bool
}

func NewRunner(
	reconciler *Reconciler,
	reverse *ReverseSyncer,
	registry *store.TicketRegistry,
	dir *directory.Cache,
	brands []BrandAccount,
	workers int,
	interval time.Duration,
) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		reconciler: reconciler,
		reverse:    reverse,
		registry:   registry,
		directory:  dir,
		brands:     brands,
		workers:    workers,
		interval:   interval,
		queue:      make(chan string, 256),
		state:      make(map[string]*flight),
	}
}

// Start launches the worker pool and, when an interval is configured,
// the periodic scheduler.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	if r.interval > 0 {
		r.wg.Add(1)
		go r.schedule(ctx)
	}
}

// Stop drains the workers. In-flight passes finish; queued tickets are
// dropped and picked up again by the next scheduled run.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Trigger requests a sync pass for the ticket. It never blocks: when the
// queue is full or the ticket is already in flight the request coalesces
// into a pending rerun.
func (r *Runner) Trigger(deskTicketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	f, ok := r.state[deskTicketID]
	if ok {
		f.pending = true
		return
	}
	select {
	case r.queue <- deskTicketID:
		r.state[deskTicketID] = &flight{}
	default:
		// Queue full. Drop the request; the scheduler's next sweep
		// re-triggers every monitored ticket anyway.
		log.Printf("engine: sync queue full, deferring ticket %s", deskTicketID)
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ticketID := <-r.queue:
			r.runOne(ctx, ticketID)
		}
	}
}

func (r *Runner) runOne(ctx context.Context, ticketID string) {
	r.mu.Lock()
	f := r.state[ticketID]
	if f == nil {
		f = &flight{}
		r.state[ticketID] = f
	}
	f.running = true
	f.pending = false
	r.mu.Unlock()

	if err := r.reconciler.SyncTicket(ctx, ticketID); err != nil {
		log.Printf("engine: sync pass for ticket %s failed: %v", ticketID, err)
	}

	r.mu.Lock()
	rerun := f.pending && !r.stopped
	delete(r.state, ticketID)
	r.mu.Unlock()
	if rerun {
		r.Trigger(ticketID)
	}
}

// schedule triggers every monitored ticket and every reverse brand on
// the configured interval.
func (r *Runner) schedule(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	for _, rec := range r.registry.All(ctx) {
		r.Trigger(rec.DeskID)
	}
	r.runReverse(ctx)
}

func (r *Runner) runReverse(ctx context.Context) {
	if r.reverse == nil {
		return
	}
	for _, ba := range r.brands {
		account, ok := r.directory.Customer(ctx, ba.Tenant, ba.AccountID)
		if !ok {
			if err := r.directory.AddTenant(ctx, ba.Tenant); err != nil {
				log.Printf("engine: reverse sweep: refresh tenant %s: %v", ba.Tenant, err)
				continue
			}
			account, ok = r.directory.Customer(ctx, ba.Tenant, ba.AccountID)
		}
		if !ok {
			log.Printf("engine: reverse sweep: no credentials for brand %s", ba.BrandID)
			continue
		}
		papi := r.reverse.providerFor(account)
		if err := r.reverse.SyncBrand(ctx, papi, ba); err != nil {
			log.Printf("engine: reverse sweep for brand %s: %v", ba.BrandID, err)
		}
	}
}
