package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"deskbridge/api/internal/desk"
	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/marker"
	"deskbridge/api/internal/provider"
	"deskbridge/api/internal/search"
	"deskbridge/api/internal/store"
	"deskbridge/api/internal/util"
)

// BrandAccount names one provider brand whose new tickets are mirrored
// into the helpdesk, with the account credentials used to list them.
type BrandAccount struct {
	BrandID   string
	Tenant    string
	AccountID string
}

// ReverseSyncer mirrors tickets that first appeared on the provider side
// into the helpdesk. It keeps a per-tenant frontier of the newest ticket
// it has seen so each pass only examines new arrivals.
type ReverseSyncer struct {
	desk        DeskAPI
	providerFor ProviderFactory
	directory   *directory.Cache
	registry    *store.TicketRegistry
	reverse     *store.ReverseCheckpoints
	events      *search.Service
	now         func() time.Time
}

func NewReverseSyncer(
	deskAPI DeskAPI,
	providerFor ProviderFactory,
	dir *directory.Cache,
	registry *store.TicketRegistry,
	reverse *store.ReverseCheckpoints,
	events *search.Service,
) *ReverseSyncer {
	return &ReverseSyncer{
		desk:        deskAPI,
		providerFor: providerFor,
		directory:   dir,
		registry:    registry,
		reverse:     reverse,
		events:      events,
		now:         time.Now,
	}
}

// SyncBrand mirrors the brand's provider tickets created since the
// tenant's reverse frontier. The frontier only advances past a ticket
// once its mirror exists, so a failed creation is retried next pass.
func (s *ReverseSyncer) SyncBrand(ctx context.Context, papi ProviderAPI, ba BrandAccount) error {
	frontier, err := s.reverse.Get(ctx, ba.Tenant)
	if err != nil {
		return fmt.Errorf("engine: reverse frontier of %s: %w", ba.Tenant, err)
	}

	tickets, err := papi.TicketsCreatedAfter(ctx, ba.BrandID, frontier.CreateTime)
	if err != nil {
		return fmt.Errorf("engine: list brand %s tickets: %w", ba.BrandID, err)
	}

	for _, pt := range tickets {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := store.TicketTimeRecord{TicketID: pt.ID, CreateTime: pt.CreatedAt.UnixMilli()}
		if !rec.NewerThan(frontier) {
			continue
		}
		if err := s.MirrorTicket(ctx, papi, ba, pt); err != nil {
			s.recordFailure(ba, pt, err)
			return fmt.Errorf("engine: mirror provider ticket %s: %w", pt.ID, err)
		}
		frontier = rec
		if err := s.reverse.Set(ctx, ba.Tenant, frontier); err != nil {
			return fmt.Errorf("engine: advance reverse frontier of %s: %w", ba.Tenant, err)
		}
	}
	return nil
}

// MirrorTicket creates the helpdesk counterpart of one provider ticket.
// Tickets whose body carries a desk marker originated here and are
// skipped, as are tickets already linked through the registry.
func (s *ReverseSyncer) MirrorTicket(ctx context.Context, papi ProviderAPI, ba BrandAccount, pt provider.Ticket) error {
	if s.registry.IsProviderLinked(ctx, pt.ID) {
		return nil
	}

	body, err := papi.FirstUpdate(ctx, pt.ID)
	if err != nil {
		return fmt.Errorf("read ticket body: %w", err)
	}
	if marker.Tagged(body.Body, marker.LabelDesk, marker.ProviderLinefeed) {
		return nil
	}

	account, ok := s.directory.Customer(ctx, ba.Tenant, pt.AccountID)
	if !ok {
		if err := s.directory.AddTenant(ctx, ba.Tenant); err != nil {
			return fmt.Errorf("refresh tenant %s: %w", ba.Tenant, err)
		}
		account, ok = s.directory.Customer(ctx, ba.Tenant, pt.AccountID)
	}
	if !ok {
		return fmt.Errorf("no requester account %s in tenant %s", pt.AccountID, ba.Tenant)
	}

	description := marker.Append(body.Body, marker.LabelProvider, pt.ID, pt.CreatedAt,
		marker.ProviderLinefeed, marker.DeskLinefeed)
	created, err := s.desk.CreateTicket(ctx, desk.NewTicket{
		Subject:         fmt.Sprintf("[%s] %s", body.EditorType, pt.Title),
		DescriptionHTML: description,
		RequesterEmail:  account.Email,
		Tenant:          ba.Tenant,
		Status:          desk.StatusOpen,
	})
	if err != nil {
		return fmt.Errorf("create desk ticket: %w", err)
	}

	if err := s.desk.UpdateCustomFields(ctx, created.ID, map[string]any{
		FieldProviderTicketID: pt.ID,
		FieldAccountID:        pt.AccountID,
	}); err != nil {
		return fmt.Errorf("link desk ticket %s: %w", created.ID, err)
	}
	if err := s.registry.Add(ctx, created.ID, ba.Tenant); err != nil {
		return fmt.Errorf("register desk ticket %s: %w", created.ID, err)
	}
	if err := s.registry.LinkProvider(ctx, created.ID, pt.ID); err != nil {
		return fmt.Errorf("register provider link for %s: %w", created.ID, err)
	}

	log.Printf("engine: mirrored provider ticket %s as desk ticket %s", pt.ID, created.ID)
	if s.events != nil {
		s.events.Record(search.SyncEvent{
			ID:        util.NewID("evt"),
			TicketID:  created.ID,
			Tenant:    ba.Tenant,
			Direction: search.DirectionReverse,
			Outcome:   search.OutcomeSuccess,
			At:        s.now(),
		})
	}
	return nil
}

func (s *ReverseSyncer) recordFailure(ba BrandAccount, pt provider.Ticket, cause error) {
	if s.events == nil {
		return
	}
	s.events.Record(search.SyncEvent{
		ID:        util.NewID("evt"),
		TicketID:  pt.ID,
		Tenant:    ba.Tenant,
		Direction: search.DirectionReverse,
		Outcome:   search.OutcomeFailure,
		ErrorKind: marker.ErrorTicketCreation.String(),
		Cause:     cause.Error(),
		At:        s.now(),
	})
}
