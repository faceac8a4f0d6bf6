// Package app exposes the bridge's operator surface: ticket monitoring,
// manual sync triggers, escalation, checkpoint administration and the
// sync event audit log.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"deskbridge/api/internal/authpw"
	"deskbridge/api/internal/config"
	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/engine"
	"deskbridge/api/internal/marker"
	"deskbridge/api/internal/search"
	"deskbridge/api/internal/store"
	"deskbridge/api/internal/util"
)

// syncTrigger enqueues forward sync passes.
type syncTrigger interface {
	Trigger(deskTicketID string)
}

// deskGateway is the slice of the helpdesk client the operator surface
// needs directly.
type deskGateway interface {
	UpdateCustomFields(ctx context.Context, ticketID string, fields map[string]any) error
	PublicURL(ticketID string) string
}

// TicketStatus is the operator view of one monitored ticket.
type TicketStatus struct {
	DeskID     string             `json:"deskId"`
	Tenant     string             `json:"tenant"`
	ProviderID string             `json:"providerId,omitempty"`
	Escalated  bool               `json:"escalated"`
	AddedAt    time.Time          `json:"addedAt"`
	PublicURL  string             `json:"publicUrl,omitempty"`
	LastError  *store.ErrorRecord `json:"lastError,omitempty"`
}

type Deps struct {
	Registry    *store.TicketRegistry
	Forward     *store.ForwardCheckpoints
	Reverse     *store.ReverseCheckpoints
	URLs        *store.TicketURLMap
	Directory   *directory.Cache
	Events      *search.Service
	Desk        deskGateway
	ProviderFor engine.ProviderFactory
	Mirror      *engine.ReverseSyncer
	Trigger     syncTrigger
	Admin       *authpw.Service
}

type Service struct {
	cfg config.Config

	registry    *store.TicketRegistry
	forward     *store.ForwardCheckpoints
	reverse     *store.ReverseCheckpoints
	urls        *store.TicketURLMap
	directory   *directory.Cache
	events      *search.Service
	desk        deskGateway
	providerFor engine.ProviderFactory
	mirror      *engine.ReverseSyncer
	trigger     syncTrigger
	admin       *authpw.Service
}

func New(cfg config.Config, d Deps) *Service {
	return &Service{
		cfg:         cfg,
		registry:    d.Registry,
		forward:     d.Forward,
		reverse:     d.Reverse,
		urls:        d.URLs,
		directory:   d.Directory,
		events:      d.Events,
		desk:        d.Desk,
		providerFor: d.ProviderFor,
		mirror:      d.Mirror,
		trigger:     d.Trigger,
		admin:       d.Admin,
	}
}

// AdminAuth returns the admin credential checker.
func (s *Service) AdminAuth() *authpw.Service {
	return s.admin
}

// TriggerSync enqueues a forward pass for the ticket.
func (s *Service) TriggerSync(ctx context.Context, deskID string) error {
	if deskID == "" {
		return domainError(http.StatusBadRequest, "INVALID_TICKET_ID", "ticket id required", nil)
	}
	s.trigger.Trigger(deskID)
	return nil
}

// AddMonitor registers a ticket for continuous reconciliation and kicks
// off its first pass.
func (s *Service) AddMonitor(ctx context.Context, deskID, tenant string) error {
	if deskID == "" {
		return domainError(http.StatusBadRequest, "INVALID_TICKET_ID", "ticket id required", nil)
	}
	if tenant == "" {
		tenant = store.DefaultTenant
	}
	if err := s.registry.Add(ctx, deskID, tenant); err != nil {
		return fmt.Errorf("app: register ticket %s: %w", deskID, err)
	}
	s.trigger.Trigger(deskID)
	return nil
}

// RemoveMonitor drops a ticket from reconciliation.
func (s *Service) RemoveMonitor(ctx context.Context, deskID string) error {
	if err := s.registry.Remove(ctx, deskID); err != nil {
		return fmt.Errorf("app: unregister ticket %s: %w", deskID, err)
	}
	return nil
}

// IsMonitored reports whether a ticket is under reconciliation.
func (s *Service) IsMonitored(ctx context.Context, deskID string) bool {
	return s.registry.IsMonitored(ctx, deskID)
}

// TicketMetadata returns the operator view of one monitored ticket.
func (s *Service) TicketMetadata(ctx context.Context, deskID string) (TicketStatus, error) {
	rec, ok := s.registry.Get(ctx, deskID)
	if !ok {
		return TicketStatus{}, domainError(http.StatusNotFound, "NOT_MONITORED", "ticket is not monitored", nil)
	}
	return TicketStatus{
		DeskID:     rec.DeskID,
		Tenant:     rec.Tenant,
		ProviderID: rec.ProviderID,
		Escalated:  rec.Escalated,
		AddedAt:    rec.AddedAt,
		PublicURL:  s.urls.PublicURL(ctx, deskID),
		LastError:  rec.LastError,
	}, nil
}

// TicketMetadataUpdate patches the sync identity of a monitored ticket.
// Nil fields are left untouched.
type TicketMetadataUpdate struct {
	ProviderID    *string    `json:"providerId"`
	SLAResolveDue *time.Time `json:"slaResolveDue"`
}

// UpdateTicketMetadata patches a monitored ticket's provider link and
// SLA fields, pushing them into the desk ticket's custom fields.
func (s *Service) UpdateTicketMetadata(ctx context.Context, deskID string, in TicketMetadataUpdate) error {
	if !s.registry.IsMonitored(ctx, deskID) {
		return domainError(http.StatusNotFound, "NOT_MONITORED", "ticket is not monitored", nil)
	}
	if in.ProviderID != nil {
		if err := s.desk.UpdateCustomFields(ctx, deskID, map[string]any{engine.FieldProviderTicketID: *in.ProviderID}); err != nil {
			return fmt.Errorf("app: write provider link of %s: %w", deskID, err)
		}
		if err := s.registry.LinkProvider(ctx, deskID, *in.ProviderID); err != nil {
			return fmt.Errorf("app: record provider link of %s: %w", deskID, err)
		}
	}
	if in.SLAResolveDue != nil {
		fields := map[string]any{engine.FieldSLAResolveDue: in.SLAResolveDue.UTC().Format(time.RFC3339)}
		if err := s.desk.UpdateCustomFields(ctx, deskID, fields); err != nil {
			s.recordFailure(deskID, marker.ErrorSlaUpdate, err)
			return fmt.Errorf("app: write sla fields of %s: %w", deskID, err)
		}
	}
	return nil
}

func (s *Service) recordFailure(deskID string, kind marker.ErrorKind, cause error) {
	if s.events == nil {
		return
	}
	rec, _ := s.registry.Get(context.Background(), deskID)
	s.events.Record(search.SyncEvent{
		ID:        util.NewID("evt"),
		TicketID:  deskID,
		Tenant:    rec.Tenant,
		Direction: search.DirectionForward,
		Outcome:   search.OutcomeFailure,
		ErrorKind: kind.String(),
		Cause:     cause.Error(),
		At:        time.Now(),
	})
}

// LinkProviderTicket records that providerID mirrors deskID.
func (s *Service) LinkProviderTicket(ctx context.Context, deskID, providerID string) error {
	if deskID == "" || providerID == "" {
		return domainError(http.StatusBadRequest, "INVALID_LINK", "ticket id and provider id required", nil)
	}
	if err := s.registry.LinkProvider(ctx, deskID, providerID); err != nil {
		return fmt.Errorf("app: link %s to %s: %w", deskID, providerID, err)
	}
	return nil
}

// IsProviderTicketLinked reports whether a provider ticket already has a
// desk mirror.
func (s *Service) IsProviderTicketLinked(ctx context.Context, providerID string) bool {
	return s.registry.IsProviderLinked(ctx, providerID)
}

// PublicURL returns the ticket's portal URL, recording it on first use.
func (s *Service) PublicURL(ctx context.Context, deskID string) (string, error) {
	if url := s.urls.PublicURL(ctx, deskID); url != "" {
		return url, nil
	}
	url := s.desk.PublicURL(deskID)
	if err := s.urls.SetPublicURL(ctx, deskID, url); err != nil {
		return "", fmt.Errorf("app: record public url of %s: %w", deskID, err)
	}
	return url, nil
}

// UpdateEscalation flips the ticket's escalation flag, on the desk side
// and in the registry. The feature is gated by configuration.
func (s *Service) UpdateEscalation(ctx context.Context, deskID string, escalated bool) error {
	if !s.cfg.EscalationEnabled {
		return domainError(http.StatusConflict, "ESCALATION_DISABLED", "escalation handling is not enabled", nil)
	}
	if !s.registry.IsMonitored(ctx, deskID) {
		return domainError(http.StatusNotFound, "NOT_MONITORED", "ticket is not monitored", nil)
	}
	if err := s.desk.UpdateCustomFields(ctx, deskID, map[string]any{engine.FieldEscalation: escalated}); err != nil {
		return fmt.Errorf("app: write escalation flag of %s: %w", deskID, err)
	}
	if err := s.registry.SetEscalated(ctx, deskID, escalated); err != nil {
		return fmt.Errorf("app: record escalation of %s: %w", deskID, err)
	}
	return nil
}

// CreateMirroredTicket mirrors one provider ticket into the helpdesk on
// demand, outside the scheduled reverse sweep.
func (s *Service) CreateMirroredTicket(ctx context.Context, tenant, accountID, providerTicketID string) error {
	if tenant == "" || accountID == "" || providerTicketID == "" {
		return domainError(http.StatusBadRequest, "INVALID_MIRROR_REQUEST", "tenant, account id and provider ticket id required", nil)
	}
	account, ok := s.directory.Customer(ctx, tenant, accountID)
	if !ok {
		if err := s.directory.AddTenant(ctx, tenant); err != nil {
			return fmt.Errorf("app: refresh tenant %s: %w", tenant, err)
		}
		account, ok = s.directory.Customer(ctx, tenant, accountID)
	}
	if !ok {
		return domainError(http.StatusNotFound, "UNKNOWN_ACCOUNT", "no such account in tenant", nil)
	}
	papi := s.providerFor(account)
	pt, err := papi.Ticket(ctx, providerTicketID)
	if err != nil {
		return fmt.Errorf("app: load provider ticket %s: %w", providerTicketID, err)
	}
	ba := engine.BrandAccount{BrandID: pt.BrandID, Tenant: tenant, AccountID: accountID}
	if err := s.mirror.MirrorTicket(ctx, papi, ba, pt); err != nil {
		return fmt.Errorf("app: mirror provider ticket %s: %w", providerTicketID, err)
	}
	return nil
}

// Registry returns every monitored ticket.
func (s *Service) Registry(ctx context.Context) []store.TicketRecord {
	return s.registry.All(ctx)
}

// ResetCheckpoints rolls both sync horizons back to the backfill
// default. Provenance markers keep the widened re-scan idempotent.
func (s *Service) ResetCheckpoints(ctx context.Context) error {
	if err := s.forward.Clear(ctx); err != nil {
		return fmt.Errorf("app: reset forward checkpoints: %w", err)
	}
	if err := s.reverse.Clear(ctx); err != nil {
		return fmt.Errorf("app: reset reverse checkpoints: %w", err)
	}
	return nil
}

// RefreshDirectory rebuilds every cached tenant from the directory.
func (s *Service) RefreshDirectory(ctx context.Context) error {
	if err := s.directory.Refresh(ctx); err != nil {
		return fmt.Errorf("app: refresh directory: %w", err)
	}
	return nil
}

// SearchEvents queries the sync event audit log.
func (s *Service) SearchEvents(query string, limit int) []search.SyncEvent {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.events.Search(query, limit)
}

// WebhookToken is the shared secret desk webhooks must present.
func (s *Service) WebhookToken() string {
	return s.cfg.DeskWebhookToken
}

// Ping verifies the state backend is reachable. The probe is read-only;
// it must not seed checkpoint records as a side effect.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.forward.Ping(ctx); err != nil {
		return fmt.Errorf("app: state backend: %w", err)
	}
	return nil
}
