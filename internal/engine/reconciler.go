// Package engine drives ticket reconciliation between the helpdesk and
// the provider backend. A pass over one ticket diffs both conversation
// feeds using the in-band provenance markers, mirrors whatever exists on
// only one side in creation-time order, and advances the tenant's
// forward checkpoint when the ticket is clean.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"deskbridge/api/internal/desk"
	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/marker"
	"deskbridge/api/internal/provider"
	"deskbridge/api/internal/search"
	"deskbridge/api/internal/store"
	"deskbridge/api/internal/util"
)

// Desk ticket custom fields used at the sync boundary.
const (
	FieldProviderTicketID = "cf_provider_ticket_id"
	FieldAccountID        = "cf_provider_account_id"
	FieldEscalation       = "cf_escalation"
	FieldSLAResolveDue    = "cf_sla_resolve_due"
)

// DeskAPI is the helpdesk surface the engine needs.
type DeskAPI interface {
	Ticket(ctx context.Context, ticketID string) (desk.Ticket, error)
	Conversations(ctx context.Context, ticketID string, page int) ([]desk.Conversation, error)
	CreateNote(ctx context.Context, ticketID, bodyHTML string, private bool) (desk.Conversation, error)
	CreateTicket(ctx context.Context, t desk.NewTicket) (desk.Ticket, error)
	UpdateStatus(ctx context.Context, ticketID string, status int) error
	UpdateCustomFields(ctx context.Context, ticketID string, fields map[string]any) error
	DownloadAttachment(ctx context.Context, url string) (io.ReadCloser, error)
	PublicURL(ticketID string) string
}

// ProviderAPI is the provider surface the engine needs, bound to one
// account's credentials.
type ProviderAPI interface {
	Ticket(ctx context.Context, ticketID string) (provider.Ticket, error)
	FirstUpdate(ctx context.Context, ticketID string) (provider.Update, error)
	Updates(ctx context.Context, ticketID string) ([]provider.Update, error)
	AttachedFiles(ctx context.Context, ticketID string) ([]provider.File, error)
	AddUpdate(ctx context.Context, ticketID, body string) (provider.Update, error)
	AttachFile(ctx context.Context, ticketID, fileName string, content io.Reader) (provider.File, error)
	CreateTicket(ctx context.Context, t provider.NewTicket) (provider.Ticket, error)
	TicketsCreatedAfter(ctx context.Context, brandID string, sinceMillis int64) ([]provider.Ticket, error)
	Close(ctx context.Context, ticketID string) error
}

// ProviderFactory builds a provider client from a customer account's
// credentials. Every customer account carries its own API key.
type ProviderFactory func(account directory.Account) ProviderAPI

// TicketMeta is the sync identity of one desk ticket.
type TicketMeta struct {
	DeskID     string
	ProviderID string
	Tenant     string
	AccountID  string
}

func buildTicketMeta(t desk.Ticket) TicketMeta {
	meta := TicketMeta{DeskID: t.ID, Tenant: t.Tenant}
	if v, ok := t.CustomFields[FieldProviderTicketID].(string); ok {
		meta.ProviderID = v
	}
	if v, ok := t.CustomFields[FieldAccountID].(string); ok {
		meta.AccountID = v
	}
	return meta
}

// Reconciler runs sync passes. It is safe for concurrent use by the
// worker pool as long as each ticket is single-flighted, which the
// Runner guarantees.
type Reconciler struct {
	desk        DeskAPI
	providerFor ProviderFactory
	directory   *directory.Cache
	registry    *store.TicketRegistry
	forward     *store.ForwardCheckpoints
	urls        *store.TicketURLMap
	events      *search.Service

	// conversationCap bounds how many conversation entries one pass may
	// examine and create; a huge backlog is spread over several passes.
	conversationCap int
	now             func() time.Time
}

func NewReconciler(
	deskAPI DeskAPI,
	providerFor ProviderFactory,
	dir *directory.Cache,
	registry *store.TicketRegistry,
	forward *store.ForwardCheckpoints,
	urls *store.TicketURLMap,
	events *search.Service,
	conversationCap int,
) *Reconciler {
	if conversationCap <= 0 {
		conversationCap = 1000
	}
	return &Reconciler{
		desk:            deskAPI,
		providerFor:     providerFor,
		directory:       dir,
		registry:        registry,
		forward:         forward,
		urls:            urls,
		events:          events,
		conversationCap: conversationCap,
		now:             time.Now,
	}
}

// account resolves the ticket's provider credentials, refreshing the
// tenant once on a miss before giving up.
func (r *Reconciler) account(ctx context.Context, meta TicketMeta) (directory.Account, error) {
	if a, ok := r.directory.Customer(ctx, meta.Tenant, meta.AccountID); ok {
		return a, nil
	}
	if err := r.directory.AddTenant(ctx, meta.Tenant); err != nil {
		return directory.Account{}, fmt.Errorf("refresh tenant %s: %w", meta.Tenant, err)
	}
	if a, ok := r.directory.Customer(ctx, meta.Tenant, meta.AccountID); ok {
		return a, nil
	}
	return directory.Account{}, fmt.Errorf("no provider credentials for account %s in tenant %s", meta.AccountID, meta.Tenant)
}

// SyncTicket reconciles one desk ticket with its provider mirror.
func (r *Reconciler) SyncTicket(ctx context.Context, deskTicketID string) error {
	passStart := r.now()

	dt, err := r.desk.Ticket(ctx, deskTicketID)
	if err != nil {
		return fmt.Errorf("engine: load desk ticket %s: %w", deskTicketID, err)
	}
	meta := buildTicketMeta(dt)

	account, err := r.account(ctx, meta)
	if err != nil {
		return r.fail(ctx, meta, marker.ErrorConversationSync, err)
	}
	papi := r.providerFor(account)

	if meta.ProviderID == "" {
		providerID, err := r.createProviderTicket(ctx, papi, dt, account)
		if err != nil {
			return r.fail(ctx, meta, marker.ErrorTicketCreation, err)
		}
		meta.ProviderID = providerID
	}

	capped, err := r.reconcileConversations(ctx, papi, dt, meta)
	if err != nil {
		return err
	}
	if err := r.propagateStatus(ctx, papi, dt, meta); err != nil {
		return err
	}

	if err := r.forward.Set(ctx, meta.Tenant, passStart.UnixMilli()); err != nil {
		log.Printf("engine: advance forward checkpoint for tenant %s: %v", meta.Tenant, err)
	}
	if err := r.urls.SetPublicURL(ctx, meta.DeskID, r.desk.PublicURL(meta.DeskID)); err != nil {
		log.Printf("engine: record public url for ticket %s: %v", meta.DeskID, err)
	}
	if capped {
		cause := fmt.Sprintf("conversation cap %d reached, remaining entries resume on a later pass", r.conversationCap)
		r.postErrorNote(ctx, meta.DeskID, marker.ErrorConversationSync, cause)
		r.record(meta, search.DirectionForward, search.OutcomePartial, marker.ErrorConversationSync.String(), cause)
		return nil
	}
	r.record(meta, search.DirectionForward, search.OutcomeSuccess, "", "")
	return nil
}

// createProviderTicket mirrors a desk ticket that has no provider
// counterpart yet: the ticket body travels with a desk marker so a later
// pass recognizes the link even if the custom-field write is lost.
func (r *Reconciler) createProviderTicket(ctx context.Context, papi ProviderAPI, dt desk.Ticket, account directory.Account) (string, error) {
	body := marker.Append(dt.DescriptionHTML, marker.LabelDesk, dt.ID, dt.CreatedAt,
		marker.DeskLinefeed, marker.ProviderLinefeed)
	created, err := papi.CreateTicket(ctx, provider.NewTicket{
		Title:     dt.Subject,
		Body:      body,
		AccountID: account.ProviderAccountID,
	})
	if err != nil {
		return "", fmt.Errorf("create provider ticket for %s: %w", dt.ID, err)
	}
	if err := r.desk.UpdateCustomFields(ctx, dt.ID, map[string]any{FieldProviderTicketID: created.ID}); err != nil {
		return "", fmt.Errorf("link provider ticket %s to %s: %w", created.ID, dt.ID, err)
	}
	if err := r.registry.LinkProvider(ctx, dt.ID, created.ID); err != nil {
		log.Printf("engine: registry link for %s: %v", dt.ID, err)
	}
	log.Printf("engine: created provider ticket %s for desk ticket %s", created.ID, dt.ID)
	return created.ID, nil
}

// reconcileConversations mirrors pending entries in both directions. It
// reports whether the pass stopped early at the conversation cap.
func (r *Reconciler) reconcileConversations(ctx context.Context, papi ProviderAPI, dt desk.Ticket, meta TicketMeta) (bool, error) {
	body, err := papi.FirstUpdate(ctx, meta.ProviderID)
	if err != nil {
		return false, r.fail(ctx, meta, marker.ErrorConversationSync, fmt.Errorf("read provider ticket body %s: %w", meta.ProviderID, err))
	}

	// Pending provider files, keyed by file id. Files mirrored from the
	// desk side and files attached to the ticket body are not pending.
	pendingFiles := make(map[int64]provider.File)
	files, err := papi.AttachedFiles(ctx, meta.ProviderID)
	if err != nil {
		return false, r.fail(ctx, meta, marker.ErrorConversationSync, fmt.Errorf("list provider files of %s: %w", meta.ProviderID, err))
	}
	for _, f := range files {
		if marker.IsMirroredFileName(f.Name) || f.UpdateID == body.ID {
			continue
		}
		pendingFiles[f.ID] = f
	}

	updates, err := papi.Updates(ctx, meta.ProviderID)
	if err != nil {
		return false, r.fail(ctx, meta, marker.ErrorConversationSync, fmt.Errorf("list provider updates of %s: %w", meta.ProviderID, err))
	}

	// Partition provider updates: entries mirrored from the desk reveal
	// which desk conversations are done; the rest are pending.
	pendingUpdates := make(map[string]provider.Update)
	syncedDeskConversations := make(map[string]bool)
	for _, u := range updates {
		if u.ID == body.ID {
			continue
		}
		if marker.IsAttachmentNote(u.EditorType, u.Body) {
			continue
		}
		if marker.Tagged(u.Body, marker.LabelDesk, marker.ProviderLinefeed) {
			if id := marker.ForeignID(u.Body, marker.LabelDesk, marker.ProviderLinefeed); id != "" {
				syncedDeskConversations[id] = true
			}
			continue
		}
		pendingUpdates[u.ID] = u
	}

	// Walk the desk feed: prune pending provider work already mirrored,
	// collect desk conversations with no provider counterpart.
	var pendingConvs []desk.Conversation
	examined := 0
	capReached := false
walk:
	for page := 1; ; page++ {
		convs, err := r.desk.Conversations(ctx, meta.DeskID, page)
		if err != nil {
			return false, r.fail(ctx, meta, marker.ErrorConversationSync, fmt.Errorf("read desk conversations of %s: %w", meta.DeskID, err))
		}
		if len(convs) == 0 {
			break
		}
		for _, conv := range convs {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if conv.Private {
				continue
			}
			if marker.Tagged(conv.BodyHTML, marker.LabelMonitoring, marker.DeskLinefeed) {
				// Service-authored notes (error notes included) never sync.
				continue
			}
			if marker.Tagged(conv.BodyHTML, marker.LabelProvider, marker.DeskLinefeed) {
				// Mirrored from the provider. A stale id that no longer
				// exists in the provider feed simply prunes nothing.
				if id := marker.ForeignID(conv.BodyHTML, marker.LabelProvider, marker.DeskLinefeed); id != "" {
					delete(pendingUpdates, id)
					removeFilesByUpdateID(pendingFiles, id)
				}
				if strings.Contains(conv.BodyHTML, marker.AttachmentBodyHeader) {
					metas, err := marker.ParseAttachmentBody(conv.BodyHTML)
					if err != nil {
						log.Printf("engine: unreadable attachment metadata on conversation %s: %v", conv.ID, err)
					}
					for _, m := range metas {
						removeMatchedFile(pendingFiles, m)
					}
				}
			} else if conv.ID != "" && !syncedDeskConversations[conv.ID] {
				pendingConvs = append(pendingConvs, conv)
			}
			examined++
			if examined >= r.conversationCap {
				log.Printf("engine: ticket %s reached conversation cap %d, resuming next pass", meta.DeskID, r.conversationCap)
				capReached = true
				break walk
			}
		}
	}

	items := sequence(pendingConvs, updateValues(pendingUpdates), fileValues(pendingFiles))

	var failedAttachments []string
	for _, item := range items {
		if capReached {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		switch item.kind {
		case itemDeskConversation:
			if err := r.mirrorToProvider(ctx, papi, meta, item.conv); err != nil {
				// Mirroring stops at the first failure so the entries
				// keep their order on the other side.
				return false, r.fail(ctx, meta, marker.ErrorConversationSync, err)
			}
		case itemProviderUpdate:
			if err := r.mirrorToDesk(ctx, meta, item.update); err != nil {
				return false, r.fail(ctx, meta, marker.ErrorConversationSync, err)
			}
			examined++
		case itemProviderFile:
			if err := r.mirrorFileToDesk(ctx, meta, item.file); err != nil {
				log.Printf("engine: attachment %s of ticket %s failed: %v", item.file.Name, meta.DeskID, err)
				failedAttachments = append(failedAttachments, fmt.Sprintf("%s - cause: %v", item.file.Name, err))
				continue
			}
			examined++
		}
		if examined >= r.conversationCap {
			log.Printf("engine: ticket %s reached conversation cap %d while mirroring", meta.DeskID, r.conversationCap)
			capReached = true
		}
	}

	if len(failedAttachments) > 0 {
		cause := "some provider attachments failed to mirror:\n" + strings.Join(failedAttachments, "\n")
		return false, r.fail(ctx, meta, marker.ErrorAttachment, errors.New(cause))
	}
	return capReached, nil
}

// mirrorToProvider copies one desk conversation (and its attachments) to
// the provider ticket.
func (r *Reconciler) mirrorToProvider(ctx context.Context, papi ProviderAPI, meta TicketMeta, conv desk.Conversation) error {
	body := marker.Append(conv.BodyHTML, marker.LabelDesk, conv.ID, conv.CreatedAt,
		marker.DeskLinefeed, marker.ProviderLinefeed)
	created, err := papi.AddUpdate(ctx, meta.ProviderID, body)
	if err != nil {
		return fmt.Errorf("mirror conversation %s to provider: %w", conv.ID, err)
	}
	// Verify against the entity the vendor stored, not what we sent.
	if got := marker.ForeignID(created.Body, marker.LabelDesk, marker.ProviderLinefeed); got != conv.ID {
		return fmt.Errorf("provider stored update %s without marker for conversation %s", created.ID, conv.ID)
	}
	for _, a := range conv.Attachments {
		content, err := r.desk.DownloadAttachment(ctx, a.URL)
		if err != nil {
			return fmt.Errorf("download desk attachment %s: %w", a.Name, err)
		}
		_, err = papi.AttachFile(ctx, meta.ProviderID, marker.MirroredFileName(a.Name), content)
		content.Close()
		if err != nil {
			return fmt.Errorf("upload attachment %s to provider: %w", a.Name, err)
		}
	}
	return nil
}

// mirrorToDesk copies one provider update to the desk ticket as a public
// note.
func (r *Reconciler) mirrorToDesk(ctx context.Context, meta TicketMeta, u provider.Update) error {
	body := marker.Append(u.Body, marker.LabelProvider, u.ID, u.CreatedAt,
		marker.ProviderLinefeed, marker.DeskLinefeed)
	created, err := r.desk.CreateNote(ctx, meta.DeskID, body, false)
	if err != nil {
		return fmt.Errorf("mirror provider update %s to desk: %w", u.ID, err)
	}
	if got := marker.ForeignID(created.BodyHTML, marker.LabelProvider, marker.DeskLinefeed); got != u.ID {
		return fmt.Errorf("desk stored conversation %s without marker for update %s", created.ID, u.ID)
	}
	return nil
}

// mirrorFileToDesk records one provider file on the desk ticket as a
// metadata note.
func (r *Reconciler) mirrorFileToDesk(ctx context.Context, meta TicketMeta, f provider.File) error {
	am := marker.AttachmentMeta{
		FileName: f.Name,
		Created:  f.CreatedAt,
		FileID:   f.ID,
		UpdateID: f.UpdateID,
	}
	if _, err := r.desk.CreateNote(ctx, meta.DeskID, am.ConversationBody(), false); err != nil {
		return fmt.Errorf("mirror provider file %s to desk: %w", f.Name, err)
	}
	return nil
}

// propagateStatus aligns closure between the two sides: a closed side
// closes the other. Once both sides are closed the pair leaves the
// monitoring registry, so sweeps stop re-syncing finished tickets.
func (r *Reconciler) propagateStatus(ctx context.Context, papi ProviderAPI, dt desk.Ticket, meta TicketMeta) error {
	pt, err := papi.Ticket(ctx, meta.ProviderID)
	if err != nil {
		return r.fail(ctx, meta, marker.ErrorStatusChange, fmt.Errorf("read provider ticket %s: %w", meta.ProviderID, err))
	}
	deskClosed := dt.Status == desk.StatusClosed
	providerClosed := pt.Status == provider.StatusClosed
	switch {
	case providerClosed && !deskClosed:
		if err := r.desk.UpdateStatus(ctx, meta.DeskID, desk.StatusClosed); err != nil {
			return r.fail(ctx, meta, marker.ErrorStatusChange, fmt.Errorf("close desk ticket %s: %w", meta.DeskID, err))
		}
		deskClosed = true
		log.Printf("engine: closed desk ticket %s after provider ticket %s", meta.DeskID, meta.ProviderID)
	case deskClosed && !providerClosed:
		if err := papi.Close(ctx, meta.ProviderID); err != nil {
			return r.fail(ctx, meta, marker.ErrorStatusChange, fmt.Errorf("close provider ticket %s: %w", meta.ProviderID, err))
		}
		providerClosed = true
		log.Printf("engine: closed provider ticket %s after desk ticket %s", meta.ProviderID, meta.DeskID)
	}
	if deskClosed && providerClosed {
		if err := r.registry.Remove(ctx, meta.DeskID); err != nil {
			log.Printf("engine: drop closed ticket %s from monitoring: %v", meta.DeskID, err)
			return nil
		}
		log.Printf("engine: ticket %s closed on both sides, monitoring dropped", meta.DeskID)
	}
	return nil
}

// fail posts an error note on the ticket (deduplicated against the last
// one), records a failure event and returns the wrapped error.
func (r *Reconciler) fail(ctx context.Context, meta TicketMeta, kind marker.ErrorKind, cause error) error {
	r.postErrorNote(ctx, meta.DeskID, kind, cause.Error())
	r.record(meta, search.DirectionForward, search.OutcomeFailure, kind.String(), cause.Error())
	return fmt.Errorf("engine: ticket %s: %w", meta.DeskID, cause)
}

// postErrorNote writes a private error note unless the ticket's last
// note reported the identical failure.
func (r *Reconciler) postErrorNote(ctx context.Context, deskID string, kind marker.ErrorKind, cause string) {
	if last, ok := r.registry.LastError(ctx, deskID); ok {
		prev := marker.ErrorNote{Kind: errorKindFromName(last.Kind), Cause: last.Cause}
		if prev.Same(kind, cause) {
			return
		}
	}
	note := marker.ErrorNote{Kind: kind, Cause: cause, At: r.now()}
	if _, err := r.desk.CreateNote(ctx, deskID, marker.FormatErrorNote(note), true); err != nil {
		log.Printf("engine: post error note on %s: %v", deskID, err)
		return
	}
	if err := r.registry.SetLastError(ctx, deskID, store.ErrorRecord{
		Kind:  kind.String(),
		Cause: cause,
		At:    note.At,
	}); err != nil {
		log.Printf("engine: record error note on %s: %v", deskID, err)
	}
}

func (r *Reconciler) record(meta TicketMeta, direction, outcome, errorKind, cause string) {
	if r.events == nil {
		return
	}
	r.events.Record(search.SyncEvent{
		ID:        util.NewID("evt"),
		TicketID:  meta.DeskID,
		Tenant:    meta.Tenant,
		Direction: direction,
		Outcome:   outcome,
		ErrorKind: errorKind,
		Cause:     cause,
		At:        r.now(),
	})
}

func errorKindFromName(name string) marker.ErrorKind {
	for _, k := range []marker.ErrorKind{
		marker.ErrorTicketCreation, marker.ErrorConversationSync, marker.ErrorAttachment,
		marker.ErrorStatusChange, marker.ErrorSlaUpdate,
	} {
		if k.String() == name {
			return k
		}
	}
	return marker.ErrorUnknown
}

func removeFilesByUpdateID(files map[int64]provider.File, updateID string) {
	for id, f := range files {
		if f.UpdateID == updateID {
			delete(files, id)
		}
	}
}

func removeMatchedFile(files map[int64]provider.File, m marker.AttachmentMeta) {
	if m.FileID != 0 {
		delete(files, m.FileID)
		return
	}
	for id, f := range files {
		if m.Matches(f.ID, f.Name, f.CreatedAt) {
			delete(files, id)
			return
		}
	}
}

func updateValues(m map[string]provider.Update) []provider.Update {
	out := make([]provider.Update, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	return out
}

func fileValues(m map[int64]provider.File) []provider.File {
	out := make([]provider.File, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}
