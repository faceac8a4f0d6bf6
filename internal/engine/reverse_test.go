package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/marker"
	"deskbridge/api/internal/provider"
	"deskbridge/api/internal/store"
)

func TestReverseSyncMirrorsNewProviderTickets(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	fx := newFixture(t)
	reverse := store.NewReverseCheckpoints(store.NewMemoryBackend(), base.Add(-time.Hour).UnixMilli())
	syncer := NewReverseSyncer(fx.desk, func(directory.Account) ProviderAPI { return fx.provider },
		fx.dir, fx.registry, reverse, fx.events)

	// A provider-native ticket and a desk-originated one (recognized by
	// the desk marker in its body).
	fx.provider.tickets["9100"] = provider.Ticket{
		ID: "9100", Title: "disk is full", AccountID: "acct-1", BrandID: "77",
		Status: provider.StatusOpen, CreatedAt: base.Add(time.Minute),
	}
	fx.provider.updates["9100"] = []provider.Update{{
		ID: "1", Body: "root volume at 100%", EditorType: "EMPLOYEE", CreatedAt: base.Add(time.Minute),
	}}
	originBody := marker.Append("opened on the desk side", marker.LabelDesk, "7009",
		base.Add(2*time.Minute), marker.DeskLinefeed, marker.ProviderLinefeed)
	fx.provider.tickets["9200"] = provider.Ticket{
		ID: "9200", Title: "mirrored from desk", AccountID: "acct-1", BrandID: "77",
		Status: provider.StatusOpen, CreatedAt: base.Add(2 * time.Minute),
	}
	fx.provider.updates["9200"] = []provider.Update{{
		ID: "1", Body: originBody, EditorType: "USER", CreatedAt: base.Add(2 * time.Minute),
	}}

	ba := BrandAccount{BrandID: "77", Tenant: "tenant-a", AccountID: "acct-1"}
	if err := syncer.SyncBrand(context.Background(), fx.provider, ba); err != nil {
		t.Fatalf("reverse sync failed: %v", err)
	}

	if len(fx.desk.createdTickets) != 1 {
		t.Fatalf("expected 1 mirrored desk ticket, got %d", len(fx.desk.createdTickets))
	}
	created := fx.desk.createdTickets[0]
	if !strings.HasPrefix(created.Subject, "[EMPLOYEE] ") {
		t.Errorf("subject misses editor prefix: %q", created.Subject)
	}
	if got := marker.ForeignID(created.DescriptionHTML, marker.LabelProvider, marker.DeskLinefeed); got != "9100" {
		t.Errorf("description misses origin marker: %q", got)
	}
	dt, _ := fx.desk.Ticket(context.Background(), created.ID)
	if dt.CustomFields[FieldProviderTicketID] != "9100" {
		t.Errorf("mirrored ticket not linked: %v", dt.CustomFields[FieldProviderTicketID])
	}
	if !fx.registry.IsProviderLinked(context.Background(), "9100") {
		t.Error("registry link missing for mirrored ticket")
	}
	if !fx.registry.IsMonitored(context.Background(), created.ID) {
		t.Error("mirrored ticket not registered for monitoring")
	}

	// The frontier passed both tickets, so a second sweep creates nothing.
	frontier, err := reverse.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("frontier read: %v", err)
	}
	if frontier.TicketID != "9200" {
		t.Errorf("frontier did not pass the skipped ticket: %+v", frontier)
	}
	if err := syncer.SyncBrand(context.Background(), fx.provider, ba); err != nil {
		t.Fatalf("second reverse sync failed: %v", err)
	}
	if len(fx.desk.createdTickets) != 1 {
		t.Errorf("second sweep duplicated tickets: %d", len(fx.desk.createdTickets))
	}
}

func TestReverseSyncSkipsAlreadyLinkedTickets(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	fx := newFixture(t)
	reverse := store.NewReverseCheckpoints(store.NewMemoryBackend(), base.Add(-time.Hour).UnixMilli())
	syncer := NewReverseSyncer(fx.desk, func(directory.Account) ProviderAPI { return fx.provider },
		fx.dir, fx.registry, reverse, fx.events)

	fx.provider.tickets["9100"] = provider.Ticket{
		ID: "9100", Title: "disk is full", AccountID: "acct-1", BrandID: "77",
		Status: provider.StatusOpen, CreatedAt: base.Add(time.Minute),
	}
	fx.provider.updates["9100"] = []provider.Update{{
		ID: "1", Body: "root volume at 100%", EditorType: "EMPLOYEE", CreatedAt: base.Add(time.Minute),
	}}
	if err := fx.registry.Add(context.Background(), "7001", "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if err := fx.registry.LinkProvider(context.Background(), "7001", "9100"); err != nil {
		t.Fatal(err)
	}

	ba := BrandAccount{BrandID: "77", Tenant: "tenant-a", AccountID: "acct-1"}
	if err := syncer.SyncBrand(context.Background(), fx.provider, ba); err != nil {
		t.Fatalf("reverse sync failed: %v", err)
	}
	if len(fx.desk.createdTickets) != 0 {
		t.Errorf("linked ticket was mirrored again: %d", len(fx.desk.createdTickets))
	}
}
