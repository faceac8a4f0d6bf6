package store

import (
	"context"
	"testing"
)

func TestURLMapFirstWriteWins(t *testing.T) {
	m := NewTicketURLMap(NewMemoryBackend())
	ctx := context.Background()

	if err := m.SetPublicURL(ctx, "1001", "https://desk.example.com/support/tickets/1001"); err != nil {
		t.Fatalf("SetPublicURL failed: %v", err)
	}
	if err := m.SetPublicURL(ctx, "1001", "https://desk.example.com/other"); err != nil {
		t.Fatalf("second SetPublicURL failed: %v", err)
	}
	got := m.PublicURL(ctx, "1001")
	if got != "https://desk.example.com/support/tickets/1001" {
		t.Errorf("first write should win, got %q", got)
	}
}

func TestURLMapEraseAllowsRewrite(t *testing.T) {
	m := NewTicketURLMap(NewMemoryBackend())
	ctx := context.Background()

	if err := m.SetPublicURL(ctx, "1001", "https://old.example.com"); err != nil {
		t.Fatalf("SetPublicURL failed: %v", err)
	}
	if err := m.Erase(ctx, "1001"); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if got := m.PublicURL(ctx, "1001"); got != "" {
		t.Errorf("expected no URL after Erase, got %q", got)
	}
	if err := m.SetPublicURL(ctx, "1001", "https://new.example.com"); err != nil {
		t.Fatalf("SetPublicURL after Erase failed: %v", err)
	}
	if got := m.PublicURL(ctx, "1001"); got != "https://new.example.com" {
		t.Errorf("rewrite after Erase failed, got %q", got)
	}
}

func TestURLMapIgnoresEmptyArguments(t *testing.T) {
	m := NewTicketURLMap(NewMemoryBackend())
	ctx := context.Background()

	if err := m.SetPublicURL(ctx, "", "https://x.example.com"); err != nil {
		t.Fatalf("SetPublicURL failed: %v", err)
	}
	if err := m.SetPublicURL(ctx, "1001", ""); err != nil {
		t.Fatalf("SetPublicURL failed: %v", err)
	}
	if n := m.Len(ctx); n != 0 {
		t.Errorf("expected empty map, got %d entries", n)
	}
}

func TestURLMapPersistsAcrossInstances(t *testing.T) {
	backend, _ := setupFileBackend(t)
	ctx := context.Background()

	m := NewTicketURLMap(backend)
	if err := m.SetPublicURL(ctx, "42", "https://desk.example.com/support/tickets/42"); err != nil {
		t.Fatalf("SetPublicURL failed: %v", err)
	}

	m2 := NewTicketURLMap(backend)
	if got := m2.PublicURL(ctx, "42"); got != "https://desk.example.com/support/tickets/42" {
		t.Errorf("URL did not persist, got %q", got)
	}
}
