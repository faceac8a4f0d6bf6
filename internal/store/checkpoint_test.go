package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const testBackfill = int64(1600000000000)

func setupFileBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	return backend, dir
}

func TestForwardCheckpointSeedsBackfillDefault(t *testing.T) {
	backend, dir := setupFileBackend(t)
	cp := NewForwardCheckpoints(backend, testBackfill)
	ctx := context.Background()

	got, err := cp.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != testBackfill {
		t.Errorf("expected backfill default %d, got %d", testBackfill, got)
	}

	// The default must be persisted immediately.
	if _, err := os.Stat(filepath.Join(dir, "forward_checkpoints.json")); err != nil {
		t.Errorf("backfill default was not persisted: %v", err)
	}

	// A second reader sees the same value.
	again, err := cp.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if again != got {
		t.Errorf("second read %d differs from first %d", again, got)
	}
}

func TestForwardCheckpointPingWritesNothing(t *testing.T) {
	backend, dir := setupFileBackend(t)
	cp := NewForwardCheckpoints(backend, testBackfill)
	ctx := context.Background()

	if err := cp.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	// A health probe must not seed a checkpoint document.
	if _, err := os.Stat(filepath.Join(dir, "forward_checkpoints.json")); !os.IsNotExist(err) {
		t.Errorf("Ping persisted a checkpoint document: %v", err)
	}
}

func TestForwardCheckpointMonotonic(t *testing.T) {
	backend, _ := setupFileBackend(t)
	cp := NewForwardCheckpoints(backend, testBackfill)
	ctx := context.Background()

	if err := cp.Set(ctx, "tenant-a", testBackfill+5000); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// A lower value must be ignored.
	if err := cp.Set(ctx, "tenant-a", testBackfill+1000); err != nil {
		t.Fatalf("Set with lower value failed: %v", err)
	}
	got, err := cp.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != testBackfill+5000 {
		t.Errorf("checkpoint regressed: got %d, want %d", got, testBackfill+5000)
	}
}

func TestForwardCheckpointDefaultTenant(t *testing.T) {
	backend, _ := setupFileBackend(t)
	cp := NewForwardCheckpoints(backend, testBackfill)
	ctx := context.Background()

	if err := cp.Set(ctx, "", testBackfill+100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := cp.Get(ctx, DefaultTenant)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != testBackfill+100 {
		t.Errorf("empty tenant should map to %q: got %d", DefaultTenant, got)
	}
}

func TestForwardCheckpointClear(t *testing.T) {
	backend, _ := setupFileBackend(t)
	cp := NewForwardCheckpoints(backend, testBackfill)
	ctx := context.Background()

	if err := cp.Set(ctx, "tenant-a", testBackfill+5000); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cp.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, err := cp.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Get after Clear failed: %v", err)
	}
	if got != testBackfill {
		t.Errorf("after Clear expected backfill default %d, got %d", testBackfill, got)
	}
}

func TestForwardCheckpointCorruptedFile(t *testing.T) {
	backend, dir := setupFileBackend(t)
	path := filepath.Join(dir, "forward_checkpoints.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}
	cp := NewForwardCheckpoints(backend, testBackfill)

	got, err := cp.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != testBackfill {
		t.Errorf("corrupted document should yield backfill default %d, got %d", testBackfill, got)
	}
}

func TestForwardCheckpointSurvivesReopen(t *testing.T) {
	backend, dir := setupFileBackend(t)
	ctx := context.Background()
	cp := NewForwardCheckpoints(backend, testBackfill)
	if err := cp.Set(ctx, "tenant-a", testBackfill+7777); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	cp2 := NewForwardCheckpoints(reopened, testBackfill)
	got, err := cp2.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got != testBackfill+7777 {
		t.Errorf("checkpoint did not survive reopen: got %d", got)
	}
}

func TestReverseCheckpointSeedAndAdvance(t *testing.T) {
	backend, _ := setupFileBackend(t)
	cp := NewReverseCheckpoints(backend, testBackfill)
	ctx := context.Background()

	seed, err := cp.Get(ctx, "brand-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if seed.CreateTime != testBackfill || seed.TicketID != "0" {
		t.Errorf("unexpected seed record: %+v", seed)
	}

	newer := TicketTimeRecord{TicketID: "451", CreateTime: testBackfill + 9000}
	if err := cp.Set(ctx, "brand-1", newer); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// An older record must not regress the frontier.
	older := TicketTimeRecord{TicketID: "449", CreateTime: testBackfill + 4000}
	if err := cp.Set(ctx, "brand-1", older); err != nil {
		t.Fatalf("Set with older record failed: %v", err)
	}
	got, err := cp.Get(ctx, "brand-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != newer {
		t.Errorf("frontier regressed: got %+v, want %+v", got, newer)
	}
}

func TestReverseCheckpointTenantsIsolated(t *testing.T) {
	backend, _ := setupFileBackend(t)
	cp := NewReverseCheckpoints(backend, testBackfill)
	ctx := context.Background()

	recA := TicketTimeRecord{TicketID: "10", CreateTime: testBackfill + 100}
	recB := TicketTimeRecord{TicketID: "20", CreateTime: testBackfill + 200}
	if err := cp.Set(ctx, "brand-a", recA); err != nil {
		t.Fatalf("Set brand-a failed: %v", err)
	}
	if err := cp.Set(ctx, "brand-b", recB); err != nil {
		t.Fatalf("Set brand-b failed: %v", err)
	}

	gotA, _ := cp.Get(ctx, "brand-a")
	gotB, _ := cp.Get(ctx, "brand-b")
	if gotA != recA || gotB != recB {
		t.Errorf("tenants not isolated: a=%+v b=%+v", gotA, gotB)
	}
}
