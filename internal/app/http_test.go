package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deskbridge/api/internal/authpw"
	"deskbridge/api/internal/config"
	"deskbridge/api/internal/directory"
	"deskbridge/api/internal/search"
	"deskbridge/api/internal/store"
)

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (t *recordingTrigger) Trigger(deskTicketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, deskTicketID)
}

func (t *recordingTrigger) triggered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

type stubDesk struct {
	mu     sync.Mutex
	fields map[string]map[string]any
}

func (d *stubDesk) UpdateCustomFields(ctx context.Context, ticketID string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fields == nil {
		d.fields = make(map[string]map[string]any)
	}
	if d.fields[ticketID] == nil {
		d.fields[ticketID] = make(map[string]any)
	}
	for k, v := range fields {
		d.fields[ticketID][k] = v
	}
	return nil
}

func (d *stubDesk) PublicURL(ticketID string) string {
	return "https://support.example.com/support/tickets/" + ticketID
}

type emptySource struct{}

func (emptySource) TenantAccounts(ctx context.Context, tenant string) ([]directory.Account, error) {
	return nil, nil
}

type testHarness struct {
	server  *httptest.Server
	service *Service
	trigger *recordingTrigger
	desk    *stubDesk
	events  *search.Service
}

func newHarness(t *testing.T, cfg config.Config) *testHarness {
	t.Helper()
	backend := store.NewMemoryBackend()
	trigger := &recordingTrigger{}
	desk := &stubDesk{}
	events := search.NewService(nil)
	service := New(cfg, Deps{
		Registry:  store.NewTicketRegistry(backend),
		Forward:   store.NewForwardCheckpoints(backend, time.Now().Add(-24*time.Hour).UnixMilli()),
		Reverse:   store.NewReverseCheckpoints(backend, time.Now().Add(-24*time.Hour).UnixMilli()),
		URLs:      store.NewTicketURLMap(backend),
		Directory: directory.NewCache(emptySource{}, nil),
		Events:    events,
		Desk:      desk,
		Trigger:   trigger,
		Admin:     authpw.NewService(cfg.AdminUser, cfg.AdminPasswordHash),
	})
	server := httptest.NewServer(NewHTTPServer(service).Handler())
	t.Cleanup(server.Close)
	return &testHarness{server: server, service: service, trigger: trigger, desk: desk, events: events}
}

func adminConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := authpw.HashPassword("letmein")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := config.Config{AdminUser: "admin", AdminPasswordHash: hash}
	return cfg
}

func doJSON(t *testing.T, method, url, body string, decorate func(*http.Request)) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.Config{})
	resp, payload := doJSON(t, http.MethodGet, h.server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Errorf("unexpected health payload: %v", payload)
	}
}

func TestReady(t *testing.T) {
	h := newHarness(t, config.Config{})
	resp, payload := doJSON(t, http.MethodGet, h.server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d", resp.StatusCode)
	}
	if payload["status"] != "ready" {
		t.Errorf("unexpected ready payload: %v", payload)
	}
}

func TestTriggerSyncEndpoint(t *testing.T) {
	h := newHarness(t, config.Config{})
	resp, _ := doJSON(t, http.MethodPost, h.server.URL+"/api/tickets/7001/sync", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sync trigger status %d", resp.StatusCode)
	}
	if got := h.trigger.triggered(); len(got) != 1 || got[0] != "7001" {
		t.Errorf("trigger not recorded: %v", got)
	}
}

func TestDeskWebhook(t *testing.T) {
	h := newHarness(t, config.Config{DeskWebhookToken: "hunter2"})

	// Missing token.
	resp, _ := doJSON(t, http.MethodPost, h.server.URL+"/api/webhooks/desk", `{"ticket_id":7001}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("webhook without token: status %d", resp.StatusCode)
	}

	// Numeric ticket id, as the helpdesk sends it.
	resp, _ = doJSON(t, http.MethodPost, h.server.URL+"/api/webhooks/desk", `{"ticket_id":7001}`, func(r *http.Request) {
		r.Header.Set("X-Webhook-Token", "hunter2")
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook with token: status %d", resp.StatusCode)
	}
	if got := h.trigger.triggered(); len(got) != 1 || got[0] != "7001" {
		t.Errorf("webhook trigger not recorded: %v", got)
	}

	// String ticket id from a manual replay.
	resp, _ = doJSON(t, http.MethodPost, h.server.URL+"/api/webhooks/desk", `{"ticket_id":"7002"}`, func(r *http.Request) {
		r.Header.Set("X-Webhook-Token", "hunter2")
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook with string id: status %d", resp.StatusCode)
	}
	if got := h.trigger.triggered(); len(got) != 2 || got[1] != "7002" {
		t.Errorf("string id trigger not recorded: %v", got)
	}
}

func TestMonitorLifecycle(t *testing.T) {
	h := newHarness(t, config.Config{})

	resp, _ := doJSON(t, http.MethodPost, h.server.URL+"/api/tickets/7001/monitor", `{"tenant":"tenant-a"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("monitor status %d", resp.StatusCode)
	}
	if !h.service.IsMonitored(context.Background(), "7001") {
		t.Fatal("ticket not monitored after POST")
	}
	if got := h.trigger.triggered(); len(got) != 1 {
		t.Errorf("monitoring must queue an initial pass: %v", got)
	}

	resp, payload := doJSON(t, http.MethodGet, h.server.URL+"/api/tickets/7001", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata status %d", resp.StatusCode)
	}
	if payload["deskId"] != "7001" || payload["tenant"] != "tenant-a" {
		t.Errorf("unexpected metadata: %v", payload)
	}

	resp, _ = doJSON(t, http.MethodDelete, h.server.URL+"/api/tickets/7001/monitor", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unmonitor status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, h.server.URL+"/api/tickets/7001", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("metadata after unmonitor: status %d", resp.StatusCode)
	}
}

func TestEscalationGatedByConfig(t *testing.T) {
	h := newHarness(t, config.Config{})
	if err := h.service.AddMonitor(context.Background(), "7001", "tenant-a"); err != nil {
		t.Fatal(err)
	}
	resp, payload := doJSON(t, http.MethodPut, h.server.URL+"/api/tickets/7001/escalation", `{"escalated":true}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("escalation while disabled: status %d %v", resp.StatusCode, payload)
	}
}

func TestEscalationWritesDeskField(t *testing.T) {
	h := newHarness(t, config.Config{EscalationEnabled: true})
	if err := h.service.AddMonitor(context.Background(), "7001", "tenant-a"); err != nil {
		t.Fatal(err)
	}
	resp, _ := doJSON(t, http.MethodPut, h.server.URL+"/api/tickets/7001/escalation", `{"escalated":true}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("escalation status %d", resp.StatusCode)
	}
	if got := h.desk.fields["7001"]["cf_escalation"]; got != true {
		t.Errorf("desk escalation field not written: %v", got)
	}
	status, err := h.service.TicketMetadata(context.Background(), "7001")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Escalated {
		t.Error("registry escalation flag not set")
	}
}

func TestUpdateTicketMetadata(t *testing.T) {
	h := newHarness(t, config.Config{})
	if err := h.service.AddMonitor(context.Background(), "7001", "tenant-a"); err != nil {
		t.Fatal(err)
	}

	body := `{"providerId":"9001","slaResolveDue":"2026-05-02T09:00:00Z"}`
	resp, _ := doJSON(t, http.MethodPut, h.server.URL+"/api/tickets/7001", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata update status %d", resp.StatusCode)
	}
	if got := h.desk.fields["7001"]["cf_provider_ticket_id"]; got != "9001" {
		t.Errorf("provider link not pushed to desk: %v", got)
	}
	if got := h.desk.fields["7001"]["cf_sla_resolve_due"]; got != "2026-05-02T09:00:00Z" {
		t.Errorf("sla field not pushed to desk: %v", got)
	}
	if !h.service.IsProviderTicketLinked(context.Background(), "9001") {
		t.Error("registry link missing after metadata update")
	}

	resp, _ = doJSON(t, http.MethodPut, h.server.URL+"/api/tickets/9999", `{"providerId":"1"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unmonitored ticket update: status %d", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireCredentials(t *testing.T) {
	h := newHarness(t, adminConfig(t))

	resp, _ := doJSON(t, http.MethodGet, h.server.URL+"/api/admin/registry", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, h.server.URL+"/api/admin/registry", "", func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", resp.StatusCode)
	}
	resp, payload := doJSON(t, http.MethodGet, h.server.URL+"/api/admin/registry", "", func(r *http.Request) {
		r.SetBasicAuth("admin", "letmein")
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid credentials: status %d", resp.StatusCode)
	}
	if _, ok := payload["tickets"]; !ok {
		t.Errorf("registry payload missing tickets: %v", payload)
	}
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	h := newHarness(t, config.Config{AdminUser: "admin"})
	resp, _ := doJSON(t, http.MethodGet, h.server.URL+"/api/admin/registry", "", func(r *http.Request) {
		r.SetBasicAuth("admin", "anything")
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured admin surface: status %d", resp.StatusCode)
	}
}

func TestAdminCheckpointResetAndEvents(t *testing.T) {
	h := newHarness(t, adminConfig(t))
	h.events.Record(search.SyncEvent{
		ID: "evt_1", TicketID: "7001", Tenant: "tenant-a",
		Direction: search.DirectionForward, Outcome: search.OutcomeFailure,
		Cause: "provider api returned 500", At: time.Now(),
	})

	withAuth := func(r *http.Request) { r.SetBasicAuth("admin", "letmein") }

	resp, _ := doJSON(t, http.MethodPost, h.server.URL+"/api/admin/checkpoints/reset", "", withAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkpoint reset status %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodGet, h.server.URL+"/api/admin/events/search?q=7001", "", withAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}
	events, ok := payload["events"].([]any)
	if !ok || len(events) != 1 {
		t.Errorf("unexpected events payload: %v", payload)
	}
}
