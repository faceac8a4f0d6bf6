package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"state": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["state"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/desk" {
		s.handleDeskWebhook(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/tickets/...
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "tickets" {
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "mirror" {
			if !s.requireAdmin(w, r) {
				return
			}
			s.handleCreateMirroredTicket(w, r)
			return
		}
		ticketID := parts[2]
		switch {
		case r.Method == http.MethodGet && len(parts) == 3:
			status, err := s.service.TicketMetadata(r.Context(), ticketID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
			return
		case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "sync":
			if err := s.service.TriggerSync(r.Context(), ticketID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
			return
		case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "monitor":
			var body struct {
				Tenant string `json:"tenant"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.AddMonitor(r.Context(), ticketID, body.Tenant); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"monitored": true})
			return
		case r.Method == http.MethodDelete && len(parts) == 4 && parts[3] == "monitor":
			if err := s.service.RemoveMonitor(r.Context(), ticketID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"monitored": false})
			return
		case r.Method == http.MethodPut && len(parts) == 4 && parts[3] == "escalation":
			var body struct {
				Escalated bool `json:"escalated"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateEscalation(r.Context(), ticketID, body.Escalated); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"escalated": body.Escalated})
			return
		case r.Method == http.MethodPut && len(parts) == 3:
			var body TicketMetadataUpdate
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateTicketMetadata(r.Context(), ticketID, body); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"updated": true})
			return
		case r.Method == http.MethodPut && len(parts) == 4 && parts[3] == "link":
			var body struct {
				ProviderID string `json:"providerId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.LinkProviderTicket(r.Context(), ticketID, body.ProviderID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"linked": true})
			return
		}
	}

	// /api/admin/...
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "admin" {
		if !s.requireAdmin(w, r) {
			return
		}
		switch {
		case r.Method == http.MethodPost && len(parts) == 4 && parts[2] == "checkpoints" && parts[3] == "reset":
			if err := s.service.ResetCheckpoints(r.Context()); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"reset": true})
			return
		case r.Method == http.MethodPost && len(parts) == 4 && parts[2] == "directory" && parts[3] == "refresh":
			if err := s.service.RefreshDirectory(r.Context()); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
			return
		case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "registry":
			writeJSON(w, http.StatusOK, map[string]any{"tickets": s.service.Registry(r.Context())})
			return
		case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "events" && parts[3] == "search":
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			events := s.service.SearchEvents(r.URL.Query().Get("q"), limit)
			writeJSON(w, http.StatusOK, map[string]any{"events": events})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleDeskWebhook accepts the helpdesk's ticket-update webhook and
// queues a sync pass. The helpdesk sends ticket ids as numbers, manual
// replays often send strings; both are accepted.
func (s *HTTPServer) handleDeskWebhook(w http.ResponseWriter, r *http.Request) {
	if token := s.service.WebhookToken(); token != "" {
		if r.Header.Get("X-Webhook-Token") != token {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
	}
	var body struct {
		TicketID any `json:"ticket_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ticketID := ""
	switch v := body.TicketID.(type) {
	case string:
		ticketID = v
	case float64:
		ticketID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if err := s.service.TriggerSync(r.Context(), ticketID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (s *HTTPServer) handleCreateMirroredTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant           string `json:"tenant"`
		AccountID        string `json:"accountId"`
		ProviderTicketID string `json:"providerTicketId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.CreateMirroredTicket(r.Context(), body.Tenant, body.AccountID, body.ProviderTicketID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"mirrored": true})
}

// requireAdmin gates a request on the configured basic-auth credentials.
// With no credentials configured the admin surface is disabled entirely.
func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	admin := s.service.AdminAuth()
	if admin == nil || !admin.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "ADMIN_UNAVAILABLE", "Admin API not configured", nil)
		return false
	}
	user, password, ok := r.BasicAuth()
	if !ok || !admin.Verify(user, password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="deskbridge admin"`)
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
