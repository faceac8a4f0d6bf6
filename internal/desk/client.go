// Package desk binds the helpdesk vendor API: tickets, conversations,
// notes and attachment downloads. Ids are exposed as strings because the
// reconciliation layer compares them against provenance marker ids,
// which are digit strings embedded in body text.
package desk

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"deskbridge/api/internal/rest"
)

// Ticket statuses used at the sync boundary.
const (
	StatusOpen     = 2
	StatusPending  = 3
	StatusResolved = 4
	StatusClosed   = 5
)

// Ticket is a helpdesk ticket.
type Ticket struct {
	ID              string
	Subject         string
	DescriptionHTML string
	Status          int
	RequesterID     string
	Tenant          string
	CustomFields    map[string]any
	CreatedAt       time.Time
}

// Conversation is one entry of a ticket's conversation feed.
type Conversation struct {
	ID          string
	BodyHTML    string
	Private     bool
	Incoming    bool
	UserID      string
	CreatedAt   time.Time
	Attachments []Attachment
}

// Attachment describes an uploaded file on a conversation.
type Attachment struct {
	ID        string
	Name      string
	URL       string
	Size      int64
	CreatedAt time.Time
}

// NewTicket is the payload for creating a mirrored ticket.
type NewTicket struct {
	Subject         string
	DescriptionHTML string
	RequesterEmail  string
	Tenant          string
	Status          int
	Tags            []string
}

// ConversationsPerPage is the vendor's conversation page size.
const ConversationsPerPage = 30

// Client calls the helpdesk REST API.
type Client struct {
	api       *rest.Client
	portalURL string
}

// NewClient builds a helpdesk client. The API key travels as HTTP basic
// auth with a fixed dummy password, per the vendor's scheme. portalURL
// is the customer-facing portal origin used to build public ticket URLs.
func NewClient(baseURL, apiKey, portalURL string, httpClient *http.Client) *Client {
	credentials := base64.StdEncoding.EncodeToString([]byte(apiKey + ":X"))
	authorize := func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+credentials)
	}
	return &Client{
		api:       rest.NewClient(baseURL, authorize, httpClient),
		portalURL: portalURL,
	}
}

type wireAttachment struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"attachment_url"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type wireConversation struct {
	ID          int64            `json:"id"`
	BodyHTML    string           `json:"body"`
	Private     bool             `json:"private"`
	Incoming    bool             `json:"incoming"`
	UserID      int64            `json:"user_id"`
	CreatedAt   time.Time        `json:"created_at"`
	Attachments []wireAttachment `json:"attachments"`
}

type wireTicket struct {
	ID              int64          `json:"id"`
	Subject         string         `json:"subject"`
	DescriptionHTML string         `json:"description"`
	Status          int            `json:"status"`
	RequesterID     int64          `json:"requester_id"`
	Tenant          string         `json:"group_name"`
	CustomFields    map[string]any `json:"custom_fields"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (w wireConversation) toConversation() Conversation {
	conv := Conversation{
		ID:        strconv.FormatInt(w.ID, 10),
		BodyHTML:  w.BodyHTML,
		Private:   w.Private,
		Incoming:  w.Incoming,
		UserID:    strconv.FormatInt(w.UserID, 10),
		CreatedAt: w.CreatedAt,
	}
	for _, a := range w.Attachments {
		conv.Attachments = append(conv.Attachments, Attachment{
			ID:        strconv.FormatInt(a.ID, 10),
			Name:      a.Name,
			URL:       a.URL,
			Size:      a.Size,
			CreatedAt: a.CreatedAt,
		})
	}
	return conv
}

func (w wireTicket) toTicket() Ticket {
	return Ticket{
		ID:              strconv.FormatInt(w.ID, 10),
		Subject:         w.Subject,
		DescriptionHTML: w.DescriptionHTML,
		Status:          w.Status,
		RequesterID:     strconv.FormatInt(w.RequesterID, 10),
		Tenant:          w.Tenant,
		CustomFields:    w.CustomFields,
		CreatedAt:       w.CreatedAt,
	}
}

// Ticket fetches one ticket.
func (c *Client) Ticket(ctx context.Context, ticketID string) (Ticket, error) {
	var out wireTicket
	err := c.api.DoJSON(ctx, http.MethodGet, "/api/v2/tickets/"+ticketID, nil, &out)
	if err != nil {
		return Ticket{}, fmt.Errorf("desk: get ticket %s: %w", ticketID, err)
	}
	return out.toTicket(), nil
}

// Conversations fetches one page of a ticket's conversation feed,
// oldest first. An empty slice means the feed is exhausted.
func (c *Client) Conversations(ctx context.Context, ticketID string, page int) ([]Conversation, error) {
	if page < 1 {
		page = 1
	}
	var out []wireConversation
	path := fmt.Sprintf("/api/v2/tickets/%s/conversations?page=%d&per_page=%d", ticketID, page, ConversationsPerPage)
	if err := c.api.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("desk: conversations of %s page %d: %w", ticketID, page, err)
	}
	convs := make([]Conversation, 0, len(out))
	for _, w := range out {
		convs = append(convs, w.toConversation())
	}
	return convs, nil
}

// CreateNote posts a note on the ticket and returns the created
// conversation as the vendor stored it.
func (c *Client) CreateNote(ctx context.Context, ticketID, bodyHTML string, private bool) (Conversation, error) {
	payload := map[string]any{"body": bodyHTML, "private": private}
	var out wireConversation
	err := c.api.DoJSON(ctx, http.MethodPost, "/api/v2/tickets/"+ticketID+"/notes", payload, &out)
	if err != nil {
		return Conversation{}, fmt.Errorf("desk: create note on %s: %w", ticketID, err)
	}
	return out.toConversation(), nil
}

// CreateTicket creates a helpdesk ticket (reverse sync).
func (c *Client) CreateTicket(ctx context.Context, t NewTicket) (Ticket, error) {
	status := t.Status
	if status == 0 {
		status = StatusOpen
	}
	payload := map[string]any{
		"subject":     t.Subject,
		"description": t.DescriptionHTML,
		"email":       t.RequesterEmail,
		"status":      status,
		"priority":    1,
	}
	if len(t.Tags) > 0 {
		payload["tags"] = t.Tags
	}
	var out wireTicket
	if err := c.api.DoJSON(ctx, http.MethodPost, "/api/v2/tickets", payload, &out); err != nil {
		return Ticket{}, fmt.Errorf("desk: create ticket: %w", err)
	}
	return out.toTicket(), nil
}

// UpdateCustomFields patches the ticket's custom fields (escalation and
// SLA data live there).
func (c *Client) UpdateCustomFields(ctx context.Context, ticketID string, fields map[string]any) error {
	payload := map[string]any{"custom_fields": fields}
	if err := c.api.DoJSON(ctx, http.MethodPut, "/api/v2/tickets/"+ticketID, payload, nil); err != nil {
		return fmt.Errorf("desk: update custom fields of %s: %w", ticketID, err)
	}
	return nil
}

// UpdateStatus changes the ticket's status.
func (c *Client) UpdateStatus(ctx context.Context, ticketID string, status int) error {
	payload := map[string]any{"status": status}
	if err := c.api.DoJSON(ctx, http.MethodPut, "/api/v2/tickets/"+ticketID, payload, nil); err != nil {
		return fmt.Errorf("desk: update status of %s: %w", ticketID, err)
	}
	return nil
}

// DownloadAttachment streams an attachment's content.
func (c *Client) DownloadAttachment(ctx context.Context, url string) (io.ReadCloser, error) {
	body, err := c.api.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("desk: download attachment: %w", err)
	}
	return body, nil
}

// PublicURL builds the customer-facing portal URL for a ticket.
func (c *Client) PublicURL(ticketID string) string {
	return c.portalURL + "/support/tickets/" + ticketID
}
