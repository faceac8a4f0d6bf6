// Package provider binds the cloud provider's ticketing backend API:
// updates (the provider's conversation entries), attached files, and
// ticket listing for reverse sync.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"deskbridge/api/internal/rest"
)

// Update is one conversation entry on a provider ticket. The first
// update of a ticket is its body.
type Update struct {
	ID         string
	Body       string
	EditorType string
	CreatedAt  time.Time
}

// File is one attached file in a ticket's file listing.
type File struct {
	ID        int64
	Name      string
	UpdateID  string
	Size      int64
	CreatedAt time.Time
}

// Ticket statuses.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Ticket is a provider ticket header.
type Ticket struct {
	ID        string
	Title     string
	AccountID string
	BrandID   string
	Status    string
	CreatedAt time.Time
}

// NewTicket is the payload for creating a provider ticket.
type NewTicket struct {
	Title     string
	Body      string
	AccountID string
	BrandID   string
}

// Client calls the provider ticketing API on behalf of one account.
type Client struct {
	api        *rest.Client
	baseURL    string
	username   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a provider client authenticated with the account's
// API username and key.
func NewClient(baseURL, username, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	authorize := func(r *http.Request) {
		r.SetBasicAuth(username, apiKey)
	}
	return &Client{
		api:        rest.NewClient(baseURL, authorize, httpClient),
		baseURL:    baseURL,
		username:   username,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type wireUpdate struct {
	ID         int64     `json:"id"`
	Entry      string    `json:"entry"`
	EditorType string    `json:"editorType"`
	CreateDate time.Time `json:"createDate"`
}

type wireFile struct {
	ID         int64     `json:"id"`
	FileName   string    `json:"fileName"`
	UpdateID   int64     `json:"updateId"`
	FileSize   int64     `json:"fileSize"`
	CreateDate time.Time `json:"createDate"`
}

type wireTicket struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	AccountID  string    `json:"accountId"`
	BrandID    int64     `json:"brandId"`
	Status     string    `json:"status"`
	CreateDate time.Time `json:"createDate"`
}

func (w wireUpdate) toUpdate() Update {
	return Update{
		ID:         strconv.FormatInt(w.ID, 10),
		Body:       w.Entry,
		EditorType: w.EditorType,
		CreatedAt:  w.CreateDate,
	}
}

func (w wireFile) toFile() File {
	return File{
		ID:        w.ID,
		Name:      w.FileName,
		UpdateID:  strconv.FormatInt(w.UpdateID, 10),
		Size:      w.FileSize,
		CreatedAt: w.CreateDate,
	}
}

func (w wireTicket) toTicket() Ticket {
	return Ticket{
		ID:        strconv.FormatInt(w.ID, 10),
		Title:     w.Title,
		AccountID: w.AccountID,
		BrandID:   strconv.FormatInt(w.BrandID, 10),
		Status:    w.Status,
		CreatedAt: w.CreateDate,
	}
}

// Ticket fetches one ticket header.
func (c *Client) Ticket(ctx context.Context, ticketID string) (Ticket, error) {
	var out wireTicket
	if err := c.api.DoJSON(ctx, http.MethodGet, "/tickets/"+ticketID, nil, &out); err != nil {
		return Ticket{}, fmt.Errorf("provider: get ticket %s: %w", ticketID, err)
	}
	return out.toTicket(), nil
}

// Updates returns the full update feed of a ticket, oldest first. The
// first element is the ticket body.
func (c *Client) Updates(ctx context.Context, ticketID string) ([]Update, error) {
	var out []wireUpdate
	if err := c.api.DoJSON(ctx, http.MethodGet, "/tickets/"+ticketID+"/updates", nil, &out); err != nil {
		return nil, fmt.Errorf("provider: updates of %s: %w", ticketID, err)
	}
	updates := make([]Update, 0, len(out))
	for _, w := range out {
		updates = append(updates, w.toUpdate())
	}
	return updates, nil
}

// FirstUpdate returns the ticket body update.
func (c *Client) FirstUpdate(ctx context.Context, ticketID string) (Update, error) {
	updates, err := c.Updates(ctx, ticketID)
	if err != nil {
		return Update{}, err
	}
	if len(updates) == 0 {
		return Update{}, fmt.Errorf("provider: ticket %s has no updates", ticketID)
	}
	return updates[0], nil
}

// AttachedFiles returns the ticket's file listing.
func (c *Client) AttachedFiles(ctx context.Context, ticketID string) ([]File, error) {
	var out []wireFile
	if err := c.api.DoJSON(ctx, http.MethodGet, "/tickets/"+ticketID+"/files", nil, &out); err != nil {
		return nil, fmt.Errorf("provider: files of %s: %w", ticketID, err)
	}
	files := make([]File, 0, len(out))
	for _, w := range out {
		files = append(files, w.toFile())
	}
	return files, nil
}

// AddUpdate appends an update to the ticket and returns it as stored.
func (c *Client) AddUpdate(ctx context.Context, ticketID, body string) (Update, error) {
	payload := map[string]any{"entry": body}
	var out wireUpdate
	if err := c.api.DoJSON(ctx, http.MethodPost, "/tickets/"+ticketID+"/updates", payload, &out); err != nil {
		return Update{}, fmt.Errorf("provider: add update to %s: %w", ticketID, err)
	}
	return out.toUpdate(), nil
}

// AttachFile uploads a file to the ticket. The provider ingests files
// as multipart form data, outside the JSON surface.
func (c *Client) AttachFile(ctx context.Context, ticketID, fileName string, content io.Reader) (File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return File{}, fmt.Errorf("provider: build upload for %s: %w", fileName, err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return File{}, fmt.Errorf("provider: read upload content for %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return File{}, fmt.Errorf("provider: finish upload for %s: %w", fileName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tickets/"+ticketID+"/files", &buf)
	if err != nil {
		return File{}, err
	}
	req.SetBasicAuth(c.username, c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("provider: upload %s to %s: %w", fileName, ticketID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return File{}, &rest.HTTPError{StatusCode: resp.StatusCode, Message: "file upload rejected"}
	}
	var out wireFile
	if err := decodeJSONBody(resp.Body, &out); err != nil {
		return File{}, fmt.Errorf("provider: decode upload response for %s: %w", fileName, err)
	}
	return out.toFile(), nil
}

// CreateTicket creates a provider ticket.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket) (Ticket, error) {
	payload := map[string]any{
		"title":     t.Title,
		"entry":     t.Body,
		"accountId": t.AccountID,
		"brandId":   t.BrandID,
	}
	var out wireTicket
	if err := c.api.DoJSON(ctx, http.MethodPost, "/tickets", payload, &out); err != nil {
		return Ticket{}, fmt.Errorf("provider: create ticket: %w", err)
	}
	return out.toTicket(), nil
}

// TicketsCreatedAfter lists a brand's tickets created after the given
// unix-millisecond time, oldest first. Reverse sync walks this listing.
func (c *Client) TicketsCreatedAfter(ctx context.Context, brandID string, sinceMillis int64) ([]Ticket, error) {
	q := url.Values{}
	q.Set("brandId", brandID)
	q.Set("createdAfter", strconv.FormatInt(sinceMillis, 10))
	q.Set("order", "createDate")
	var out []wireTicket
	if err := c.api.DoJSON(ctx, http.MethodGet, "/tickets?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("provider: list tickets of brand %s: %w", brandID, err)
	}
	tickets := make([]Ticket, 0, len(out))
	for _, w := range out {
		tickets = append(tickets, w.toTicket())
	}
	return tickets, nil
}

func decodeJSONBody(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// Close marks the provider ticket closed.
func (c *Client) Close(ctx context.Context, ticketID string) error {
	if err := c.api.DoJSON(ctx, http.MethodPost, "/tickets/"+ticketID+"/close", nil, nil); err != nil {
		return fmt.Errorf("provider: close ticket %s: %w", ticketID, err)
	}
	return nil
}
