package queuelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Queueline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	TicketNumber      string  `json:"ticket_number"`
	ServiceType       string  `json:"service_type"`
	QueueID           string  `json:"queue_id"`
	OfficeID          string  `json:"office_id"`
	Priority          bool    `json:"priority"`
	Status            string  `json:"status"`
	QueuePosition     *int    `json:"queue_position"`
	CounterID         *string `json:"counter_id,omitempty"`
	EstimatedTime     *int    `json:"estimated_time,omitempty"`
	EstimatedWaitTime int     `json:"estimated_wait_time"`
	CreatedAt         string  `json:"created_at"`
}

// NewTicket is the body of CreateTicket.
type NewTicket struct {
	TicketNumber  string `json:"ticket_number"`
	ServiceType   string `json:"service_type"`
	QueueID       string `json:"queue_id"`
	OfficeID      string `json:"office_id"`
	EstimatedTime *int   `json:"estimated_time,omitempty"`
	Priority      bool   `json:"priority,omitempty"`
	MemberName    string `json:"member_name,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
}

// Wait is the position and estimate of one ticket.
type Wait struct {
	TicketID          string `json:"ticket_id"`
	QueuePosition     *int   `json:"queue_position"`
	EstimatedWaitTime int    `json:"estimated_wait_time"`
	IsNext            bool   `json:"is_next"`
}

// Board lists the active tickets of a queue by position.
type Board struct {
	TenantID string   `json:"tenant_id"`
	QueueID  string   `json:"queue_id"`
	Tickets  []Ticket `json:"tickets"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	QueueID    string         `json:"queue_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTicket issues a ticket.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "tickets", t, &resp)
	return resp, err
}

// GetTicket fetches a ticket with its current estimate.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetStatus moves a ticket to status.
func (c *Client) SetStatus(ctx context.Context, id, status string, force bool) (Ticket, error) {
	body := map[string]any{"status": status}
	if force {
		body["force"] = true
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tickets/%s/status", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Wait returns position and estimated wait of a ticket.
func (c *Client) Wait(ctx context.Context, id string) (Wait, error) {
	var resp Wait
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tickets/%s/wait", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Board returns the active tickets of a queue.
func (c *Client) Board(ctx context.Context, queueID string) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "queues/"+url.PathEscape(queueID), nil, &resp)
	return resp, err
}

// CallNext calls the next waiting ticket of a queue to counterID.
func (c *Client) CallNext(ctx context.Context, queueID, counterID string) (Ticket, error) {
	var resp Ticket
	body := map[string]any{}
	if counterID != "" {
		body["counter_id"] = counterID
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queues/%s/call-next", url.PathEscape(queueID)), body, &resp)
	return resp, err
}

// Recalculate re-ranks a queue and returns how many positions changed.
func (c *Client) Recalculate(ctx context.Context, queueID string) (int, error) {
	var resp struct {
		Changed int `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queues/%s/recalculate", url.PathEscape(queueID)), map[string]any{}, &resp)
	return resp.Changed, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.TenantID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
