package server

import (
	"encoding/json"

	"queueline/internal/domain"
	"queueline/internal/engine"
)

// Request payloads

type CreateTicketRequest struct {
	ID            *string `json:"id,omitempty"`
	TicketNumber  string  `json:"ticket_number"`
	ServiceType   string  `json:"service_type"`
	ServiceID     *string `json:"service_id,omitempty"`
	QueueID       string  `json:"queue_id"`
	OfficeID      string  `json:"office_id"`
	MemberNumber  *string `json:"member_number,omitempty"`
	MemberName    *string `json:"member_name,omitempty"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	EstimatedTime *int    `json:"estimated_time,omitempty" minimum:"0"`
	Priority      bool    `json:"priority,omitempty"`
	Status        string  `json:"status,omitempty" enum:"waiting,called,serving,completed,skipped,transferred,cancelled"`
	CounterID     *string `json:"counter_id,omitempty"`
	ClerkID       *string `json:"clerk_id,omitempty"`
}

type UpdateTicketRequest struct {
	ServiceType            *string `json:"service_type,omitempty"`
	ServiceID              *string `json:"service_id,omitempty"`
	QueueID                *string `json:"queue_id,omitempty"`
	OfficeID               *string `json:"office_id,omitempty"`
	MemberNumber           *string `json:"member_number,omitempty"`
	MemberName             *string `json:"member_name,omitempty"`
	PhoneNumber            *string `json:"phone_number,omitempty"`
	EstimatedTime          *int    `json:"estimated_time,omitempty" minimum:"0"`
	Priority               *bool   `json:"priority,omitempty"`
	Status                 *string `json:"status,omitempty" enum:"waiting,called,serving,completed,skipped,transferred,cancelled"`
	CounterID              *string `json:"counter_id,omitempty"`
	ClerkID                *string `json:"clerk_id,omitempty"`
	TransferredToCounterID *string `json:"transferred_to_counter_id,omitempty"`
	Force                  bool    `json:"force,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"waiting,called,serving,completed,skipped,transferred,cancelled"`
	Force  bool   `json:"force,omitempty"`
}

type CallNextRequest struct {
	CounterID string `json:"counter_id,omitempty"`
	ClerkID   string `json:"clerk_id,omitempty"`
}

type RecalculateRequest struct {
	ExcludeTicketID string `json:"exclude_ticket_id,omitempty"`
}

// Response payloads

type TicketResponse struct {
	domain.Ticket
	EstimatedWaitTime int `json:"estimated_wait_time"`
}

type QueueBoardResponse struct {
	TenantID string           `json:"tenant_id"`
	QueueID  string           `json:"queue_id"`
	Tickets  []TicketResponse `json:"tickets"`
}

type RecalculateResponse struct {
	TenantID string `json:"tenant_id"`
	QueueID  string `json:"queue_id"`
	Changed  int    `json:"changed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	QueueID    string         `json:"queue_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedTickets struct {
	Items      []domain.Ticket `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func ticketResponse(t domain.Ticket, wait int) TicketResponse {
	return TicketResponse{Ticket: t, EstimatedWaitTime: wait}
}

func boardResponse(q domain.QueueRef, entries []engine.BoardEntry) QueueBoardResponse {
	res := QueueBoardResponse{TenantID: q.TenantID, QueueID: q.QueueID, Tickets: make([]TicketResponse, 0, len(entries))}
	for _, entry := range entries {
		res.Tickets = append(res.Tickets, ticketResponse(entry.Ticket, entry.EstimatedWaitTime))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TenantID:   e.TenantID,
		QueueID:    e.QueueID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func createOptions(tenantID, actorID string, body CreateTicketRequest) engine.TicketCreateOptions {
	opts := engine.TicketCreateOptions{
		TenantID:      tenantID,
		TicketNumber:  body.TicketNumber,
		ServiceType:   body.ServiceType,
		ServiceID:     body.ServiceID,
		QueueID:       body.QueueID,
		OfficeID:      body.OfficeID,
		MemberNumber:  body.MemberNumber,
		MemberName:    body.MemberName,
		PhoneNumber:   body.PhoneNumber,
		EstimatedTime: body.EstimatedTime,
		Priority:      body.Priority,
		Status:        domain.Status(body.Status),
		CounterID:     body.CounterID,
		ClerkID:       body.ClerkID,
		ActorID:       actorID,
	}
	if body.ID != nil {
		opts.ID = *body.ID
	}
	return opts
}

func updateOptions(id, tenantID, actorID string, body UpdateTicketRequest) engine.TicketUpdateOptions {
	opts := engine.TicketUpdateOptions{
		ID:                     id,
		TenantID:               tenantID,
		ServiceType:            body.ServiceType,
		ServiceID:              body.ServiceID,
		QueueID:                body.QueueID,
		OfficeID:               body.OfficeID,
		MemberNumber:           body.MemberNumber,
		MemberName:             body.MemberName,
		PhoneNumber:            body.PhoneNumber,
		EstimatedTime:          body.EstimatedTime,
		Priority:               body.Priority,
		CounterID:              body.CounterID,
		ClerkID:                body.ClerkID,
		TransferredToCounterID: body.TransferredToCounterID,
		Force:                  body.Force,
		ActorID:                actorID,
	}
	if body.Status != nil {
		opts.Status = domain.Status(*body.Status)
	}
	return opts
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
