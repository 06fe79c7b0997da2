// Package notify is the boundary where ticket events leave the process.
// Delivery is best-effort: callers log Emit errors and carry on.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"queueline/internal/domain"
)

type Kind string

const (
	KindPositionUpdated Kind = "queue.position.updated"
	KindCreated         Kind = "ticket.created"
	KindStatusChanged   Kind = "ticket.status.changed"
	KindCalled          Kind = "ticket.called"
	KindServing         Kind = "ticket.serving"
	KindCompleted       Kind = "ticket.completed"
)

// Snapshot is the ticket state at emission time.
type Snapshot struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	TicketNumber      string        `json:"ticket_number"`
	QueueID           string        `json:"queue_id"`
	OfficeID          string        `json:"office_id"`
	Status            domain.Status `json:"status"`
	Priority          bool          `json:"priority"`
	QueuePosition     *int          `json:"queue_position"`
	EstimatedWaitTime int           `json:"estimated_wait_time"`
	CounterID         *string       `json:"counter_id,omitempty"`
}

func SnapshotOf(t domain.Ticket, estimatedWait int) Snapshot {
	return Snapshot{
		ID:                t.ID,
		TenantID:          t.TenantID,
		TicketNumber:      t.TicketNumber,
		QueueID:           t.QueueID,
		OfficeID:          t.OfficeID,
		Status:            t.Status,
		Priority:          t.Priority,
		QueuePosition:     t.QueuePosition,
		EstimatedWaitTime: estimatedWait,
		CounterID:         t.CounterID,
	}
}

type Notification struct {
	Kind      Kind          `json:"event"`
	TS        string        `json:"ts"`
	Ticket    Snapshot      `json:"ticket"`
	OldStatus domain.Status `json:"old_status,omitempty"`
	NewStatus domain.Status `json:"new_status,omitempty"`
}

// Channels returns the broadcast channels a notification is published on.
// Every channel is scoped to the ticket's tenant.
func (n Notification) Channels() []string {
	tenant := n.Ticket.TenantID
	chans := []string{TicketsChannel(tenant)}
	if n.Ticket.OfficeID != "" {
		chans = append(chans, OfficeChannel(tenant, n.Ticket.OfficeID))
	}
	if n.Ticket.QueueID != "" {
		chans = append(chans, QueueChannel(tenant, n.Ticket.QueueID))
	}
	return chans
}

func TicketsChannel(tenantID string) string {
	return "tenant." + tenantID + ".tickets"
}

func OfficeChannel(tenantID, officeID string) string {
	return "tenant." + tenantID + ".office." + officeID
}

func QueueChannel(tenantID, queueID string) string {
	return "tenant." + tenantID + ".queue." + queueID
}

type Sink interface {
	Emit(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Emit(ctx context.Context, n Notification) error { return f(ctx, n) }

// Fanout delivers to every sink; one failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"event", string(n.Kind),
		"ticket_id", n.Ticket.ID,
		"ticket_number", n.Ticket.TicketNumber,
		"queue_id", n.Ticket.QueueID,
		"status", string(n.Ticket.Status),
	}
	if n.Ticket.QueuePosition != nil {
		attrs = append(attrs, "queue_position", *n.Ticket.QueuePosition, "estimated_wait_time", n.Ticket.EstimatedWaitTime)
	}
	if n.OldStatus != "" {
		attrs = append(attrs, "old_status", string(n.OldStatus), "new_status", string(n.NewStatus))
	}
	logger.InfoContext(ctx, "ticket notification", attrs...)
	return nil
}
