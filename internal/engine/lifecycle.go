package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"queueline/internal/domain"
	"queueline/internal/repo"
)

// TicketCreateOptions are parameters for creating a ticket.
type TicketCreateOptions struct {
	ID            string
	TenantID      string
	TicketNumber  string
	ServiceType   string
	ServiceID     *string
	QueueID       string
	OfficeID      string
	MemberNumber  *string
	MemberName    *string
	PhoneNumber   *string
	EstimatedTime *int
	Priority      bool
	Status        domain.Status
	CounterID     *string
	ClerkID       *string
	ActorID       string
}

func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	required := []struct{ field, value string }{
		{"tenant_id", opts.TenantID},
		{"ticket_number", opts.TicketNumber},
		{"queue_id", opts.QueueID},
		{"office_id", opts.OfficeID},
		{"service_type", opts.ServiceType},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return domain.Ticket{}, invalid(r.field, "is required")
		}
	}
	if opts.Status == "" {
		opts.Status = domain.StatusWaiting
	}
	if !opts.Status.Valid() {
		return domain.Ticket{}, invalid("status", "unknown status "+string(opts.Status))
	}
	if opts.EstimatedTime != nil && *opts.EstimatedTime < 0 {
		return domain.Ticket{}, invalid("estimated_time", "must not be negative")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	t := domain.Ticket{
		ID:            id,
		TenantID:      opts.TenantID,
		TicketNumber:  opts.TicketNumber,
		ServiceType:   opts.ServiceType,
		ServiceID:     optional(opts.ServiceID),
		QueueID:       opts.QueueID,
		OfficeID:      opts.OfficeID,
		MemberNumber:  optional(opts.MemberNumber),
		MemberName:    optional(opts.MemberName),
		PhoneNumber:   optional(opts.PhoneNumber),
		EstimatedTime: opts.EstimatedTime,
		Priority:      opts.Priority,
		Status:        opts.Status,
		CounterID:     optional(opts.CounterID),
		ClerkID:       optional(opts.ClerkID),
		CreatedBy:     opts.ActorID,
		UpdatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stampStatus(&t, t.Status, now)

	err := e.withQueues(ctx, []domain.QueueRef{t.Queue()}, opts.ActorID, func(tx *sql.Tx, out *outbox) error {
		if err := e.Repo.EnsureTenant(ctx, tx, t.TenantID, "", now); err != nil {
			return store("ensure tenant", err)
		}
		_, err := e.Repo.GetTicketByNumber(ctx, tx, t.TenantID, t.TicketNumber)
		if err == nil {
			return ErrDuplicateNumber
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return store("check ticket number", err)
		}
		if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
			if repo.IsDuplicateTicketNumber(err) {
				return ErrDuplicateNumber
			}
			return store("insert ticket", err)
		}
		out.created(t)
		if t.Active() {
			if _, err := e.assignPosition(ctx, tx, out, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	created, err := e.Repo.GetTicket(ctx, t.ID)
	return created, store("get ticket", err)
}

// TicketUpdateOptions describe a partial update. Nil fields are left alone;
// an empty string clears an optional field. There is no way to set
// queue_position here.
type TicketUpdateOptions struct {
	ID                     string
	TenantID               string
	ServiceType            *string
	ServiceID              *string
	QueueID                *string
	OfficeID               *string
	MemberNumber           *string
	MemberName             *string
	PhoneNumber            *string
	EstimatedTime          *int
	Priority               *bool
	Status                 domain.Status
	CounterID              *string
	ClerkID                *string
	TransferredToCounterID *string
	Force                  bool
	ActorID                string
}

func (e Engine) UpdateTicket(ctx context.Context, opts TicketUpdateOptions) (domain.Ticket, error) {
	current, err := e.Repo.GetTicket(ctx, opts.ID)
	if err != nil {
		return current, store("get ticket", err)
	}
	if opts.TenantID != "" && current.TenantID != opts.TenantID {
		return domain.Ticket{}, repo.ErrNotFound
	}
	queues := []domain.QueueRef{current.Queue()}
	if opts.QueueID != nil && *opts.QueueID != "" && *opts.QueueID != current.QueueID {
		queues = append(queues, domain.QueueRef{TenantID: current.TenantID, QueueID: *opts.QueueID})
	}
	err = e.withQueues(ctx, queues, opts.ActorID, func(tx *sql.Tx, out *outbox) error {
		before, err := e.lockedTicket(ctx, tx, current)
		if err != nil {
			return err
		}
		_, err = e.update(ctx, tx, out, before, opts)
		return err
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	updated, err := e.Repo.GetTicket(ctx, opts.ID)
	return updated, store("get ticket", err)
}

// SetStatus moves a ticket to status through the transition table unless
// force is set.
func (e Engine) SetStatus(ctx context.Context, ticketID string, status domain.Status, actorID string, force bool) (domain.Ticket, error) {
	return e.UpdateTicket(ctx, TicketUpdateOptions{ID: ticketID, Status: status, ActorID: actorID, Force: force})
}

// CallNext calls the waiting ticket at the front of q to a counter.
func (e Engine) CallNext(ctx context.Context, q domain.QueueRef, counterID, clerkID, actorID string) (domain.Ticket, error) {
	var id string
	err := e.withQueues(ctx, []domain.QueueRef{q}, actorID, func(tx *sql.Tx, out *outbox) error {
		next, err := e.Repo.NextTicket(ctx, tx, q, []domain.Status{domain.StatusWaiting})
		if err != nil {
			return store("next ticket", err)
		}
		id = next.ID
		opts := TicketUpdateOptions{Status: domain.StatusCalled, ActorID: actorID}
		if counterID != "" {
			opts.CounterID = &counterID
		}
		if clerkID != "" {
			opts.ClerkID = &clerkID
		}
		_, err = e.update(ctx, tx, out, next, opts)
		return err
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	called, err := e.Repo.GetTicket(ctx, id)
	return called, store("get ticket", err)
}

// NextTicket returns the waiting ticket that would be called next.
func (e Engine) NextTicket(ctx context.Context, q domain.QueueRef) (domain.Ticket, error) {
	t, err := e.Repo.NextTicket(ctx, nil, q, []domain.Status{domain.StatusWaiting})
	return t, store("next ticket", err)
}

func (e Engine) IsNext(ctx context.Context, t domain.Ticket) (bool, error) {
	if t.Status != domain.StatusWaiting {
		return false, nil
	}
	next, err := e.NextTicket(ctx, t.Queue())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return next.ID == t.ID, nil
}

func (e Engine) update(ctx context.Context, tx *sql.Tx, out *outbox, before domain.Ticket, opts TicketUpdateOptions) (domain.Ticket, error) {
	after, err := applyUpdate(before, opts, domain.FormatTime(e.now()))
	if err != nil {
		return before, err
	}
	fields, err := e.Repo.UpdateTicket(ctx, tx, before, after)
	if err != nil {
		return before, store("update ticket", err)
	}
	if len(fields) == 0 {
		return before, nil
	}
	if after.Status != before.Status {
		out.statusChanged(after, before.Status, after.Status)
	}
	return after, e.react(ctx, tx, out, Change{Before: before, After: after, Fields: fields})
}

func applyUpdate(before domain.Ticket, opts TicketUpdateOptions, now string) (domain.Ticket, error) {
	t := before
	if opts.ServiceType != nil {
		if strings.TrimSpace(*opts.ServiceType) == "" {
			return before, invalid("service_type", "must not be empty")
		}
		t.ServiceType = *opts.ServiceType
	}
	if opts.QueueID != nil {
		if strings.TrimSpace(*opts.QueueID) == "" {
			return before, invalid("queue_id", "must not be empty")
		}
		t.QueueID = *opts.QueueID
	}
	if opts.OfficeID != nil {
		if strings.TrimSpace(*opts.OfficeID) == "" {
			return before, invalid("office_id", "must not be empty")
		}
		t.OfficeID = *opts.OfficeID
	}
	if opts.EstimatedTime != nil {
		if *opts.EstimatedTime < 0 {
			return before, invalid("estimated_time", "must not be negative")
		}
		t.EstimatedTime = opts.EstimatedTime
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	assign(&t.ServiceID, opts.ServiceID)
	assign(&t.MemberNumber, opts.MemberNumber)
	assign(&t.MemberName, opts.MemberName)
	assign(&t.PhoneNumber, opts.PhoneNumber)
	assign(&t.CounterID, opts.CounterID)
	assign(&t.ClerkID, opts.ClerkID)
	assign(&t.TransferredToCounterID, opts.TransferredToCounterID)
	if opts.Status != "" && opts.Status != before.Status {
		if !opts.Status.Valid() {
			return before, invalid("status", "unknown status "+string(opts.Status))
		}
		if err := ensureTransition(before.Status, opts.Status, opts.Force); err != nil {
			return before, err
		}
		t.Status = opts.Status
		stampStatus(&t, opts.Status, now)
	}
	t.UpdatedBy = opts.ActorID
	t.UpdatedAt = now
	return t, nil
}

var transitions = map[domain.Status][]domain.Status{
	domain.StatusWaiting:     {domain.StatusCalled, domain.StatusServing, domain.StatusSkipped, domain.StatusTransferred, domain.StatusCancelled},
	domain.StatusCalled:      {domain.StatusServing, domain.StatusWaiting, domain.StatusSkipped, domain.StatusTransferred, domain.StatusCancelled},
	domain.StatusServing:     {domain.StatusCompleted, domain.StatusWaiting, domain.StatusTransferred, domain.StatusCancelled},
	domain.StatusSkipped:     {domain.StatusWaiting},
	domain.StatusTransferred: {domain.StatusWaiting},
}

func ensureTransition(from, to domain.Status, force bool) error {
	if force {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// stampStatus records the timestamp that belongs to entering status.
func stampStatus(t *domain.Ticket, status domain.Status, now string) {
	switch status {
	case domain.StatusCalled:
		t.CalledAt = &now
	case domain.StatusServing:
		t.ServingStartedAt = &now
	case domain.StatusCompleted:
		t.CompletedAt = &now
		if t.ServingStartedAt == nil {
			return
		}
		start, err := domain.ParseTime(*t.ServingStartedAt)
		if err != nil {
			return
		}
		end, err := domain.ParseTime(now)
		if err != nil {
			return
		}
		d := int(end.Sub(start) / time.Second)
		if d < 0 {
			d = 0
		}
		t.DurationSeconds = &d
	}
}

func optional(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func assign(dst **string, v *string) {
	if v == nil {
		return
	}
	*dst = optional(v)
}
