package engine

import (
	"context"
	"database/sql"

	"queueline/internal/domain"
)

// AssignPosition places an active ticket in its queue and returns the
// position it was given.
func (e Engine) AssignPosition(ctx context.Context, ticketID, actorID string) (int, error) {
	current, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return 0, store("get ticket", err)
	}
	var pos int
	err = e.withQueues(ctx, []domain.QueueRef{current.Queue()}, actorID, func(tx *sql.Tx, out *outbox) error {
		t, err := e.lockedTicket(ctx, tx, current)
		if err != nil {
			return err
		}
		if !t.Active() {
			return invalid("status", "ticket "+string(t.Status)+" holds no queue position")
		}
		pos, err = e.assignPosition(ctx, tx, out, t)
		return err
	})
	return pos, err
}

// RemoveFromQueue clears the position of a ticket that left the active set
// and renumbers the rest of its queue.
func (e Engine) RemoveFromQueue(ctx context.Context, ticketID, actorID string) error {
	current, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return store("get ticket", err)
	}
	return e.withQueues(ctx, []domain.QueueRef{current.Queue()}, actorID, func(tx *sql.Tx, out *outbox) error {
		t, err := e.lockedTicket(ctx, tx, current)
		if err != nil {
			return err
		}
		if t.Active() {
			return invalid("status", "ticket "+string(t.Status)+" is still active")
		}
		return e.removeFromQueue(ctx, tx, out, t)
	})
}

// RecalculatePositions re-ranks every active ticket of q, optionally leaving
// one ticket out, and returns how many positions were rewritten. Calling it
// again without intervening changes writes nothing.
func (e Engine) RecalculatePositions(ctx context.Context, q domain.QueueRef, excludeID, actorID string) (int, error) {
	if q.TenantID == "" || q.QueueID == "" {
		return 0, invalid("queue_id", "tenant and queue are required")
	}
	var changed int
	err := e.withQueues(ctx, []domain.QueueRef{q}, actorID, func(tx *sql.Tx, out *outbox) error {
		var err error
		changed, err = e.recalculate(ctx, tx, out, q, excludeID)
		return err
	})
	return changed, err
}

// lockedTicket re-reads t inside tx and fails if it left the queue that was
// locked for it.
func (e Engine) lockedTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) (domain.Ticket, error) {
	fresh, err := e.Repo.GetTicketTx(ctx, tx, t.ID)
	if err != nil {
		return fresh, store("get ticket", err)
	}
	if fresh.Queue() != t.Queue() {
		return fresh, ErrQueueMoved
	}
	return fresh, nil
}

func (e Engine) assignPosition(ctx context.Context, tx *sql.Tx, out *outbox, t domain.Ticket) (int, error) {
	if t.Priority {
		if err := e.setPosition(ctx, tx, out, t, 0); err != nil {
			return 0, err
		}
		if _, err := e.recalculate(ctx, tx, out, t.Queue(), t.ID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	n, err := e.Repo.CountActiveNonPriority(ctx, tx, t.Queue(), t.ID)
	if err != nil {
		return 0, store("count queue", err)
	}
	pos := n + 1
	if err := e.setPosition(ctx, tx, out, t, pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// setPosition goes through the position-only write path, so it never reaches
// lifecycle handling.
func (e Engine) setPosition(ctx context.Context, tx *sql.Tx, out *outbox, t domain.Ticket, pos int) error {
	to := pos
	if err := e.Repo.SetQueuePosition(ctx, tx, t.ID, &to); err != nil {
		return store("set queue position", err)
	}
	out.moved(t, t.QueuePosition, &to)
	return nil
}

func (e Engine) removeFromQueue(ctx context.Context, tx *sql.Tx, out *outbox, t domain.Ticket) error {
	if t.QueuePosition != nil {
		if err := e.Repo.SetQueuePosition(ctx, tx, t.ID, nil); err != nil {
			return store("clear queue position", err)
		}
	}
	_, err := e.recalculate(ctx, tx, out, t.Queue(), t.ID)
	return err
}

func (e Engine) recalculate(ctx context.Context, tx *sql.Tx, out *outbox, q domain.QueueRef, excludeID string) (int, error) {
	tickets, err := e.Repo.ActiveTickets(ctx, tx, q, excludeID)
	if err != nil {
		return 0, store("load queue", err)
	}
	changed := 0
	for _, p := range Rank(tickets) {
		if !p.Moved() {
			continue
		}
		if err := e.setPosition(ctx, tx, out, p.Ticket, p.Position); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
