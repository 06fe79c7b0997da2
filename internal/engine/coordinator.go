package engine

import (
	"context"
	"database/sql"

	"queueline/internal/domain"
)

// Change is one committed ticket update as seen by the lifecycle handler.
type Change struct {
	Before domain.Ticket
	After  domain.Ticket
	Fields []string
}

func (c Change) has(field string) bool {
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// positionOnly reports whether the change is an echo of a position write.
func (c Change) positionOnly() bool {
	for _, f := range c.Fields {
		if f != "queue_position" {
			return false
		}
	}
	return true
}

type plan int

const (
	planNone plan = iota
	planAssign
	planRemove
	planRecalculate
)

func (p plan) String() string {
	switch p {
	case planAssign:
		return "assign"
	case planRemove:
		return "remove"
	case planRecalculate:
		return "recalculate"
	}
	return "none"
}

// planTransition decides what a change means for queue ranking.
func planTransition(c Change) plan {
	if c.positionOnly() {
		return planNone
	}
	statusChanged := c.has("status")
	switch {
	case statusChanged && !c.After.Active():
		if c.Before.Active() || c.Before.QueuePosition != nil {
			return planRemove
		}
		return planNone
	case statusChanged && c.After.Status == domain.StatusWaiting:
		return planAssign
	case c.has("queue_id") && c.After.Active():
		return planAssign
	case statusChanged:
		return planRecalculate
	case c.has("priority") && c.After.Active():
		return planRecalculate
	}
	return planNone
}

// react applies the ranking consequences of c inside the caller's
// transaction.
func (e Engine) react(ctx context.Context, tx *sql.Tx, out *outbox, c Change) error {
	p := planTransition(c)
	if p == planNone {
		return nil
	}
	moved := c.Before.QueueID != c.After.QueueID
	switch p {
	case planRemove:
		if err := e.removeFromQueue(ctx, tx, out, c.After); err != nil {
			return err
		}
	case planAssign:
		t := c.After
		if moved && t.QueuePosition != nil {
			if err := e.Repo.SetQueuePosition(ctx, tx, t.ID, nil); err != nil {
				return store("clear queue position", err)
			}
			t.QueuePosition = nil
		}
		if _, err := e.assignPosition(ctx, tx, out, t); err != nil {
			return err
		}
		if _, err := e.recalculate(ctx, tx, out, t.Queue(), ""); err != nil {
			return err
		}
	case planRecalculate:
		if _, err := e.recalculate(ctx, tx, out, c.After.Queue(), ""); err != nil {
			return err
		}
	}
	if moved {
		if _, err := e.recalculate(ctx, tx, out, c.Before.Queue(), ""); err != nil {
			return err
		}
	}
	e.logger().DebugContext(ctx, "ticket lifecycle", "ticket_id", c.After.ID, "plan", p.String(), "fields", c.Fields)
	return nil
}
