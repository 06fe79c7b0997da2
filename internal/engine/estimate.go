package engine

import (
	"context"
	"database/sql"

	"queueline/internal/domain"
)

// EstimateWait returns the expected wait of t in seconds: the summed service
// time of every active ticket ranked ahead of it. Tickets without an
// estimated_time count for the configured default. Unpositioned and
// priority tickets wait 0.
func (e Engine) EstimateWait(ctx context.Context, t domain.Ticket) (int, error) {
	return e.estimate(ctx, nil, t)
}

func (e Engine) estimate(ctx context.Context, tx *sql.Tx, t domain.Ticket) (int, error) {
	if t.QueuePosition == nil || *t.QueuePosition <= 0 {
		return 0, nil
	}
	ahead, err := e.Repo.TicketsAhead(ctx, tx, t)
	if err != nil {
		return 0, store("tickets ahead", err)
	}
	fallback := e.Config.EstimatedTimeFallback()
	total := 0
	for _, a := range ahead {
		if a.EstimatedTime != nil {
			total += *a.EstimatedTime
			continue
		}
		total += fallback
	}
	return total, nil
}

// WaitInfo is a ticket's current standing in its queue.
type WaitInfo struct {
	TicketID          string `json:"ticket_id"`
	QueuePosition     *int   `json:"queue_position"`
	EstimatedWaitTime int    `json:"estimated_wait_time"`
	IsNext            bool   `json:"is_next"`
}

func (e Engine) Wait(ctx context.Context, ticketID string) (WaitInfo, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return WaitInfo{}, store("get ticket", err)
	}
	wait, err := e.EstimateWait(ctx, t)
	if err != nil {
		return WaitInfo{}, err
	}
	next, err := e.IsNext(ctx, t)
	if err != nil {
		return WaitInfo{}, err
	}
	return WaitInfo{TicketID: t.ID, QueuePosition: t.QueuePosition, EstimatedWaitTime: wait, IsNext: next}, nil
}

type BoardEntry struct {
	domain.Ticket
	EstimatedWaitTime int `json:"estimated_wait_time"`
}

// Board lists the active tickets of q by position with their estimates.
func (e Engine) Board(ctx context.Context, q domain.QueueRef) ([]BoardEntry, error) {
	tickets, err := e.Repo.QueueBoard(ctx, nil, q)
	if err != nil {
		return nil, store("queue board", err)
	}
	out := make([]BoardEntry, 0, len(tickets))
	for _, t := range tickets {
		wait, err := e.estimate(ctx, nil, t)
		if err != nil {
			return nil, err
		}
		out = append(out, BoardEntry{Ticket: t, EstimatedWaitTime: wait})
	}
	return out, nil
}
