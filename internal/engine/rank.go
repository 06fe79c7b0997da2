package engine

import (
	"sort"

	"queueline/internal/domain"
)

// Placement is the position a ticket should hold.
type Placement struct {
	Ticket   domain.Ticket
	Position int
}

// Moved reports whether the stored position differs from the computed one.
func (p Placement) Moved() bool {
	return p.Ticket.QueuePosition == nil || *p.Ticket.QueuePosition != p.Position
}

// Rank orders the active tickets of one queue by priority, then creation
// time, then id. Priority tickets share position 0; the others get 1..N.
func Rank(tickets []domain.Ticket) []Placement {
	sorted := make([]domain.Ticket, len(tickets))
	copy(sorted, tickets)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	out := make([]Placement, 0, len(sorted))
	next := 1
	for _, t := range sorted {
		if t.Priority {
			out = append(out, Placement{Ticket: t, Position: 0})
			continue
		}
		out = append(out, Placement{Ticket: t, Position: next})
		next++
	}
	return out
}
