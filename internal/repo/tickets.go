package repo

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"queueline/internal/domain"
)

const ticketColumns = `id,tenant_id,ticket_number,service_type,service_id,queue_id,office_id,member_number,member_name,phone_number,estimated_time,priority,status,queue_position,counter_id,clerk_id,transferred_to_counter_id,called_at,serving_started_at,completed_at,duration_seconds,created_by,updated_by,created_at,updated_at`

// rankOrder is the ranking sort: priority first, then arrival.
const rankOrder = `ORDER BY priority DESC, created_at ASC, id ASC`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var t domain.Ticket
	var serviceID, memberNumber, memberName, phone, counterID, clerkID, transferredTo, calledAt, servingAt, completedAt sql.NullString
	var estimated, position, duration sql.NullInt64
	var priority int64
	var status string
	err := row.Scan(&t.ID, &t.TenantID, &t.TicketNumber, &t.ServiceType, &serviceID, &t.QueueID, &t.OfficeID,
		&memberNumber, &memberName, &phone, &estimated, &priority, &status, &position, &counterID, &clerkID,
		&transferredTo, &calledAt, &servingAt, &completedAt, &duration, &t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.Priority = priority != 0
	t.ServiceID = stringPtr(serviceID)
	t.MemberNumber = stringPtr(memberNumber)
	t.MemberName = stringPtr(memberName)
	t.PhoneNumber = stringPtr(phone)
	t.CounterID = stringPtr(counterID)
	t.ClerkID = stringPtr(clerkID)
	t.TransferredToCounterID = stringPtr(transferredTo)
	t.CalledAt = stringPtr(calledAt)
	t.ServingStartedAt = stringPtr(servingAt)
	t.CompletedAt = stringPtr(completedAt)
	t.EstimatedTime = intPtr(estimated)
	t.QueuePosition = intPtr(position)
	t.DurationSeconds = intPtr(duration)
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO tickets(`+ticketColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.TenantID, t.TicketNumber, t.ServiceType, nullableStringPtr(t.ServiceID), t.QueueID, t.OfficeID,
		nullableStringPtr(t.MemberNumber), nullableStringPtr(t.MemberName), nullableStringPtr(t.PhoneNumber),
		nullableIntPtr(t.EstimatedTime), boolInt(t.Priority), string(t.Status), nullableIntPtr(t.QueuePosition),
		nullableStringPtr(t.CounterID), nullableStringPtr(t.ClerkID), nullableStringPtr(t.TransferredToCounterID),
		nullableStringPtr(t.CalledAt), nullableStringPtr(t.ServingStartedAt), nullableStringPtr(t.CompletedAt),
		nullableIntPtr(t.DurationSeconds), t.CreatedBy, t.UpdatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return r.GetTicketTx(ctx, nil, id)
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	return scanTicket(r.q(tx).QueryRowContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE id=?`), id))
}

func (r Repo) GetTicketByNumber(ctx context.Context, tx *sql.Tx, tenantID, number string) (domain.Ticket, error) {
	return scanTicket(r.q(tx).QueryRowContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=? AND ticket_number=?`), tenantID, number))
}

type column struct {
	name  string
	value any
}

// mutableColumns lists every column an update may touch, in a fixed order.
func mutableColumns(t domain.Ticket) []column {
	return []column{
		{"service_type", t.ServiceType},
		{"service_id", nullableStringPtr(t.ServiceID)},
		{"queue_id", t.QueueID},
		{"office_id", t.OfficeID},
		{"member_number", nullableStringPtr(t.MemberNumber)},
		{"member_name", nullableStringPtr(t.MemberName)},
		{"phone_number", nullableStringPtr(t.PhoneNumber)},
		{"estimated_time", nullableIntPtr(t.EstimatedTime)},
		{"priority", boolInt(t.Priority)},
		{"status", string(t.Status)},
		{"queue_position", nullableIntPtr(t.QueuePosition)},
		{"counter_id", nullableStringPtr(t.CounterID)},
		{"clerk_id", nullableStringPtr(t.ClerkID)},
		{"transferred_to_counter_id", nullableStringPtr(t.TransferredToCounterID)},
		{"called_at", nullableStringPtr(t.CalledAt)},
		{"serving_started_at", nullableStringPtr(t.ServingStartedAt)},
		{"completed_at", nullableStringPtr(t.CompletedAt)},
		{"duration_seconds", nullableIntPtr(t.DurationSeconds)},
	}
}

// ChangedFields returns the names of mutable columns that differ between two
// versions of a ticket.
func ChangedFields(before, after domain.Ticket) []string {
	prev := mutableColumns(before)
	next := mutableColumns(after)
	var changed []string
	for i := range next {
		if !reflect.DeepEqual(prev[i].value, next[i].value) {
			changed = append(changed, next[i].name)
		}
	}
	return changed
}

// UpdateTicket writes only the columns that differ between before and after
// and returns their names. Nothing is written when nothing changed.
func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, before, after domain.Ticket) ([]string, error) {
	changed := ChangedFields(before, after)
	if len(changed) == 0 {
		return nil, nil
	}
	set := map[string]bool{}
	for _, name := range changed {
		set[name] = true
	}
	var (
		fields []string
		args   []any
	)
	for _, col := range mutableColumns(after) {
		if !set[col.name] {
			continue
		}
		fields = append(fields, col.name+"=?")
		args = append(args, col.value)
	}
	fields = append(fields, "updated_by=?", "updated_at=?")
	args = append(args, after.UpdatedBy, after.UpdatedAt, after.ID)
	res, err := tx.ExecContext(ctx, r.bind(fmt.Sprintf(`UPDATE tickets SET %s WHERE id=?`, strings.Join(fields, ","))), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return changed, nil
}

// SetQueuePosition is the position-only write path. It touches nothing but
// queue_position.
func (r Repo) SetQueuePosition(ctx context.Context, tx *sql.Tx, id string, position *int) error {
	res, err := tx.ExecContext(ctx, r.bind(`UPDATE tickets SET queue_position=? WHERE id=?`), nullableIntPtr(position), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveTickets returns the active tickets of a queue in ranking order.
func (r Repo) ActiveTickets(ctx context.Context, tx *sql.Tx, q domain.QueueRef, excludeID string) ([]domain.Ticket, error) {
	in, statusVals := statusArgs(domain.ActiveStatuses)
	args := append([]any{q.TenantID, q.QueueID}, statusVals...)
	args = append(args, excludeID)
	rows, err := r.q(tx).QueryContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=? AND queue_id=? AND status IN `+in+` AND id<>? `+rankOrder), args...)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}

func (r Repo) CountActiveNonPriority(ctx context.Context, tx *sql.Tx, q domain.QueueRef, excludeID string) (int, error) {
	in, statusVals := statusArgs(domain.ActiveStatuses)
	args := append([]any{q.TenantID, q.QueueID}, statusVals...)
	args = append(args, excludeID)
	var n int
	err := r.q(tx).QueryRowContext(ctx, r.bind(`SELECT COUNT(*) FROM tickets WHERE tenant_id=? AND queue_id=? AND status IN `+in+` AND priority=0 AND id<>?`), args...).Scan(&n)
	return n, err
}

// QueueBoard returns the active tickets of a queue ordered by position.
func (r Repo) QueueBoard(ctx context.Context, tx *sql.Tx, q domain.QueueRef) ([]domain.Ticket, error) {
	in, statusVals := statusArgs(domain.ActiveStatuses)
	args := append([]any{q.TenantID, q.QueueID}, statusVals...)
	rows, err := r.q(tx).QueryContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=? AND queue_id=? AND status IN `+in+`
ORDER BY CASE WHEN queue_position IS NULL THEN 1 ELSE 0 END, queue_position ASC, created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}

// TicketsAhead returns active tickets in t's queue ranked strictly ahead of
// it: a lower position, or the same position with an earlier created_at.
func (r Repo) TicketsAhead(ctx context.Context, tx *sql.Tx, t domain.Ticket) ([]domain.Ticket, error) {
	if t.QueuePosition == nil {
		return nil, nil
	}
	pos := *t.QueuePosition
	in, statusVals := statusArgs(domain.ActiveStatuses)
	args := append([]any{t.TenantID, t.QueueID}, statusVals...)
	args = append(args, t.ID, pos, pos, t.CreatedAt)
	rows, err := r.q(tx).QueryContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=? AND queue_id=? AND status IN `+in+`
AND id<>? AND queue_position IS NOT NULL AND (queue_position < ? OR (queue_position = ? AND created_at < ?))
ORDER BY queue_position ASC, created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}

// NextTicket returns the positioned ticket with the lowest position among
// the given statuses; ties (priority tickets share 0) go to the earliest.
func (r Repo) NextTicket(ctx context.Context, tx *sql.Tx, q domain.QueueRef, statuses []domain.Status) (domain.Ticket, error) {
	if len(statuses) == 0 {
		statuses = domain.ActiveStatuses
	}
	in, statusVals := statusArgs(statuses)
	args := append([]any{q.TenantID, q.QueueID}, statusVals...)
	return scanTicket(r.q(tx).QueryRowContext(ctx, r.bind(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=? AND queue_id=? AND status IN `+in+`
AND queue_position IS NOT NULL ORDER BY queue_position ASC, created_at ASC, id ASC LIMIT 1`), args...))
}

// ActiveQueues lists every queue holding at least one active ticket.
func (r Repo) ActiveQueues(ctx context.Context) ([]domain.QueueRef, error) {
	in, statusVals := statusArgs(domain.ActiveStatuses)
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT DISTINCT tenant_id, queue_id FROM tickets WHERE status IN `+in+` ORDER BY tenant_id, queue_id`), statusVals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueRef
	for rows.Next() {
		var q domain.QueueRef
		if err := rows.Scan(&q.TenantID, &q.QueueID); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

type TicketFilters struct {
	TenantID        string
	Status          string
	QueueID         string
	OfficeID        string
	ServiceID       string
	CounterID       string
	ClerkID         string
	Priority        *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilters) ([]domain.Ticket, error) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if f.TenantID != "" {
		add("tenant_id=?", f.TenantID)
	}
	if f.Status != "" {
		add("status=?", f.Status)
	}
	if f.QueueID != "" {
		add("queue_id=?", f.QueueID)
	}
	if f.OfficeID != "" {
		add("office_id=?", f.OfficeID)
	}
	if f.ServiceID != "" {
		add("service_id=?", f.ServiceID)
	}
	if f.CounterID != "" {
		add("counter_id=?", f.CounterID)
	}
	if f.ClerkID != "" {
		add("clerk_id=?", f.ClerkID)
	}
	if f.Priority != nil {
		add("priority=?", boolInt(*f.Priority))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}
