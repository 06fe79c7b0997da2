package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"queueline/internal/db"
	"queueline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// ticketNumberIndex enforces one ticket number per tenant.
const ticketNumberIndex = "idx_tickets_tenant_number"

// IsDuplicateTicketNumber reports whether err is the unique violation raised
// when a tenant's ticket number is inserted twice.
func IsDuplicateTicketNumber(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == ticketNumberIndex
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "tickets.ticket_number")
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when present so reads inside an operation see its own writes.
func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) bind(query string) string {
	return r.Dialect.Rebind(query)
}

// LockQueue serializes writers of one queue for the rest of tx. SQLite
// connections already hold the database write lock from BEGIN IMMEDIATE.
func (r Repo) LockQueue(ctx context.Context, tx *sql.Tx, q domain.QueueRef) error {
	if r.Dialect != db.Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, q.Key())
	return err
}

func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := r.q(tx).ExecContext(ctx, r.bind(`INSERT INTO tenants(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`), id, name, now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,name,created_at FROM tenants WHERE id=?`), id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func statusArgs(statuses []domain.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return "(" + strings.Join(marks, ",") + ")", args
}
