package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"queueline/internal/db"
	"queueline/internal/domain"
)

// Writer appends to the event log inside the caller's transaction.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Entry is one event log row before insertion.
type Entry struct {
	Type       string
	Queue      domain.QueueRef
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,tenant_id,queue_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`),
		ts, e.Type, nullable(e.Queue.TenantID), nullable(e.Queue.QueueID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
