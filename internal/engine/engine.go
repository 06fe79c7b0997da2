package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"sync"
	"time"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/events"
	"queueline/internal/notify"
	"queueline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Sink   notify.Sink
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	locks  *queueLocks
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{DB: conn, Dialect: dialect},
		Config: cfg,
		Now:    time.Now,
		locks:  newQueueLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// queueLocks hands out one mutex per tenant/queue key. An entry lives only
// while someone holds or waits on it.
type queueLocks struct {
	mu sync.Mutex
	m  map[string]*queueLock
}

type queueLock struct {
	mu   sync.Mutex
	refs int
}

func newQueueLocks() *queueLocks {
	return &queueLocks{m: make(map[string]*queueLock)}
}

// lock acquires the mutexes of every queue in key order and returns the
// matching unlock.
func (l *queueLocks) lock(queues []domain.QueueRef) func() {
	if l == nil {
		return func() {}
	}
	keys := queueKeys(queues)
	held := make([]*queueLock, 0, len(keys))
	for _, k := range keys {
		ql := l.acquire(k)
		ql.mu.Lock()
		held = append(held, ql)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(keys[i], held[i])
			}
		})
	}
}

func (l *queueLocks) acquire(key string) *queueLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ql, ok := l.m[key]
	if !ok {
		ql = &queueLock{}
		l.m[key] = ql
	}
	ql.refs++
	return ql
}

func (l *queueLocks) release(key string, ql *queueLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ql.refs--
	if ql.refs == 0 {
		delete(l.m, key)
	}
}

// size reports how many queue keys currently have an entry.
func (l *queueLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func queueKeys(queues []domain.QueueRef) []string {
	seen := map[string]bool{}
	var keys []string
	for _, q := range queues {
		k := q.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedQueues(queues []domain.QueueRef) []domain.QueueRef {
	byKey := map[string]domain.QueueRef{}
	for _, q := range queues {
		byKey[q.Key()] = q
	}
	out := make([]domain.QueueRef, 0, len(byKey))
	for _, k := range queueKeys(queues) {
		out = append(out, byKey[k])
	}
	return out
}

type notice struct {
	kind      notify.Kind
	ticket    domain.Ticket
	oldStatus domain.Status
	newStatus domain.Status
	payload   events.EventPayload
}

// outbox collects the notifications of one transaction. They go to the event
// log before commit and to the sink after it.
type outbox struct {
	actorID  string
	notices  []notice
	position map[string]int
}

func newOutbox(actorID string) *outbox {
	return &outbox{actorID: actorID, position: map[string]int{}}
}

// moved records a position change. A ticket moved twice in one transaction
// yields one notice carrying the final position.
func (o *outbox) moved(t domain.Ticket, from *int, to *int) {
	if i, ok := o.position[t.ID]; ok {
		o.notices[i].payload["to"] = positionValue(to)
		return
	}
	o.position[t.ID] = len(o.notices)
	o.notices = append(o.notices, notice{
		kind:    notify.KindPositionUpdated,
		ticket:  t,
		payload: events.EventPayload{"from": positionValue(from), "to": positionValue(to)},
	})
}

func (o *outbox) created(t domain.Ticket) {
	o.notices = append(o.notices, notice{
		kind:    notify.KindCreated,
		ticket:  t,
		payload: events.EventPayload{"ticket_number": t.TicketNumber, "status": t.Status, "priority": t.Priority},
	})
}

// statusChanged queues ticket.status.changed and, for called, serving and
// completed, the matching specific notice.
func (o *outbox) statusChanged(t domain.Ticket, from, to domain.Status) {
	payload := events.EventPayload{"old_status": from, "new_status": to}
	o.notices = append(o.notices, notice{kind: notify.KindStatusChanged, ticket: t, oldStatus: from, newStatus: to, payload: payload})
	var kind notify.Kind
	switch to {
	case domain.StatusCalled:
		kind = notify.KindCalled
	case domain.StatusServing:
		kind = notify.KindServing
	case domain.StatusCompleted:
		kind = notify.KindCompleted
	default:
		return
	}
	o.notices = append(o.notices, notice{kind: kind, ticket: t, oldStatus: from, newStatus: to, payload: events.EventPayload{"old_status": from}})
}

func positionValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// withQueues runs fn in one transaction holding the locks of every queue it
// touches. Nothing fn writes is visible unless all of it commits. The locks
// are released once the commit lands, before notifications go out.
func (e Engine) withQueues(ctx context.Context, queues []domain.QueueRef, actorID string, fn func(tx *sql.Tx, out *outbox) error) error {
	queues = sortedQueues(queues)
	unlock := e.locks.lock(queues)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return store("begin", err)
	}
	defer tx.Rollback()

	for _, q := range queues {
		if err := e.Repo.LockQueue(ctx, tx, q); err != nil {
			return store("lock queue "+q.Key(), err)
		}
	}
	out := newOutbox(actorID)
	if err := fn(tx, out); err != nil {
		return err
	}
	w := e.Events
	w.Now = e.now
	for _, n := range out.notices {
		if err := w.Append(ctx, tx, events.Entry{
			Type:       string(n.kind),
			Queue:      n.ticket.Queue(),
			EntityKind: "ticket",
			EntityID:   n.ticket.ID,
			ActorID:    out.actorID,
			Payload:    n.payload,
		}); err != nil {
			return store("append event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store("commit", err)
	}
	unlock()
	e.flush(ctx, out)
	return nil
}

// flush delivers committed notices to the sink. Failures are logged only.
func (e Engine) flush(ctx context.Context, out *outbox) {
	if e.Sink == nil {
		return
	}
	ts := domain.FormatTime(e.now())
	for _, n := range out.notices {
		t, err := e.Repo.GetTicket(ctx, n.ticket.ID)
		if err != nil {
			e.logger().WarnContext(ctx, "notification snapshot failed", "event", string(n.kind), "ticket_id", n.ticket.ID, "error", err)
			continue
		}
		wait, err := e.estimate(ctx, nil, t)
		if err != nil {
			e.logger().WarnContext(ctx, "wait estimate failed", "ticket_id", t.ID, "error", err)
		}
		msg := notify.Notification{
			Kind:      n.kind,
			TS:        ts,
			Ticket:    notify.SnapshotOf(t, wait),
			OldStatus: n.oldStatus,
			NewStatus: n.newStatus,
		}
		if err := e.Sink.Emit(ctx, msg); err != nil {
			e.logger().WarnContext(ctx, "notification failed", "event", string(n.kind), "ticket_id", t.ID, "error", err)
		}
	}
}
