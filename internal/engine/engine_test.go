package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/migrate"
	"queueline/internal/notify"
	"queueline/internal/repo"
)

type recordingSink struct {
	mu  sync.Mutex
	got []notify.Notification
	err error
}

func (s *recordingSink) Emit(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = nil
}

func (s *recordingSink) of(kind notify.Kind) map[string]notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := map[string]notify.Notification{}
	for _, n := range s.got {
		if n.Kind == kind {
			res[n.Ticket.ID] = n
		}
	}
	return res
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sink   *recordingSink
	Clock  *clock
	Queue  domain.QueueRef
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	eng := engine.New(conn, db.SQLite, config.Default("acme"))
	eng.Now = clk.Now
	eng.Sink = sink
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{
		Engine: eng,
		Ctx:    context.Background(),
		Sink:   sink,
		Clock:  clk,
		Queue:  domain.QueueRef{TenantID: "acme", QueueID: "q1"},
	}
}

func seconds(n int) *int { return &n }

func (env testEnv) create(t *testing.T, number string, mods ...func(*engine.TicketCreateOptions)) domain.Ticket {
	t.Helper()
	opts := engine.TicketCreateOptions{
		TenantID:      env.Queue.TenantID,
		TicketNumber:  number,
		ServiceType:   "deposit",
		QueueID:       env.Queue.QueueID,
		OfficeID:      "o1",
		EstimatedTime: seconds(300),
		ActorID:       "tester",
	}
	for _, m := range mods {
		m(&opts)
	}
	tk, err := env.Engine.CreateTicket(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create %s: %v", number, err)
	}
	return tk
}

func priority(o *engine.TicketCreateOptions) { o.Priority = true }

func (env testEnv) get(t *testing.T, id string) domain.Ticket {
	t.Helper()
	tk, err := env.Engine.Repo.GetTicket(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tk
}

func (env testEnv) position(t *testing.T, id string) *int {
	t.Helper()
	return env.get(t, id).QueuePosition
}

func (env testEnv) setStatus(t *testing.T, id string, status domain.Status) domain.Ticket {
	t.Helper()
	tk, err := env.Engine.SetStatus(env.Ctx, id, status, "tester", false)
	if err != nil {
		t.Fatalf("set %s to %s: %v", id, status, err)
	}
	return tk
}

func (env testEnv) lastEventID(t *testing.T) int64 {
	t.Helper()
	id, err := env.Engine.Repo.LatestEventID(env.Ctx, env.Queue.TenantID)
	if err != nil {
		t.Fatalf("latest event: %v", err)
	}
	return id
}

func wantPosition(t *testing.T, name string, got *int, want int) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: position is null, want %d", name, want)
	}
	if *got != want {
		t.Fatalf("%s: position %d, want %d", name, *got, want)
	}
}

func wantNoPosition(t *testing.T, name string, got *int) {
	t.Helper()
	if got != nil {
		t.Fatalf("%s: position %d, want null", name, *got)
	}
}

// assertRanked checks that the active tickets of q hold 0 (priority) or a
// gap-free 1..N, and that everything else holds no position.
func assertRanked(t *testing.T, env testEnv, q domain.QueueRef) {
	t.Helper()
	tickets, err := env.Engine.Repo.ListTickets(env.Ctx, repo.TicketFilters{TenantID: q.TenantID, QueueID: q.QueueID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var positions []int
	for _, tk := range tickets {
		switch {
		case !tk.Active():
			if tk.QueuePosition != nil {
				t.Fatalf("%s (%s) holds position %d", tk.TicketNumber, tk.Status, *tk.QueuePosition)
			}
		case tk.QueuePosition == nil:
			t.Fatalf("active %s has no position", tk.TicketNumber)
		case tk.Priority:
			if *tk.QueuePosition != 0 {
				t.Fatalf("priority %s at %d", tk.TicketNumber, *tk.QueuePosition)
			}
		default:
			positions = append(positions, *tk.QueuePosition)
		}
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			t.Fatalf("queue %s positions %v are not 1..%d", q.QueueID, positions, len(positions))
		}
	}
}

func TestSequentialTicketsGetConsecutivePositions(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	t3 := env.create(t, "A-003")

	wantPosition(t, "T1", t1.QueuePosition, 1)
	wantPosition(t, "T2", t2.QueuePosition, 2)
	wantPosition(t, "T3", t3.QueuePosition, 3)

	wait, err := env.Engine.EstimateWait(env.Ctx, t3)
	if err != nil {
		t.Fatal(err)
	}
	if wait != 600 {
		t.Fatalf("T3 wait %d, want 600", wait)
	}
	if wait, _ := env.Engine.EstimateWait(env.Ctx, t1); wait != 0 {
		t.Fatalf("T1 wait %d, want 0", wait)
	}
	created := env.Sink.of(notify.KindCreated)
	if len(created) != 3 {
		t.Fatalf("created notifications %d, want 3", len(created))
	}
	moved := env.Sink.of(notify.KindPositionUpdated)
	if got := moved[t3.ID].Ticket.EstimatedWaitTime; got != 600 {
		t.Fatalf("T3 notified wait %d, want 600", got)
	}
}

func TestPriorityTicketTakesPositionZero(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t4 := env.create(t, "P-004", priority)

	wantPosition(t, "T4", t4.QueuePosition, 0)
	wantPosition(t, "T1", env.position(t, t1.ID), 1)
	if wait, _ := env.Engine.EstimateWait(env.Ctx, t4); wait != 0 {
		t.Fatalf("priority wait %d, want 0", wait)
	}
	if _, ok := env.Sink.of(notify.KindPositionUpdated)[t4.ID]; !ok {
		t.Fatalf("expected position notification for priority ticket")
	}
}

func TestServingRemovesTicketAndNotifiesOnlyMovers(t *testing.T) {
	env := newTestEnv(t)
	t0 := env.create(t, "P-000", priority)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	t3 := env.create(t, "A-003")
	env.Sink.reset()

	served := env.setStatus(t, t1.ID, domain.StatusServing)
	wantNoPosition(t, "T1", served.QueuePosition)
	if served.ServingStartedAt == nil {
		t.Fatalf("serving_started_at not set")
	}
	wantPosition(t, "T0", env.position(t, t0.ID), 0)
	wantPosition(t, "T2", env.position(t, t2.ID), 1)
	wantPosition(t, "T3", env.position(t, t3.ID), 2)

	moved := env.Sink.of(notify.KindPositionUpdated)
	if len(moved) != 2 {
		t.Fatalf("position notifications %d, want 2", len(moved))
	}
	for _, id := range []string{t2.ID, t3.ID} {
		if _, ok := moved[id]; !ok {
			t.Fatalf("missing position notification for %s", id)
		}
	}
	if moved[t2.ID].Ticket.EstimatedWaitTime != 300 || moved[t3.ID].Ticket.EstimatedWaitTime != 600 {
		t.Fatalf("unexpected estimates in notifications: %+v", moved)
	}
	changed := env.Sink.of(notify.KindStatusChanged)[t1.ID]
	if changed.OldStatus != domain.StatusWaiting || changed.NewStatus != domain.StatusServing {
		t.Fatalf("status change %s -> %s", changed.OldStatus, changed.NewStatus)
	}
	if _, ok := env.Sink.of(notify.KindServing)[t1.ID]; !ok {
		t.Fatalf("expected ticket.serving notification")
	}
	assertRanked(t, env, env.Queue)
}

func TestFieldOnlyUpdateSkipsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	env.Sink.reset()
	before := env.lastEventID(t)

	name := "Ada"
	updated, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: t2.ID, MemberName: &name, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.MemberName == nil || *updated.MemberName != "Ada" {
		t.Fatalf("member name not stored")
	}
	wantPosition(t, "T2", updated.QueuePosition, 2)
	if env.Sink.len() != 0 {
		t.Fatalf("expected no notifications, got %d", env.Sink.len())
	}
	if env.lastEventID(t) != before {
		t.Fatalf("expected no events")
	}
}

func TestCompletionRecordsDuration(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	env.setStatus(t, t1.ID, domain.StatusCalled)
	env.setStatus(t, t1.ID, domain.StatusServing)
	env.Clock.Advance(120 * time.Second)
	done := env.setStatus(t, t1.ID, domain.StatusCompleted)

	if done.DurationSeconds == nil || *done.DurationSeconds != 120 {
		t.Fatalf("duration %v, want 120", done.DurationSeconds)
	}
	if done.CompletedAt == nil || done.CalledAt == nil {
		t.Fatalf("timestamps not recorded: %+v", done)
	}
	wantNoPosition(t, "T1", done.QueuePosition)
	if _, ok := env.Sink.of(notify.KindCompleted)[t1.ID]; !ok {
		t.Fatalf("expected ticket.completed notification")
	}
}

func TestConcurrentCreatesConverge(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
				TenantID: "acme", TicketNumber: fmt.Sprintf("C-%d", i), ServiceType: "deposit",
				QueueID: "q1", OfficeID: "o1", ActorID: "tester",
			})
			ids[i], errs[i] = tk.ID, err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := env.Engine.RecalculatePositions(env.Ctx, env.Queue, "", "tester"); err != nil {
		t.Fatal(err)
	}
	got := []int{*env.position(t, ids[0]), *env.position(t, ids[1])}
	sort.Ints(got)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("positions %v, want [1 2]", got)
	}
}

func TestRecalculateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	env.create(t, "A-002")
	env.create(t, "P-003", priority)
	if _, err := env.Engine.DB.Exec(`UPDATE tickets SET queue_position=9 WHERE id=?`, t1.ID); err != nil {
		t.Fatal(err)
	}

	changed, err := env.Engine.RecalculatePositions(env.Ctx, env.Queue, "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Fatalf("first recalculation changed %d, want 1", changed)
	}
	wantPosition(t, "T1", env.position(t, t1.ID), 1)

	env.Sink.reset()
	before := env.lastEventID(t)
	changed, err = env.Engine.RecalculatePositions(env.Ctx, env.Queue, "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if changed != 0 || env.Sink.len() != 0 || env.lastEventID(t) != before {
		t.Fatalf("second recalculation changed=%d notifications=%d", changed, env.Sink.len())
	}
}

func TestRecalculateExcludingTicket(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	if _, err := env.Engine.RecalculatePositions(env.Ctx, env.Queue, t1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	wantPosition(t, "T1", env.position(t, t1.ID), 1)
	wantPosition(t, "T2", env.position(t, t2.ID), 1)

	if _, err := env.Engine.RecalculatePositions(env.Ctx, domain.QueueRef{TenantID: "acme"}, "", "tester"); err == nil {
		t.Fatalf("expected validation error for missing queue")
	}
}

func TestEmptyQueueRecalculateIsNoop(t *testing.T) {
	env := newTestEnv(t)
	changed, err := env.Engine.RecalculatePositions(env.Ctx, env.Queue, "", "tester")
	if err != nil || changed != 0 {
		t.Fatalf("changed=%d err=%v", changed, err)
	}
}

func TestRankingInvariantUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(7))
	queues := []string{"q1", "q2"}
	var ids []string
	for i := 0; i < 80; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) < 3:
			q := queues[rng.Intn(len(queues))]
			tk := env.create(t, fmt.Sprintf("R-%03d", i), func(o *engine.TicketCreateOptions) {
				o.QueueID = q
				o.Priority = rng.Intn(5) == 0
				if rng.Intn(3) == 0 {
					o.EstimatedTime = nil
				}
			})
			ids = append(ids, tk.ID)
		case op == 1:
			id := ids[rng.Intn(len(ids))]
			status := domain.Statuses[rng.Intn(len(domain.Statuses))]
			if _, err := env.Engine.SetStatus(env.Ctx, id, status, "tester", true); err != nil {
				t.Fatalf("op %d status: %v", i, err)
			}
		case op == 2:
			id := ids[rng.Intn(len(ids))]
			q := queues[rng.Intn(len(queues))]
			if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: id, QueueID: &q, ActorID: "tester"}); err != nil {
				t.Fatalf("op %d move: %v", i, err)
			}
		default:
			id := ids[rng.Intn(len(ids))]
			flip := rng.Intn(2) == 0
			if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: id, Priority: &flip, ActorID: "tester"}); err != nil {
				t.Fatalf("op %d priority: %v", i, err)
			}
		}
		for _, q := range queues {
			assertRanked(t, env, domain.QueueRef{TenantID: "acme", QueueID: q})
		}
	}

	for _, q := range queues {
		board, err := env.Engine.Board(env.Ctx, domain.QueueRef{TenantID: "acme", QueueID: q})
		if err != nil {
			t.Fatal(err)
		}
		last := 0
		for _, entry := range board {
			if entry.EstimatedWaitTime < last {
				t.Fatalf("estimate decreased along queue %s: %d after %d", q, entry.EstimatedWaitTime, last)
			}
			last = entry.EstimatedWaitTime
		}
	}
}

func TestEstimateUsesConfiguredFallback(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Queue.DefaultEstimatedTime = 120
	env.create(t, "A-001", func(o *engine.TicketCreateOptions) { o.EstimatedTime = nil })
	env.create(t, "A-002", func(o *engine.TicketCreateOptions) { o.EstimatedTime = seconds(45) })
	t3 := env.create(t, "A-003")

	info, err := env.Engine.Wait(env.Ctx, t3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.EstimatedWaitTime != 165 {
		t.Fatalf("wait %d, want 165", info.EstimatedWaitTime)
	}
	if info.IsNext {
		t.Fatalf("T3 is not next")
	}
	if wait, _ := env.Engine.EstimateWait(env.Ctx, domain.Ticket{}); wait != 0 {
		t.Fatalf("unpositioned wait %d, want 0", wait)
	}
}

func TestRemoveAndReenterRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")

	skipped := env.setStatus(t, t1.ID, domain.StatusSkipped)
	wantNoPosition(t, "T1", skipped.QueuePosition)
	wantPosition(t, "T2", env.position(t, t2.ID), 1)

	back := env.setStatus(t, t1.ID, domain.StatusWaiting)
	wantPosition(t, "T1", back.QueuePosition, 1)
	wantPosition(t, "T2", env.position(t, t2.ID), 2)
	assertRanked(t, env, env.Queue)
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	env.setStatus(t, t1.ID, domain.StatusServing)
	env.setStatus(t, t1.ID, domain.StatusCompleted)

	_, err := env.Engine.SetStatus(env.Ctx, t1.ID, domain.StatusWaiting, "tester", false)
	var terr *engine.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
	_, err = env.Engine.SetStatus(env.Ctx, t1.ID, domain.Status("lost"), "tester", true)
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	back, err := env.Engine.SetStatus(env.Ctx, t1.ID, domain.StatusWaiting, "tester", true)
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	wantPosition(t, "T1", back.QueuePosition, 1)

	if _, err := env.Engine.SetStatus(env.Ctx, "missing", domain.StatusCalled, "tester", false); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "A-001")
	_, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{TenantID: "acme", TicketNumber: "A-001", ServiceType: "x", QueueID: "q1", OfficeID: "o1"})
	if !errors.Is(err, engine.ErrDuplicateNumber) {
		t.Fatalf("expected duplicate number, got %v", err)
	}
	_, err = env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{TenantID: "acme", TicketNumber: "A-002", ServiceType: "x", OfficeID: "o1"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "queue_id" {
		t.Fatalf("expected queue_id validation error, got %v", err)
	}
	other, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{TenantID: "globex", TicketNumber: "A-001", ServiceType: "x", QueueID: "q1", OfficeID: "o1"})
	if err != nil {
		t.Fatalf("same number in another tenant: %v", err)
	}
	wantPosition(t, "other tenant", other.QueuePosition, 1)
	parked, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{TenantID: "acme", TicketNumber: "A-009", ServiceType: "x", QueueID: "q1", OfficeID: "o1", Status: domain.StatusSkipped})
	if err != nil {
		t.Fatal(err)
	}
	wantNoPosition(t, "skipped on create", parked.QueuePosition)
}

func TestCallNextPrefersPriorityThenCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	p1 := env.create(t, "P-001", priority)
	p2 := env.create(t, "P-002", priority)

	order := []string{p1.ID, p2.ID, t1.ID, t2.ID}
	for i, want := range order {
		next, err := env.Engine.NextTicket(env.Ctx, env.Queue)
		if err != nil {
			t.Fatal(err)
		}
		if ok, _ := env.Engine.IsNext(env.Ctx, next); !ok || next.ID != want {
			t.Fatalf("call %d: next is %s, want %s", i, next.TicketNumber, want)
		}
		called, err := env.Engine.CallNext(env.Ctx, env.Queue, "c7", "clerk-1", "tester")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if called.ID != want || called.Status != domain.StatusCalled {
			t.Fatalf("call %d: got %s (%s)", i, called.TicketNumber, called.Status)
		}
		if called.CounterID == nil || *called.CounterID != "c7" || called.CalledAt == nil {
			t.Fatalf("counter or called_at missing: %+v", called)
		}
		assertRanked(t, env, env.Queue)
	}
	if _, err := env.Engine.CallNext(env.Ctx, env.Queue, "c7", "", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestQueueMoveRenumbersBothQueues(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	t3 := env.create(t, "B-001", func(o *engine.TicketCreateOptions) { o.QueueID = "q2" })

	q2 := "q2"
	moved, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: t1.ID, QueueID: &q2, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	wantPosition(t, "T1", moved.QueuePosition, 1)
	wantPosition(t, "T3", env.position(t, t3.ID), 2)
	wantPosition(t, "T2", env.position(t, t2.ID), 1)
}

func TestPriorityFlipRecalculates(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	yes := true
	flipped, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: t2.ID, Priority: &yes, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	wantPosition(t, "T2", flipped.QueuePosition, 0)
	wantPosition(t, "T1", env.position(t, t1.ID), 1)
}

func TestStoreFailureLeavesTicketUnchanged(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")
	if _, err := env.Engine.DB.Exec(`CREATE TRIGGER fail_position_clear BEFORE UPDATE OF queue_position ON tickets
WHEN NEW.queue_position IS NULL BEGIN SELECT RAISE(ABORT, 'position store offline'); END`); err != nil {
		t.Fatal(err)
	}
	env.Sink.reset()
	before := env.lastEventID(t)

	_, err := env.Engine.SetStatus(env.Ctx, t1.ID, domain.StatusServing, "tester", false)
	var serr *engine.StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected store error, got %v", err)
	}
	got := env.get(t, t1.ID)
	if got.Status != domain.StatusWaiting || got.ServingStartedAt != nil {
		t.Fatalf("status change leaked: %+v", got)
	}
	wantPosition(t, "T1", got.QueuePosition, 1)
	wantPosition(t, "T2", env.position(t, t2.ID), 2)
	if env.Sink.len() != 0 || env.lastEventID(t) != before {
		t.Fatalf("failed operation emitted notifications or events")
	}
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.Sink.err = errors.New("display offline")
	t1 := env.create(t, "A-001")
	wantPosition(t, "T1", t1.QueuePosition, 1)
	if env.Sink.len() == 0 {
		t.Fatalf("sink was not called")
	}
	if _, err := env.Engine.SetStatus(env.Ctx, t1.ID, domain.StatusCalled, "tester", false); err != nil {
		t.Fatalf("status change failed on sink error: %v", err)
	}
}

func TestDirectPositionHelpers(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "A-001")
	t2 := env.create(t, "A-002")

	if err := env.Engine.RemoveFromQueue(env.Ctx, t1.ID, "tester"); err == nil {
		t.Fatalf("expected active ticket removal to be rejected")
	}
	if _, err := env.Engine.DB.Exec(`UPDATE tickets SET status='cancelled' WHERE id=?`, t1.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveFromQueue(env.Ctx, t1.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	wantNoPosition(t, "T1", env.position(t, t1.ID))
	wantPosition(t, "T2", env.position(t, t2.ID), 1)

	pos, err := env.Engine.AssignPosition(env.Ctx, t2.ID, "tester")
	if err != nil || pos != 1 {
		t.Fatalf("assign: pos=%d err=%v", pos, err)
	}
	if _, err := env.Engine.AssignPosition(env.Ctx, t1.ID, "tester"); err == nil {
		t.Fatalf("expected cancelled ticket assignment to be rejected")
	}
}

// reentrantSink runs another mutation of the same queue from inside Emit.
type reentrantSink struct {
	engine engine.Engine
	queue  domain.QueueRef
	mu     sync.Mutex
	errs   []error
	once   sync.Once
}

func (s *reentrantSink) Emit(ctx context.Context, n notify.Notification) error {
	if n.Kind != notify.KindCreated {
		return nil
	}
	s.once.Do(func() {
		done := make(chan error, 1)
		go func() {
			_, err := s.engine.RecalculatePositions(ctx, s.queue, "", "display")
			done <- err
		}()
		var err error
		select {
		case err = <-done:
		case <-time.After(2 * time.Second):
			err = errors.New("queue still locked while notifying")
		}
		s.mu.Lock()
		s.errs = append(s.errs, err)
		s.mu.Unlock()
	})
	return nil
}

func TestSinkMayWriteToTheQueueItWasNotifiedAbout(t *testing.T) {
	env := newTestEnv(t)
	sink := &reentrantSink{queue: env.Queue}
	env.Engine.Sink = sink
	sink.engine = env.Engine

	env.create(t, "A-001")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 {
		t.Fatalf("sink ran %d nested writes, want 1", len(sink.errs))
	}
	if sink.errs[0] != nil {
		t.Fatalf("nested write: %v", sink.errs[0])
	}
}

func TestDuplicateNumberAcrossQueuesUnderContention(t *testing.T) {
	env := newTestEnv(t)
	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
				TenantID: "acme", TicketNumber: "D-001", ServiceType: "deposit",
				QueueID: fmt.Sprintf("q%d", i), OfficeID: "o1", ActorID: "tester",
			})
		}(i)
	}
	wg.Wait()
	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, engine.ErrDuplicateNumber):
		default:
			t.Fatalf("expected duplicate number, got %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("%d tickets created with the same number, want 1", created)
	}
}
