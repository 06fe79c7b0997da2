package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/migrate"
	"queueline/internal/notify"
	"queueline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *notify.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mods ...func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	hub := notify.NewHub(logger)
	go hub.Run(ctx)

	e := engine.New(conn, db.SQLite, cfg)
	e.Logger = logger
	e.Sink = hub
	scfg := Config{Engine: e, Hub: hub, BasePath: "/v0", Logger: logger}
	for _, m := range mods {
		m(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			cancel()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ticketBodyFor(number string) map[string]any {
	return map[string]any{
		"ticket_number":  number,
		"service_type":   "deposit",
		"queue_id":       "q1",
		"office_id":      "o1",
		"estimated_time": 300,
	}
}

func createTicket(t *testing.T, srv *testServer, body map[string]any, headers map[string]string) TicketResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tickets", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket status %d: %s", res.StatusCode, string(data))
	}
	var created TicketResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	return created
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestTicketFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	first := createTicket(t, srv, ticketBodyFor("A001"), nil)
	second := createTicket(t, srv, ticketBodyFor("A002"), map[string]string{"X-Actor-Id": "kiosk-1"})
	if first.QueuePosition == nil || *first.QueuePosition != 1 {
		t.Fatalf("first position %v", first.QueuePosition)
	}
	if second.QueuePosition == nil || *second.QueuePosition != 2 || second.EstimatedWaitTime != 300 {
		t.Fatalf("second ticket %+v", second)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+second.ID+"/wait", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d: %s", res.StatusCode, string(data))
	}
	var wait engine.WaitInfo
	_ = json.Unmarshal(data, &wait)
	if wait.EstimatedWaitTime != 300 || wait.IsNext {
		t.Fatalf("wait %+v", wait)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queues/q1/call-next", map[string]any{"counter_id": "c1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call-next status %d: %s", res.StatusCode, string(data))
	}
	var called TicketResponse
	_ = json.Unmarshal(data, &called)
	if called.ID != first.ID || called.Status != domain.StatusCalled {
		t.Fatalf("called %+v", called)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+first.ID+"/status", map[string]any{"status": "serving"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("serving status %d: %s", res.StatusCode, string(data))
	}
	var serving TicketResponse
	_ = json.Unmarshal(data, &serving)
	if serving.QueuePosition != nil || serving.ServingStartedAt == nil {
		t.Fatalf("serving ticket %+v", serving)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queues/q1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var board QueueBoardResponse
	_ = json.Unmarshal(data, &board)
	if len(board.Tickets) != 1 || board.Tickets[0].ID != second.ID || *board.Tickets[0].QueuePosition != 1 {
		t.Fatalf("board %+v", board)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queues/q1/next", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next status %d: %s", res.StatusCode, string(data))
	}
	var next TicketResponse
	_ = json.Unmarshal(data, &next)
	if next.ID != second.ID || next.EstimatedWaitTime != 0 {
		t.Fatalf("next %+v", next)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tickets/"+second.ID, map[string]any{"member_name": "Ada"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var patched TicketResponse
	_ = json.Unmarshal(data, &patched)
	if patched.MemberName == nil || *patched.MemberName != "Ada" {
		t.Fatalf("patched %+v", patched)
	}
}

func TestListTicketsPaginatesAndFilters(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	for _, n := range []string{"A001", "A002", "A003"} {
		createTicket(t, srv, ticketBodyFor(n), nil)
	}
	vip := ticketBodyFor("P001")
	vip["priority"] = true
	createTicket(t, srv, vip, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTickets
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedTickets
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) != 2 || rest.NextCursor != "" {
		t.Fatalf("second page %+v", rest)
	}
	seen := map[string]bool{}
	for _, it := range append(page.Items, rest.Items...) {
		if seen[it.ID] {
			t.Fatalf("ticket %s listed twice", it.ID)
		}
		seen[it.ID] = true
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?priority=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("priority filter status %d: %s", res.StatusCode, string(data))
	}
	var vips paginatedTickets
	_ = json.Unmarshal(data, &vips)
	if len(vips.Items) != 1 || vips.Items[0].TicketNumber != "P001" {
		t.Fatalf("priority filter %+v", vips)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?cursor=broken", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status %d", res.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	tk := createTicket(t, srv, ticketBodyFor("A001"), nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing ticket %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", ticketBodyFor("A001"), nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_ticket_number" {
		t.Fatalf("duplicate %d %s", res.StatusCode, string(data))
	}

	blank := ticketBodyFor("A002")
	blank["queue_id"] = ""
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", blank, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("blank queue %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/status", map[string]any{"status": "completed"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("bad transition %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+tk.ID+"/status", map[string]any{"status": "completed", "force": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced transition %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queues/q1/call-next", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("call-next on empty queue %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+tk.ID, nil, map[string]string{"X-Tenant-Id": "other"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant read %d %s", res.StatusCode, string(data))
	}
}

func TestRecalculateAndEvents(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	a := createTicket(t, srv, ticketBodyFor("A001"), nil)
	createTicket(t, srv, ticketBodyFor("A002"), nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/queues/q1/recalculate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recalculate %d %s", res.StatusCode, string(data))
	}
	var rc RecalculateResponse
	_ = json.Unmarshal(data, &rc)
	if rc.Changed != 0 || rc.QueueID != "q1" || rc.TenantID != "acme" {
		t.Fatalf("recalculate %+v", rc)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queues/q1/recalculate", map[string]any{"exclude_ticket_id": a.ID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recalculate exclude %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &rc)
	if rc.Changed != 1 {
		t.Fatalf("recalculate exclude changed %d", rc.Changed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=ticket.created&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	_ = json.Unmarshal(data, &events)
	if len(events.Items) != 1 || events.NextCursor == "" || events.Items[0].Type != "ticket.created" {
		t.Fatalf("events page %+v", events)
	}
	if events.Items[0].TenantID != "acme" || events.Items[0].Payload == nil {
		t.Fatalf("event %+v", events.Items[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_id="+a.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events by entity %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &events)
	for _, evt := range events.Items {
		if evt.EntityID != a.ID {
			t.Fatalf("unexpected event %+v", evt)
		}
	}
}

func TestJWTRequiredMode(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, func(c *Config) { c.Auth.JWTSecret = secret })
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets", ticketBodyFor("A001"), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token %d %s", res.StatusCode, string(data))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clerk-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "beta",
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + signed, "X-Tenant-Id": "acme"}
	created := createTicket(t, srv, ticketBodyFor("B001"), headers)
	if created.TenantID != "beta" {
		t.Fatalf("token tenant not applied: %+v", created)
	}
	evts, err := srv.Engine.Repo.LatestEventsFrom(context.Background(), 10, 0, repo.EventFilters{TenantID: "beta", EntityID: created.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("no events for %s", created.ID)
	}
	for _, evt := range evts {
		if evt.ActorID != "clerk-7" {
			t.Fatalf("actor not recorded: %+v", evt)
		}
	}
}

func TestWebsocketReceivesQueueNotifications(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws/queues/q1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Subscribers(notify.QueueChannel("acme", "q1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	created := createTicket(t, srv, ticketBodyFor("A001"), nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var n notify.Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Kind == notify.KindCreated {
			if n.Ticket.ID != created.ID || n.Ticket.QueuePosition == nil || *n.Ticket.QueuePosition != 1 {
				t.Fatalf("created notification %+v", n)
			}
			return
		}
	}
}

func dialQueueFeed(t *testing.T, srv *testServer, tenantID, queueID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws/queues/" + queueID + "?tenant=" + url.QueryEscape(tenantID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	channel := notify.QueueChannel(tenantID, queueID)
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Subscribers(channel) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber on %s never registered", channel)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func TestWebsocketQueueFeedsAreTenantScoped(t *testing.T) {
	srv := newTestServer(t)
	acmeFeed := dialQueueFeed(t, srv, "acme", "q1")
	globexFeed := dialQueueFeed(t, srv, "globex", "q1")

	acme := createTicket(t, srv, ticketBodyFor("A-1"), map[string]string{"X-Tenant-Id": "acme"})
	globex := createTicket(t, srv, ticketBodyFor("G-1"), map[string]string{"X-Tenant-Id": "globex"})
	if acme.TenantID != "acme" || globex.TenantID != "globex" {
		t.Fatalf("tenants not applied: %s %s", acme.TenantID, globex.TenantID)
	}

	for _, tc := range []struct {
		conn   *websocket.Conn
		tenant string
		want   string
	}{
		{acmeFeed, "acme", acme.ID},
		{globexFeed, "globex", globex.ID},
	} {
		seen := map[string]bool{}
		tc.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		for {
			_, msg, err := tc.conn.ReadMessage()
			if err != nil {
				break
			}
			var n notify.Notification
			if err := json.Unmarshal(msg, &n); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n.Ticket.TenantID != tc.tenant {
				t.Fatalf("%s feed received %s ticket %s", tc.tenant, n.Ticket.TenantID, n.Ticket.TicketNumber)
			}
			seen[n.Ticket.ID] = true
		}
		if !seen[tc.want] {
			t.Fatalf("%s feed missed its own ticket %s", tc.tenant, tc.want)
		}
	}
}

func TestDocsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	if !bytes.Contains(data, []byte("/v0/tickets/{id}/wait")) || !bytes.Contains(data, []byte("bearerAuth")) {
		t.Fatalf("openapi missing routes: %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("/v0/openapi.json")) {
		t.Fatalf("docs %d", res.StatusCode)
	}
}
