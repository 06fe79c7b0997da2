package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"queueline/internal/domain"
	"queueline/internal/engine"
	"queueline/internal/notify"
	"queueline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Hub      *notify.Hub
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid ticket status transition completed -> waiting"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"completed\",\"to\":\"waiting\"}"`
}

type requestKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Queueline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Queueline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTickets(group, cfg.Engine)
	registerQueues(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWebsockets(router, basePath, cfg.Hub, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": verr.Field, "reason": verr.Reason})
	}
	var terr *engine.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": terr.From, "to": terr.To})
	}
	if errors.Is(err, engine.ErrDuplicateNumber) {
		return newAPIError(http.StatusConflict, "duplicate_ticket_number", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrQueueMoved) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var serr *engine.StoreError
	if errors.As(err, &serr) {
		return newAPIError(http.StatusInternalServerError, "store_failure", "store failure", map[string]any{"op": serr.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Queueline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Send X-Tenant-Id to pick a tenant. Authenticate with Authorization: Bearer &lt;token&gt; when the server requires it.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var ticketErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Create ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        ticketErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tenantID := tenantFromRequest(ctx, defaultTenant(e))
		t, err := e.CreateTicket(ctx, createOptions(tenantID, actorID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"waiting,called,serving,completed,skipped,transferred,cancelled"`
		QueueID   string `query:"queue_id"`
		OfficeID  string `query:"office_id"`
		ServiceID string `query:"service_id"`
		CounterID string `query:"counter_id"`
		ClerkID   string `query:"clerk_id"`
		Priority  string `query:"priority" enum:"true,false"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTickets `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters := repo.TicketFilters{
			TenantID:        tenantFromRequest(ctx, defaultTenant(e)),
			Status:          input.Status,
			QueueID:         input.QueueID,
			OfficeID:        input.OfficeID,
			ServiceID:       input.ServiceID,
			CounterID:       input.CounterID,
			ClerkID:         input.ClerkID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if input.Priority != "" {
			p, err := strconv.ParseBool(input.Priority)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", nil)
			}
			filters.Priority = &p
		}
		items, err := e.Repo.ListTickets(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTickets{Items: []domain.Ticket{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTickets `json:"body"`
		}{Body: resp}, nil
	})

	type ticketPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		t, err := tenantTicket(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket",
		Method:      http.MethodPatch,
		Path:        "/tickets/{id}",
		Summary:     "Update ticket",
		Errors:      ticketErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tenantID := tenantFromRequest(ctx, defaultTenant(e))
		t, err := e.UpdateTicket(ctx, updateOptions(input.ID, tenantID, actorID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-ticket-status",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/status",
		Summary:     "Change ticket status",
		Errors:      ticketErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tenantID := tenantFromRequest(ctx, defaultTenant(e))
		t, err := e.UpdateTicket(ctx, engine.TicketUpdateOptions{
			ID:       input.ID,
			TenantID: tenantID,
			Status:   domain.Status(input.Body.Status),
			Force:    input.Body.Force,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-wait",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}/wait",
		Summary:     "Estimated wait for a ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*struct {
		Body engine.WaitInfo `json:"body"`
	}, error) {
		if _, err := tenantTicket(ctx, e, input.ID); err != nil {
			return nil, handleError(err)
		}
		info, err := e.Wait(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WaitInfo `json:"body"`
		}{Body: info}, nil
	})
}

func registerQueues(api huma.API, e engine.Engine) {
	type queuePath struct {
		QueueID string `path:"queue_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "queue-board",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}",
		Summary:     "Active tickets of a queue by position",
	}, func(ctx context.Context, input *queuePath) (*struct {
		Body QueueBoardResponse `json:"body"`
	}, error) {
		q := queueRef(ctx, e, input.QueueID)
		entries, err := e.Board(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueBoardResponse `json:"body"`
		}{Body: boardResponse(q, entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-next",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}/next",
		Summary:     "Ticket that would be called next",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *queuePath) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		t, err := e.NextTicket(ctx, queueRef(ctx, e, input.QueueID))
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-next",
		Method:      http.MethodPost,
		Path:        "/queues/{queue_id}/call-next",
		Summary:     "Call the next waiting ticket",
		Errors:      ticketErrors,
	}, func(ctx context.Context, input *struct {
		QueueID string           `path:"queue_id"`
		Body    *CallNextRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body CallNextRequest
		if input.Body != nil {
			body = *input.Body
		}
		t, err := e.CallNext(ctx, queueRef(ctx, e, input.QueueID), body.CounterID, body.ClerkID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketBody(ctx, e, t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue_id}/recalculate",
		Summary:     "Re-rank a queue",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		QueueID string              `path:"queue_id"`
		Body    *RecalculateRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body RecalculateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exclude := ""
		if input.Body != nil {
			exclude = input.Body.ExcludeTicketID
		}
		q := queueRef(ctx, e, input.QueueID)
		changed, err := e.RecalculatePositions(ctx, q, exclude, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecalculateResponse `json:"body"`
		}{Body: RecalculateResponse{TenantID: q.TenantID, QueueID: q.QueueID, Changed: changed}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		QueueID    string `query:"queue_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"ticket"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			TenantID:   tenantFromRequest(ctx, defaultTenant(e)),
			QueueID:    input.QueueID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerWebsockets mounts the live display feeds. They bypass huma since
// the connection is upgraded. Browsers cannot set headers on a websocket
// handshake, so the tenant may also come from the tenant query parameter.
func registerWebsockets(r chi.Router, basePath string, hub *notify.Hub, e engine.Engine) {
	if hub == nil {
		return
	}
	tenant := func(req *http.Request) string {
		if v := strings.TrimSpace(req.URL.Query().Get("tenant")); v != "" {
			return v
		}
		return tenantFromRequest(req.Context(), defaultTenant(e))
	}
	ws := path.Join(basePath, "ws")
	r.Get(ws+"/tickets", func(w http.ResponseWriter, req *http.Request) {
		hub.ServeChannel(w, req, notify.TicketsChannel(tenant(req)))
	})
	r.Get(ws+"/offices/{office_id}", func(w http.ResponseWriter, req *http.Request) {
		hub.ServeChannel(w, req, notify.OfficeChannel(tenant(req), chi.URLParam(req, "office_id")))
	})
	r.Get(ws+"/queues/{queue_id}", func(w http.ResponseWriter, req *http.Request) {
		hub.ServeChannel(w, req, notify.QueueChannel(tenant(req), chi.URLParam(req, "queue_id")))
	})
}

func ticketBody(ctx context.Context, e engine.Engine, t domain.Ticket) (*struct {
	Body TicketResponse `json:"body"`
}, error) {
	wait, err := e.EstimateWait(ctx, t)
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body TicketResponse `json:"body"`
	}{Body: ticketResponse(t, wait)}, nil
}

// tenantTicket loads a ticket and hides tickets of other tenants.
func tenantTicket(ctx context.Context, e engine.Engine, id string) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, id)
	if err != nil {
		return t, err
	}
	if tenant := tenantFromRequest(ctx, defaultTenant(e)); tenant != "" && t.TenantID != tenant {
		return domain.Ticket{}, repo.ErrNotFound
	}
	return t, nil
}

func queueRef(ctx context.Context, e engine.Engine, queueID string) domain.QueueRef {
	return domain.QueueRef{TenantID: tenantFromRequest(ctx, defaultTenant(e)), QueueID: queueID}
}

func defaultTenant(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Tenant.ID
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// tenantFromRequest prefers the tenant pinned by the token, then the
// X-Tenant-Id header, then fallback.
func tenantFromRequest(ctx context.Context, fallback string) string {
	if p, ok := principalFromContext(ctx); ok && p.TenantID != "" {
		return p.TenantID
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Tenant-Id")); v != "" {
			return v
		}
	}
	return fallback
}
