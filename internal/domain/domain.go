package domain

import "time"

// TimeLayout is a fixed-width UTC layout; lexical order of stored values equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout as well as plain RFC3339 values.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusCalled      Status = "called"
	StatusServing     Status = "serving"
	StatusCompleted   Status = "completed"
	StatusSkipped     Status = "skipped"
	StatusTransferred Status = "transferred"
	StatusCancelled   Status = "cancelled"
)

// Statuses lists every known ticket status.
var Statuses = []Status{
	StatusWaiting, StatusCalled, StatusServing, StatusCompleted,
	StatusSkipped, StatusTransferred, StatusCancelled,
}

// ActiveStatuses are the statuses ranked inside a queue.
var ActiveStatuses = []Status{StatusWaiting, StatusCalled}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether tickets in this status hold a queue position.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalled
}

// QueueRef names a queue inside a tenant.
type QueueRef struct {
	TenantID string `json:"tenant_id"`
	QueueID  string `json:"queue_id"`
}

func (q QueueRef) Key() string {
	return q.TenantID + "/" + q.QueueID
}

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID                     string  `json:"id"`
	TenantID               string  `json:"tenant_id"`
	TicketNumber           string  `json:"ticket_number"`
	ServiceType            string  `json:"service_type"`
	ServiceID              *string `json:"service_id,omitempty"`
	QueueID                string  `json:"queue_id"`
	OfficeID               string  `json:"office_id"`
	MemberNumber           *string `json:"member_number,omitempty"`
	MemberName             *string `json:"member_name,omitempty"`
	PhoneNumber            *string `json:"phone_number,omitempty"`
	EstimatedTime          *int    `json:"estimated_time,omitempty"`
	Priority               bool    `json:"priority"`
	Status                 Status  `json:"status" enum:"waiting,called,serving,completed,skipped,transferred,cancelled"`
	QueuePosition          *int    `json:"queue_position"`
	CounterID              *string `json:"counter_id,omitempty"`
	ClerkID                *string `json:"clerk_id,omitempty"`
	TransferredToCounterID *string `json:"transferred_to_counter_id,omitempty"`
	CalledAt               *string `json:"called_at,omitempty" format:"date-time"`
	ServingStartedAt       *string `json:"serving_started_at,omitempty" format:"date-time"`
	CompletedAt            *string `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds        *int    `json:"duration_seconds,omitempty"`
	CreatedBy              string  `json:"created_by,omitempty"`
	UpdatedBy              string  `json:"updated_by,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
}

func (t Ticket) Queue() QueueRef {
	return QueueRef{TenantID: t.TenantID, QueueID: t.QueueID}
}

func (t Ticket) Active() bool {
	return t.Status.Active()
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	QueueID    string `json:"queue_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
