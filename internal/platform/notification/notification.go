// Package notification delivers visit workflow events to staff: template
// rendering, a bounded in-memory delivery log, pluggable transports (Redis
// pub/sub or the process log) and Echo HTTP handlers.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event names the workflow occurrence a notification reports.
type Event string

const (
	EventStageOpened    Event = "stage_opened"
	EventStagePending   Event = "stage_pending"
	EventLabStageOpened Event = "lab_stage_opened"
	EventVisitCancelled Event = "visit_cancelled"
)

// Notification is a single outbound message about a visit.
type Notification struct {
	ID          string            `json:"id"`
	Event       Event             `json:"event"`
	TenantID    string            `json:"tenant_id,omitempty"`
	RecipientID string            `json:"recipient_id,omitempty"`
	BranchID    string            `json:"branch_id"`
	VisitID     string            `json:"visit_id"`
	VisitNumber string            `json:"visit_number"`
	Stage       string            `json:"stage,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Payload     interface{}       `json:"payload,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Dispatcher accepts notifications for delivery.
type Dispatcher interface {
	Notify(ctx context.Context, n *Notification) error
}

// Transport moves a rendered notification to its subscribers.
type Transport interface {
	Deliver(ctx context.Context, n *Notification) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines the subject and body rendered for one event.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with a template for every event
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      string(EventStageOpened),
			Name:    "Stage Opened",
			Subject: "Visit {{visit_number}} is waiting at {{stage}}",
			Body:    "{{staff_name}}, visit {{visit_number}} has been handed to {{stage}} and you are clocked in.",
		},
		{
			ID:      string(EventStagePending),
			Name:    "Stage Pending",
			Subject: "Visit {{visit_number}} needs {{stage}}",
			Body:    "Visit {{visit_number}} is waiting at {{stage}}. Clock in to pick it up.",
		},
		{
			ID:      string(EventLabStageOpened),
			Name:    "Lab Orders Ready",
			Subject: "Lab orders for visit {{visit_number}}",
			Body:    "Visit {{visit_number}} reached the lab with {{lab_count}} order(s): {{lab_tests}}.",
		},
		{
			ID:      string(EventVisitCancelled),
			Name:    "Visit Cancelled",
			Subject: "Visit {{visit_number}} cancelled",
			Body:    "Visit {{visit_number}} was cancelled at {{stage}} by {{staff_name}}: {{reason}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

const defaultLogSize = 1000

// Manager renders notifications, hands them to a transport and keeps the most
// recent deliveries for the inbox endpoints.
type Manager struct {
	transport Transport
	templates *TemplateEngine
	now       func() time.Time
	limit     int

	mu  sync.RWMutex
	log []*Notification
}

// NewManager constructs a Manager that delivers through transport.
func NewManager(transport Transport, tpl *TemplateEngine) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		transport: transport,
		templates: tpl,
		now:       func() time.Time { return time.Now().UTC() },
		limit:     defaultLogSize,
	}
}

// Notify renders n from the template registered for its event, delivers it,
// and records the outcome. The delivery error, if any, is returned.
func (m *Manager) Notify(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = m.now()
	n.Status = "pending"

	if n.Subject == "" && n.Body == "" {
		subject, body, err := m.templates.Render(string(n.Event), n.Data)
		if err == nil {
			n.Subject, n.Body = subject, body
		}
	}

	sendErr := m.transport.Deliver(ctx, n)
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
	} else {
		n.Status = "sent"
		sentAt := m.now()
		n.SentAt = &sentAt
	}

	m.record(n)
	return sendErr
}

func (m *Manager) record(n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, n)
	if over := len(m.log) - m.limit; over > 0 {
		m.log = append([]*Notification(nil), m.log[over:]...)
	}
}

// GetNotification retrieves a recorded notification of tenant by ID.
func (m *Manager) GetNotification(_ context.Context, tenant, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.log {
		if n.ID == id && n.TenantID == tenant {
			return n, nil
		}
	}
	return nil, fmt.Errorf("notification %q not found", id)
}

// ListByRecipient returns the newest notifications of tenant addressed to
// recipient or broadcast to branch, up to limit.
func (m *Manager) ListByRecipient(_ context.Context, tenant, recipient, branch string, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for i := len(m.log) - 1; i >= 0 && len(result) < limit; i-- {
		n := m.log[i]
		if n.TenantID != tenant {
			continue
		}
		if n.RecipientID == recipient || (n.RecipientID == "" && branch != "" && n.BranchID == branch) {
			result = append(result, n)
		}
	}
	return result
}

// NotificationStats returns counts of recorded notifications grouped by status.
func (m *Manager) NotificationStats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.log {
		stats[n.Status]++
	}
	return stats
}

// Channels returns the pub/sub channels a notification is published on: the
// branch board always, and the recipient's personal channel when addressed.
func Channels(prefix string, n *Notification) []string {
	channels := []string{BranchChannel(prefix, n.TenantID, n.BranchID)}
	if n.RecipientID != "" {
		channels = append(channels, StaffChannel(prefix, n.TenantID, n.RecipientID))
	}
	sort.Strings(channels)
	return channels
}

func tenantPrefix(prefix, tenant string) string {
	if tenant == "" {
		return prefix
	}
	return prefix + ":" + tenant
}

// BranchChannel names the board channel of a branch.
func BranchChannel(prefix, tenant, branchID string) string {
	return fmt.Sprintf("%s:branch:%s", tenantPrefix(prefix, tenant), branchID)
}

// StaffChannel names the personal channel of a staff member.
func StaffChannel(prefix, tenant, staffID string) string {
	return fmt.Sprintf("%s:staff:%s", tenantPrefix(prefix, tenant), staffID)
}
