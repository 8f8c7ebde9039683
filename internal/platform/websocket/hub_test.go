package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/notification"
)

const prefix = "visits"

func branchTopic(branch string) string { return notification.BranchChannel(prefix, "", branch) }
func staffTopic(id string) string      { return notification.StaffChannel(prefix, "", id) }

func receive(t *testing.T, c *Client) *notification.Notification {
	t.Helper()
	select {
	case data := <-c.send:
		var n notification.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		return &n
	case <-time.After(time.Second):
		t.Fatal("expected a message")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("expected no message, got %s", data)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(prefix)
	c := newClient("nurse-1", []string{staffTopic("nurse-1"), branchTopic("main")})

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount(branchTopic("main")) != 1 {
		t.Fatalf("expected one registered client, got %d", hub.ClientCount())
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount(branchTopic("main")) != 0 {
		t.Fatalf("expected hub to be empty, got %d", hub.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}
}

func TestHub_DeliverRoutesByChannel(t *testing.T) {
	hub := NewHub(prefix)
	nurse := newClient("nurse-1", []string{staffTopic("nurse-1"), branchTopic("main")})
	doctor := newClient("doc-1", []string{staffTopic("doc-1"), branchTopic("main")})
	annex := newClient("nurse-9", []string{staffTopic("nurse-9"), branchTopic("annex")})
	hub.Register(nurse)
	hub.Register(doctor)
	hub.Register(annex)

	err := hub.Deliver(context.Background(), &notification.Notification{
		Event: notification.EventStageOpened, RecipientID: "nurse-1", BranchID: "main", VisitNumber: "VIS-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := receive(t, nurse); got.VisitNumber != "VIS-1" {
		t.Errorf("unexpected notification %+v", got)
	}
	expectSilence(t, nurse)
	receive(t, doctor)
	expectSilence(t, annex)
}

func TestHub_DeliverIsTenantScoped(t *testing.T) {
	hub := NewHub(prefix)
	c := newClient("doc-1", []string{notification.BranchChannel(prefix, "osu", "main")})
	hub.Register(c)

	_ = hub.Deliver(context.Background(), &notification.Notification{TenantID: "labone", BranchID: "main"})
	expectSilence(t, c)

	_ = hub.Deliver(context.Background(), &notification.Notification{TenantID: "osu", BranchID: "main"})
	receive(t, c)
}

func TestHub_SlowClientIsSkipped(t *testing.T) {
	hub := NewHub(prefix)
	c := newClient("doc-1", []string{branchTopic("main")})
	hub.Register(c)

	for i := 0; i < sendBuffer+5; i++ {
		_ = hub.Deliver(context.Background(), &notification.Notification{BranchID: "main"})
	}
	if hub.Dropped() != 5 {
		t.Errorf("expected 5 dropped messages, got %d", hub.Dropped())
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(prefix)
	a := newClient("a", []string{branchTopic("main")})
	b := newClient("b", []string{branchTopic("main")})
	hub.Register(a)
	hub.Register(b)

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", hub.ClientCount())
	}
	hub.Unregister(a)
}

func TestHub_ConcurrentDeliverAndUnregister(t *testing.T) {
	hub := NewHub(prefix)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := newClient("s", []string{branchTopic("main")})
		hub.Register(c)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Deliver(context.Background(), &notification.Notification{BranchID: "main"})
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected all clients gone, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func identity(staffID string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if staffID != "" {
				ctx := auth.WithIdentity(c.Request().Context(), staffID, roles)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

func branchResolver(branch string) TopicResolver {
	return func(_ context.Context, staffID string) ([]string, error) {
		if staffID == "ghost" {
			return nil, errors.New("staff not found")
		}
		return []string{staffTopic(staffID), branchTopic(branch)}, nil
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(prefix), branchResolver("main"), zerolog.Nop(), nil).RegisterRoutes(e.Group("/api/v1"))

	found := false
	for _, r := range e.Routes() {
		if r.Method == http.MethodGet && r.Path == "/api/v1/notifications/stream" {
			found = true
		}
	}
	if !found {
		t.Error("expected GET /api/v1/notifications/stream")
	}
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	h := NewHandler(NewHub(prefix), branchResolver("main"), zerolog.Nop(), nil)
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := h.HandleConnect(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "ghost", []string{auth.RoleNurse}))
	c = e.NewContext(req, httptest.NewRecorder())
	err = h.HandleConnect(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_RequiresClinicalRole(t *testing.T) {
	e := echo.New()
	g := e.Group("/api/v1", identity("viewer-1", "auditor"))
	NewHandler(NewHub(prefix), branchResolver("main"), zerolog.Nop(), nil).RegisterRoutes(g)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_StreamsNotifications(t *testing.T) {
	hub := NewHub(prefix)
	e := echo.New()
	g := e.Group("/api/v1", identity("nurse-1", auth.RoleNurse))
	NewHandler(hub, branchResolver("main"), zerolog.Nop(), []string{"https://desk.clinic.test"}).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/notifications/stream"

	header := http.Header{}
	header.Set("Origin", "https://evil.test")
	if _, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected a foreign origin to be refused")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for foreign origin, got %d", resp.StatusCode)
	}

	header.Set("Origin", "https://desk.clinic.test")
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount(staffTopic("nurse-1")) == 1 })

	_ = hub.Deliver(context.Background(), &notification.Notification{
		Event: notification.EventStagePending, BranchID: "main", VisitNumber: "VIS-2026-MAIN-1016-0007", Stage: "nurse",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notification.Notification
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Event != notification.EventStagePending || got.VisitNumber != "VIS-2026-MAIN-1016-0007" {
		t.Errorf("unexpected notification %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
