// Package websocket streams visit notifications to connected staff
// dashboards. A connection follows the personal channel of its staff member
// and the board channel of their branch, using the same channel names as
// the Redis transport.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/notification"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Client is one dashboard connection.
type Client struct {
	ID      string
	StaffID string
	Topics  []string
	send    chan []byte
}

func newClient(staffID string, topics []string) *Client {
	return &Client{
		ID:      uuid.NewString(),
		StaffID: staffID,
		Topics:  topics,
		send:    make(chan []byte, sendBuffer),
	}
}

// Hub tracks connected clients by channel. It implements
// notification.Transport so it can sit next to the Redis transport.
type Hub struct {
	prefix string

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // channel -> clients
	all     map[*Client]struct{}
	dropped int
}

func NewHub(prefix string) *Hub {
	return &Hub{
		prefix:  prefix,
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its topics.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	for _, topic := range c.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][c] = struct{}{}
	}
}

// Unregister removes a client and closes its send channel. Unregistering a
// client twice is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, topic := range c.Topics {
		if subs, ok := h.clients[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, c)
	close(c.send)
}

// Close disconnects every client. Their write pumps send a close frame and
// exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.all {
		h.remove(c)
	}
}

// Deliver sends n to every client following one of its channels. A client
// whose buffer is full misses the message rather than stalling delivery.
func (h *Hub) Deliver(_ context.Context, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[*Client]bool)
	for _, ch := range notification.Channels(h.prefix, n) {
		for c := range h.clients[ch] {
			if seen[c] {
				continue
			}
			seen[c] = true
			select {
			case c.send <- data:
			default:
				h.dropped++
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many messages were skipped for slow clients.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// TopicResolver returns the channels staffID may follow. It is called with
// the request context, so tenant-scoped lookups work.
type TopicResolver func(ctx context.Context, staffID string) ([]string, error)

type Handler struct {
	hub      *Hub
	resolve  TopicResolver
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates the stream endpoint. Browser connections are accepted
// from allowedOrigins only; "*" allows any origin.
func NewHandler(hub *Hub, resolve TopicResolver, logger zerolog.Logger, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub:     hub,
		resolve: resolve,
		logger:  logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stream", h.HandleConnect, auth.RequireRole(auth.ClinicalRoles...))
}

// HandleConnect upgrades GET /notifications/stream and subscribes the
// connection to the caller's channels.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	staffID := auth.UserIDFromContext(ctx)
	if staffID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing staff identity")
	}
	topics, err := h.resolve(ctx, staffID)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "staff member cannot follow notifications").SetInternal(err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	client := newClient(staffID, topics)
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("staff_id", staffID).Strs("topics", topics).Msg("stream connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// readPump drains control frames and unregisters the client when the
// connection goes away. Clients have nothing to say on this stream.
func (h *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
		h.logger.Debug().Str("client_id", c.ID).Msg("stream disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, ""))
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
