// Package transport implements the WebSocket leg of the MCP connection:
// upgrading a request, extracting the mandatory subscriberId and the
// session token, running the per-connection read loop against
// internal/mcp's dispatcher, and indexing live sockets by subscriberId so
// internal/subscription can find them for fanout.
//
// Serve performs the WebSocket upgrade itself and accepts any Origin; CORS
// and binding-name path folding are left to the external router.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/mcp"
	"github.com/lumenize/lumenize-sub005/internal/subscription"
)

// Close codes, re-exported from internal/mcp.
const (
	CloseAuthenticationFailed  = mcp.CloseAuthenticationFailed
	CloseMissingSubscriberID   = mcp.CloseMissingSubscriberID
	CloseInitializationTimeout = mcp.CloseInitializationTimeout
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one live WebSocket socket. It implements subscription.Connection
// so the subscription engine can push fanout notifications straight to it.
type Conn struct {
	ws    *websocket.Conn
	state *mcp.ConnState
	log   *slog.Logger

	writeMu sync.Mutex
}

// Notify implements subscription.Connection by writing an MCP notification
// frame. Best-effort: a write error just gets logged, per the fire-and-
// forget fanout contract.
func (c *Conn) Notify(ctx context.Context, method string, params any) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		c.log.Error("transport: encode notification params", "method", method, "error", err)
		return
	}
	notif := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: encodedParams}
	frame, err := json.Marshal(notif)
	if err != nil {
		c.log.Error("transport: encode notification frame", "method", method, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Warn("transport: notify write failed, dropping", "subscriberId", c.state.SubscriberID(), "error", err)
	}
}

func (c *Conn) writeRaw(raw json.RawMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Conn) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

// Hub indexes live connections by subscriberId, implementing
// subscription.ConnectionIndex. A subscriber may hold more than one active
// socket at once (multiple tabs, a reconnect racing the old socket's
// teardown).
type Hub struct {
	mu    sync.Mutex
	bySub map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{bySub: map[string]map[*Conn]struct{}{}}
}

func (h *Hub) add(subscriberID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySub[subscriberID] == nil {
		h.bySub[subscriberID] = map[*Conn]struct{}{}
	}
	h.bySub[subscriberID][c] = struct{}{}
}

func (h *Hub) remove(subscriberID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bySub[subscriberID], c)
	if len(h.bySub[subscriberID]) == 0 {
		delete(h.bySub, subscriberID)
	}
}

// Subscribers lists every subscriberId with at least one live socket on
// this node, for the cross-process fanout consumer to know which queues
// to drain.
func (h *Hub) Subscribers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.bySub))
	for sub := range h.bySub {
		out = append(out, sub)
	}
	return out
}

// ConnectionsFor implements subscription.ConnectionIndex.
func (h *Hub) ConnectionsFor(subscriberID string) []subscription.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]subscription.Connection, 0, len(h.bySub[subscriberID]))
	for c := range h.bySub[subscriberID] {
		out = append(out, c)
	}
	return out
}

// sessionToken resolves the per-connection auth token: the Cookie header
// in production, or a sessionId/cookies query param fallback in test/dev
// deployments that can't set cookies (e.g. a browserless test harness).
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie("sessionId"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if v := r.URL.Query().Get("sessionId"); v != "" {
		return v
	}
	return r.URL.Query().Get("cookies")
}

// Serve upgrades r to a WebSocket, registers the connection under its
// mandatory subscriberId, and runs the read loop until the socket closes
// or the handshake timeout fires. subs is notified on disconnect so its
// subscription table doesn't accumulate orphaned rows.
func Serve(w http.ResponseWriter, r *http.Request, hub *Hub, dispatcher *mcp.Dispatcher, subs *subscription.Engine, log *slog.Logger) error {
	subscriberID := r.URL.Query().Get("subscriberId")
	if subscriberID == "" {
		http.Error(w, "missing subscriberId", http.StatusBadRequest)
		return apperr.New(apperr.KindParameterValidation, "websocket upgrade missing subscriberId query param")
	}
	if _, err := uuid.Parse(subscriberID); err != nil {
		http.Error(w, "subscriberId must be a uuid", http.StatusBadRequest)
		return apperr.Wrap(apperr.KindParameterValidation, "subscriberId is not a valid uuid", err)
	}

	// sessionToken is read for the authentication collaborator at the
	// platform boundary; this server treats it as opaque caller metadata.
	_ = sessionToken(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &Conn{ws: ws, state: mcp.NewConnState(subscriberID), log: log}
	hub.add(subscriberID, conn)
	connectedAt := time.Now()

	defer func() {
		hub.remove(subscriberID, conn)
		subs.RemoveAllSubscriptionsForSubscriber(subscriberID)
		_ = ws.Close()
	}()

	timeoutDone := make(chan struct{})
	defer close(timeoutDone)
	go watchHandshakeTimeout(conn, dispatcher.InitializationTimeout, connectedAt, timeoutDone)

	return readLoop(conn, dispatcher, log)
}

func watchHandshakeTimeout(c *Conn, timeout time.Duration, connectedAt time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.state.HandshakeExpired(timeout, connectedAt) {
				c.closeWithCode(CloseInitializationTimeout, "initialization timeout")
				return
			}
		}
	}
}

func readLoop(c *Conn, dispatcher *mcp.Dispatcher, log *slog.Logger) error {
	ctx := context.Background()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		resp, err := dispatcher.Handle(ctx, c.state, raw)
		if err != nil {
			log.Error("transport: dispatcher handle failed", "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		if err := c.writeRaw(resp); err != nil {
			return err
		}
		if c.state.ProtocolMismatched() {
			c.closeWithCode(CloseAuthenticationFailed, "unsupported protocol version")
			return nil
		}
	}
}
