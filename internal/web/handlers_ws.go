package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-go-deconz/internal/event"
)

const (
	wsBroadcastQueue = 256
	wsClientQueue    = 64
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

// wsMessage is one encoded event on its way to clients.
type wsMessage struct {
	kind event.Kind
	data []byte
}

// WSHub fans encoded events out to WebSocket clients. Each client may
// restrict the event kinds it receives.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	kinds map[event.Kind]bool // nil receives every kind
}

func (c *wsClient) wants(kind event.Kind) bool {
	return c.kinds == nil || c.kinds[kind]
}

// parseKinds reads a comma-separated kind filter such as
// "zcl_data,device_joined". An empty filter returns nil.
func parseKinds(raw string) map[event.Kind]bool {
	var kinds map[event.Kind]bool
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		if kinds == nil {
			kinds = make(map[event.Kind]bool)
		}
		kinds[event.Kind(k)] = true
	}
	return kinds
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, wsBroadcastQueue),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total, "kinds", len(c.kinds))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)
		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

// drop removes a client and closes its queue. h.mu must be held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// fanout delivers msg to every interested client; a client whose queue is
// full is evicted.
func (h *WSHub) fanout(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.kind) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.drop(c)
			h.logger.Warn("ws client evicted (too slow)", "kind", msg.kind)
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an encoded event of the given kind. It never blocks.
func (h *WSHub) Broadcast(kind event.Kind, data []byte) {
	select {
	case h.broadcast <- wsMessage{kind: kind, data: data}:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "kind", kind)
	}
}

// handleWS upgrades to a WebSocket event stream. The optional "kinds" query
// parameter limits which event kinds are sent.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsClientQueue),
		kinds: parseKinds(r.URL.Query().Get("kinds")),
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	// CloseRead drains and discards client frames; clients only receive.
	ctx := conn.CloseRead(context.Background())
	s.wsWritePump(ctx, client)
}

// wsWritePump writes queued events and periodic pings until the hub closes
// the client's queue or the connection goes away.
func (s *Server) wsWritePump(ctx context.Context, client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	defer s.unregisterWS(client)

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusGoingAway, "server shutdown")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) unregisterWS(client *wsClient) {
	select {
	case s.wsHub.unregister <- client:
	case <-s.wsHub.done:
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}
