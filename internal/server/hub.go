package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
)

const (
	hubClientBuffer = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

var _ events.Sink = (*DecisionHub)(nil)

// DecisionHub streams decisions to websocket clients. A client that falls
// behind loses decisions rather than slowing the scheduler.
type DecisionHub struct {
	mu       sync.Mutex
	clients  map[*hubClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   *zap.Logger
	dropped  atomic.Uint64
}

type hubClient struct {
	send chan events.Decision
	once sync.Once
}

// NewDecisionHub creates an empty hub.
func NewDecisionHub(logger *zap.Logger) *DecisionHub {
	return &DecisionHub{
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origins are enforced by the CORS layer.
				return true
			},
		},
		logger: logger.Named("decisions"),
	}
}

// Publish fans a decision out to every client without blocking.
func (h *DecisionHub) Publish(d events.Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- d:
		default:
			h.dropped.Add(1)
		}
	}
}

// Forward publishes decisions from ch until it closes or ctx is done.
func (h *DecisionHub) Forward(ctx context.Context, ch <-chan events.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			h.Publish(d)
		}
	}
}

// Clients returns the number of connected clients.
func (h *DecisionHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of decisions not delivered to slow clients.
func (h *DecisionHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *DecisionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *DecisionHub) register() (*hubClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &hubClient{send: make(chan events.Decision, hubClientBuffer)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *DecisionHub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// ServeHTTP upgrades the request and streams decisions as JSON messages.
func (h *DecisionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c, ok := h.register()
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.logger.Debug("Decision stream opened", zap.String("remote_addr", r.RemoteAddr))

	// Reader: only control frames are expected; any error ends the stream.
	go func() {
		defer h.unregister(c)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("Decision stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.logger.Debug("Decision stream closed", zap.String("remote_addr", r.RemoteAddr))
	}()
	for {
		select {
		case d, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(d); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
