// Package progress relays session progress notifications from the
// coordination store to websocket clients.
package progress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackzampolin/chorus/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

// Hub fans out progress:{session} messages to the websocket clients
// watching that session. One store subscription is held per watched
// session.
type Hub struct {
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	clients map[*client]struct{}
	cancel  context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub reading from st.
func NewHub(st store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: make(map[string]*room),
	}
}

// Serve upgrades the request and streams the session's progress until the
// client disconnects. snapshot, when non-nil, is called once the client is
// subscribed and its result is sent first, so no later update is missed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, snapshot func() ([]byte, error)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	// Deadlines from the HTTP server survive the hijack.
	conn.NetConn().SetDeadline(time.Time{})

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if err := h.join(sessionID, c); err != nil {
		h.logger.Warn("failed to subscribe to progress", "session", sessionID, "error", err)
		conn.Close()
		return
	}
	if snapshot != nil {
		data, err := snapshot()
		if err != nil {
			h.logger.Warn("failed to build progress snapshot", "session", sessionID, "error", err)
		} else {
			h.send(sessionID, c, data)
		}
	}

	go c.writeLoop()

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.leave(sessionID, c)
}

// Clients returns the number of clients watching sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[sessionID]; ok {
		return len(rm.clients)
	}
	return 0
}

func (h *Hub) join(sessionID string, c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return store.ErrClosed
	}

	rm, ok := h.rooms[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		msgs, err := h.store.Subscribe(ctx, store.ProgressChannel(sessionID))
		if err != nil {
			cancel()
			return err
		}
		rm = &room{clients: make(map[*client]struct{}), cancel: cancel}
		h.rooms[sessionID] = rm
		go h.pump(sessionID, msgs)
	}
	rm.clients[c] = struct{}{}
	h.logger.Debug("progress client connected", "session", sessionID, "clients", len(rm.clients))
	return nil
}

func (h *Hub) leave(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	if _, ok := rm.clients[c]; !ok {
		return
	}
	delete(rm.clients, c)
	close(c.send)
	if len(rm.clients) == 0 {
		rm.cancel()
		delete(h.rooms, sessionID)
	}
	h.logger.Debug("progress client disconnected", "session", sessionID, "clients", len(rm.clients))
}

func (h *Hub) pump(sessionID string, msgs <-chan []byte) {
	for msg := range msgs {
		h.mu.Lock()
		if rm, ok := h.rooms[sessionID]; ok {
			for c := range rm.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; it catches up on the next message.
					h.logger.Debug("dropping progress message for slow client", "session", sessionID)
				}
			}
		}
		h.mu.Unlock()
	}
}

// send queues data for c unless c has already left.
func (h *Hub) send(sessionID string, c *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[sessionID]; ok {
		if _, ok := rm.clients[c]; ok {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, rm := range h.rooms {
		rm.cancel()
		for c := range rm.clients {
			close(c.send)
		}
		delete(h.rooms, id)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
