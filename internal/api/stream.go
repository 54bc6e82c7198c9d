package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/factoryos/auditledger/internal/audit"
)

const (
	// streamBuffer is the writer subscription depth feeding the hub.
	streamBuffer = 256
	// clientBuffer is the per-client queue; a client that falls further
	// behind is disconnected.
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

// hub fans committed entries out to websocket clients. All mutations of
// the client set happen on the run goroutine.
type hub struct {
	clients   map[*client]bool
	connected atomic.Int32

	entries <-chan audit.Entry
	cancel  func()

	registerCh   chan *client
	unregisterCh chan *client
	done         chan struct{}
	stopOnce     sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// streamMessage is the frame sent for every committed entry.
type streamMessage struct {
	Type  string      `json:"type"`
	Entry audit.Entry `json:"entry"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub(entries <-chan audit.Entry, cancel func()) *hub {
	return &hub{
		clients:      make(map[*client]bool),
		entries:      entries,
		cancel:       cancel,
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
		done:         make(chan struct{}),
	}
}

func (h *hub) run() {
	defer func() {
		for c := range h.clients {
			close(c.send)
		}
		h.clients = nil
		h.connected.Store(0)
	}()

	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = true
			h.connected.Store(int32(len(h.clients)))
			slog.Debug("stream client connected", "total", len(h.clients))

		case c := <-h.unregisterCh:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.connected.Store(int32(len(h.clients)))
				slog.Debug("stream client disconnected", "total", len(h.clients))
			}

		case e, ok := <-h.entries:
			if !ok {
				return
			}
			msg, err := json.Marshal(streamMessage{Type: "entry", Entry: e})
			if err != nil {
				slog.Error("marshaling stream entry", "seq", e.Sequence, "error", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("stream client lagging, disconnecting", "seq", e.Sequence)
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.connected.Store(int32(len(h.clients)))

		case <-h.done:
			return
		}
	}
}

// stop cancels the writer subscription and closes every client.
func (h *hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.cancel()
	})
}

func (h *hub) register(c *client) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) unregister(c *client) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

// handleStream upgrades to a websocket and feeds it every entry
// committed from then on.
// GET /api/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !s.hub.register(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.hub)
}

// writePump drains the send queue. The hub closing the queue ends the
// connection.
func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client frames; it exists to notice disconnects.
func (c *client) readPump(h *hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
