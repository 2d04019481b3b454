package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/medledger/medledger/internal/audit"
)

// Feed broadcasts newly appended audit events to connected WebSocket
// clients. It backs GET /admin/audit/ws.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasting all go through channels so the map needs
// no lock.
type Feed struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
	done         chan struct{}
}

// feedConn wraps a single WebSocket connection.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // protects concurrent writes
}

// The admin API is consumed by tooling, not browsers on other origins.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// NewFeed creates a feed. Call Run to start it.
func NewFeed() *Feed {
	return &Feed{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		done:         make(chan struct{}),
	}
}

// Run is the hub event loop. It returns when ctx is cancelled, closing all
// client connections.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case conn := <-f.registerCh:
			f.connections[conn] = true
			slog.Debug("audit feed client connected", "total", len(f.connections))

		case conn := <-f.unregisterCh:
			if _, ok := f.connections[conn]; ok {
				delete(f.connections, conn)
				close(conn.send)
				slog.Debug("audit feed client disconnected", "total", len(f.connections))
			}

		case msg := <-f.broadcastCh:
			for conn := range f.connections {
				select {
				case conn.send <- msg:
				default:
					// A slow client is dropped rather than stalling the feed.
					delete(f.connections, conn)
					close(conn.send)
				}
			}

		case <-ctx.Done():
			for conn := range f.connections {
				delete(f.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// Publish queues e for every connected client. It never blocks: when the
// broadcast buffer is full the event is skipped, since clients can page
// through /admin/audit/events to catch up. Suitable as audit.Options.OnAppend.
func (f *Feed) Publish(e audit.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal audit feed event", "error", err)
		return
	}
	select {
	case f.broadcastCh <- data:
	default:
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &feedConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case f.registerCh <- client:
	case <-f.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(f)
}

// writePump sends messages from the send channel to the WebSocket
// connection until the hub closes it.
func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
	c.mu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	c.mu.Unlock()
}

// readPump only detects disconnection; the feed is server to client.
func (c *feedConn) readPump(f *Feed) {
	defer func() {
		select {
		case f.unregisterCh <- c:
		case <-f.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
