package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/kimhsiao/shelfscan/backend/internal/logging"
	"github.com/kimhsiao/shelfscan/backend/internal/savequeue"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// nil CheckOrigin rejects cross-origin browsers; non-browser clients send no Origin.
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool // empty means every event type
}

func (c *client) wants(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ]
}

type message struct {
	typ  string
	data []byte
}

type directed struct {
	c    *client
	data []byte
}

// Hub maintains active client connections and broadcasts queue events.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	replies    chan directed
	done       chan struct{}
	closeOnce  sync.Once

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		replies:    make(chan directed, sendBufferSize),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.setCount(len(h.clients))
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.setCount(len(h.clients))
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow client; drop it rather than stall the others.
					close(c.send)
					delete(h.clients, id)
					logging.Warn("Dropped slow WebSocket client", map[string]interface{}{"client_id": id})
				}
			}
			h.setCount(len(h.clients))

		case d := <-h.replies:
			if c, ok := h.clients[d.c.id]; ok && c == d.c {
				select {
				case c.send <- d.data:
				default:
				}
			}

		case <-h.done:
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish implements Sink. It never blocks; events are dropped when the
// broadcast buffer is full or the hub is closed.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": ev.Type})
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- message{typ: ev.Type, data: data}:
	default:
		logging.Warn("WebSocket broadcast buffer full, event dropped", map[string]interface{}{
			"type":    ev.Type,
			"item_id": ev.Item.ID,
		})
	}
}

// Listener returns a queue listener that broadcasts every transition.
func (h *Hub) Listener() savequeue.Listener {
	return Listener(h)
}

// FailureHandler returns an escalation hook that broadcasts the failure and then calls next.
func (h *Hub) FailureHandler(next savequeue.FailureHandler) savequeue.FailureHandler {
	return FailureHandler(h, next)
}

func (h *Hub) direct(c *client, data []byte) {
	select {
	case h.replies <- directed{c: c, data: data}:
	case <-h.done:
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            ksuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientRequest is what clients send: subscribe, unsubscribe or ping.
type clientRequest struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "unsubscribe_ack", "unsubscribed": req.Events})

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a control message. It is sent through the hub's dispatch
// goroutine so that c.send is only ever closed by one owner.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.direct(c, data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
