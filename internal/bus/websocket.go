package bus

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket mirror of the event stream. The hub subscribes to the broker
// and pushes every event to each connected dashboard; slow clients are
// disconnected rather than allowed to stall the fan-out.

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 20 * time.Second
	wsSendBuffer = 256
)

// Hub owns the websocket client set.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	broker  *Broker
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(broker *Broker) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		broker:  broker,
	}
}

// Run subscribes to the broker and forwards events until the subscription
// channel closes. Call in its own goroutine.
func (h *Hub) Run() {
	sub := h.broker.Subscribe(0)
	defer h.broker.Unsubscribe(sub)

	for ev := range sub.C {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- raw:
			default:
				// Client can't keep up; cut it loose.
				delete(h.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
	}
}

// Register adopts an upgraded connection and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	log.Printf("[Hub] Websocket client connected (%d total)", h.ClientCount())

	go c.writePump()
	go h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// readPump discards inbound frames; the stream is one-way. Its real job is
// noticing the close.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
