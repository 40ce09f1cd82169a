// Package notify delivers processing outcomes to interested parties over
// two channels: WebSocket push for live UIs and signed webhooks for
// registered backend consumers.
package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enrolid/backend/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced at the gateway.
		return true
	},
}

// PushMessage is the envelope for every frame sent to a client.
type PushMessage struct {
	Type          string      `json:"type"`
	ApplicationID string      `json:"application_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Payload       interface{} `json:"payload,omitempty"`
}

// Message types.
const (
	MsgConnectionEstablished = "connection_established"
	MsgSubscriptionConfirmed = "subscription_confirmed"
	MsgProcessingUpdate      = "processing_update"
	MsgProcessingComplete    = "processing_complete"
	MsgProcessingError       = "processing_error"
	MsgPing                  = "ping"
)

// ProgressPayload is the body of a processing_update frame.
type ProgressPayload struct {
	Stage    core.Stage  `json:"stage"`
	Status   core.Status `json:"status"`
	Progress int         `json:"progress"` // percent
	Message  string      `json:"message,omitempty"`
}

// clientCommand mutates a client's subscriptions from its read pump.
type clientCommand struct {
	Action        string `json:"action"` // subscribe | unsubscribe
	ApplicationID string `json:"application_id"`
}

// Client is one WebSocket connection. A slow client whose send buffer
// fills is evicted rather than allowed to stall the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // guarded by hub.mu
}

// Hub fans processing events out to subscribed WebSocket clients.
type Hub struct {
	mu            sync.RWMutex
	clients       map[*Client]bool
	subscriptions map[string]map[*Client]bool // application id -> clients

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	logger     *log.Logger
}

// NewHub creates a hub; call Run in a goroutine before serving clients.
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		stop:          make(chan struct{}),
		logger:        log.New(log.Writer(), "[PUSH] ", log.LstdFlags),
	}
}

// Run processes client lifecycle events until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			c.enqueue(PushMessage{Type: MsgConnectionEstablished, Timestamp: time.Now().UTC()})

		case c := <-h.unregister:
			h.evict(c)

		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.subscriptions = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every connection and ends Run.
func (h *Hub) Stop() { close(h.stop) }

// ServeWS upgrades the request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// Publish sends a frame to every client subscribed to the application.
func (h *Hub) Publish(applicationID, msgType string, payload interface{}) {
	msg := PushMessage{
		Type:          msgType,
		ApplicationID: applicationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.subscriptions[applicationID]))
	for c := range h.subscriptions[applicationID] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		c.enqueue(msg)
	}
}

// Stats reports connection and subscription counts.
func (h *Hub) Stats() (clients, subscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.subscriptions {
		subscriptions += len(set)
	}
	return len(h.clients), subscriptions
}

func (h *Hub) subscribe(c *Client, applicationID string) {
	h.mu.Lock()
	if h.subscriptions[applicationID] == nil {
		h.subscriptions[applicationID] = make(map[*Client]bool)
	}
	h.subscriptions[applicationID][c] = true
	c.subs[applicationID] = true
	h.mu.Unlock()

	c.enqueue(PushMessage{
		Type:          MsgSubscriptionConfirmed,
		ApplicationID: applicationID,
		Timestamp:     time.Now().UTC(),
	})
}

func (h *Hub) unsubscribe(c *Client, applicationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subscriptions[applicationID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscriptions, applicationID)
		}
	}
	delete(c.subs, applicationID)
}

func (h *Hub) evict(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for appID := range c.subs {
		if set := h.subscriptions[appID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subscriptions, appID)
			}
		}
	}
	close(c.send)
}

// enqueue offers a frame to the client without blocking; a full buffer
// means the client is too slow and gets evicted.
func (c *Client) enqueue(msg PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		go func() { c.hub.unregister <- c }()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("read error: %v", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ApplicationID == "" {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			c.hub.subscribe(c, cmd.ApplicationID)
		case "unsubscribe":
			c.hub.unsubscribe(c, cmd.ApplicationID)
		}
	}
}

func (c *Client) writePump() {
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
