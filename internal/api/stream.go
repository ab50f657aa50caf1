package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionsim/internal/metrics"
	"optionsim/pkg/types"
)

// Hub fans engine messages out to websocket clients. Broadcasts (book
// depth, phase changes) reach every connection; trade confirmations
// reach only connections subscribed as the counterparty team.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	deliver    chan envelope
	stop       chan struct{}
	verifier   *Verifier
	collector  *metrics.Collector
	logger     *slog.Logger
}

// envelope is one marshalled message with its delivery scope. An empty
// team broadcasts.
type envelope struct {
	team string
	data []byte
}

// Client is one websocket connection. team is empty until a valid
// subscribe message arrives; until then the client receives broadcasts
// only.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	team string
}

// NewHub creates a hub. The verifier authenticates subscribe messages.
func NewHub(verifier *Verifier, collector *metrics.Collector, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan envelope, 256),
		stop:       make(chan struct{}),
		verifier:   verifier,
		collector:  collector,
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop; the client map is touched only here.
// Call in a goroutine; Stop ends it.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.collector.WSClientConnected()
			h.logger.Info("client connected", "count", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.collector.WSClientDisconnected()
			}
			h.logger.Info("client disconnected", "count", len(h.clients))

		case env := <-h.deliver:
			for client := range h.clients {
				if env.team != "" && client.teamID() != env.team {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Client can't keep up, close it.
					close(client.send)
					delete(h.clients, client)
					h.collector.WSClientDisconnected()
				}
			}

		case <-h.stop:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
				h.collector.WSClientDisconnected()
			}
			return
		}
	}
}

// Stop ends the Run loop and disconnects every client.
func (h *Hub) Stop() {
	close(h.stop)
}

// Send marshals one engine message and queues it for delivery. Never
// blocks; a full hub drops the message.
func (h *Hub) Send(msg types.WSMessage) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		h.logger.Error("failed to marshal feed message", "error", err)
		return
	}
	select {
	case h.deliver <- envelope{team: msg.TeamID, data: data}:
	default:
		h.logger.Warn("feed channel full, dropping message")
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump consumes client messages. The only meaningful inbound
// message is the subscribe; everything else is ignored.
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
		c.handleSubscribe(data)
	}
}

// handleSubscribe authenticates a subscribe message and scopes the
// connection to that team's private feed. A bad signature leaves the
// connection broadcast-only.
func (c *Client) handleSubscribe(data []byte) {
	var sub types.WSSubscribeMsg
	if err := json.Unmarshal(data, &sub); err != nil {
		c.hub.logger.Warn("unparseable client message", "error", err)
		return
	}
	apiErr := c.hub.verifier.Verify(
		sub.TeamID, sub.Timestamp, sub.Signature,
		"GET", "/ws", nil, time.Now())
	if apiErr != nil {
		c.hub.logger.Warn("subscribe rejected", "team", sub.TeamID, "code", apiErr.Code)
		return
	}

	c.mu.Lock()
	c.team = sub.TeamID
	c.mu.Unlock()
	c.hub.logger.Info("client subscribed", "team", sub.TeamID)
}

func (c *Client) teamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// NewClient registers a websocket connection with the hub and starts
// its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
