package websocket

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wricardo/move-car-relay/relay/channel"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 4096
	defaultSendBuffer     = 256
)

var (
	ErrClientClosed  = errors.New("client closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Room receives the events of an attached client.
type Room interface {
	OnMessage(conn channel.Conn, data []byte)
	OnClose(conn channel.Conn)
}

// AttachFunc joins conn to the room named roomID. It is expected to deliver
// the room's connect hook before returning.
type AttachFunc func(roomID string, conn channel.Conn) (Room, error)

// Options configures a Hub.
type Options struct {
	Logger         *slog.Logger
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins lists the Origin values accepted on upgrade. Empty
	// allows every origin.
	AllowedOrigins []string
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	id     string
	roomID string
	conn   *websocket.Conn
	send   chan []byte
	room   Room

	done      chan struct{}
	closeOnce sync.Once
}

// Hub maintains the set of live clients.
type Hub struct {
	attach   AttachFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sendBuffer     int
	maxMessageSize int64

	// Registered clients
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	count      chan chan int

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub that joins connections through attach.
func NewHub(attach AttachFunc, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	return &Hub{
		attach: attach,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		sendBuffer:     opts.SendBuffer,
		maxMessageSize: opts.MaxMessageSize,
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		count:          make(chan chan int),
		done:           make(chan struct{}),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's event loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			delete(h.clients, client)

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-h.done:
			for client := range h.clients {
				client.Close()
			}
			h.clients = make(map[*Client]bool)
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Count returns the number of live clients.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// ServeWS upgrades the request and attaches the connection to roomID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "room", roomID, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		id:     uuid.NewString(),
		roomID: roomID,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()

	room, err := h.attach(roomID, client)
	if err != nil {
		h.logger.Warn("attach failed", "room", roomID, "conn", client.id, "error", err)
		client.Close()
		h.release(client)
		return
	}
	client.room = room

	h.logger.Debug("client connected", "room", roomID, "conn", client.id)
	go client.readPump()
}

func (h *Hub) release(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// RoomID returns the room the client is attached to.
func (c *Client) RoomID() string {
	return c.roomID
}

// Send queues data for the write pump. A client whose queue is full is
// closed.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSendQueueFull
	}
}

// Close disconnects the client. Frames already queued are flushed first.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump pumps messages from the WebSocket connection to the room
func (c *Client) readPump() {
	defer func() {
		c.room.OnClose(c)
		c.Close()
		c.conn.Close()
		c.hub.release(c)
		c.hub.logger.Debug("client disconnected", "room", c.roomID, "conn", c.id)
	}()

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "room", c.roomID, "conn", c.id, "error", err)
			}
			return
		}
		c.room.OnMessage(c, data)
	}
}

// writePump pumps queued frames to the WebSocket connection, one frame per
// message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// drain flushes frames already queued when the client was closed.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
