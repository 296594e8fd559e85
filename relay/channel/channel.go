package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wricardo/move-car-relay/metrics"
	"github.com/wricardo/move-car-relay/relay/protocol"
)

const tier = "channel"

// ErrClosed is returned when a push reaches a channel that has been stopped.
var ErrClosed = fmt.Errorf("channel closed: %w", protocol.ErrRoomNotFound)

// Conn is a live connection owned by exactly one channel.
//
// Send queues data for delivery and must return without waiting on the
// peer; an error means the frame was not accepted. Close disconnects the
// peer when the channel stops and must not block either.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}

// Options configures a Channel. Zero values select the defaults: the
// default logger, no metrics, the wall clock and random UUID frame ids.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Failed    int
}

// Snapshot is a point-in-time view of a channel.
type Snapshot struct {
	RoomID     string
	Members    []string
	CreatedAt  time.Time
	LastActive time.Time
}

type inboundMessage struct {
	conn Conn
	data []byte
}

type broadcastRequest struct {
	data   []byte
	result chan Delivery
}

// Channel is the broadcast domain of one session identifier.
type Channel struct {
	id        string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
	createdAt time.Time

	// Owned by the Run loop.
	members    map[string]Conn
	lastActive time.Time

	register   chan Conn
	unregister chan Conn
	inbound    chan inboundMessage
	broadcast  chan *broadcastRequest
	inspect    chan chan Snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a channel for id. The caller must start its loop with Run.
func New(id string, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	created := opts.Now()
	return &Channel{
		id:         id,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		newID:      opts.NewID,
		createdAt:  created,
		members:    make(map[string]Conn),
		lastActive: created,
		register:   make(chan Conn),
		unregister: make(chan Conn),
		inbound:    make(chan inboundMessage),
		broadcast:  make(chan *broadcastRequest),
		inspect:    make(chan chan Snapshot),
		done:       make(chan struct{}),
	}
}

// ID returns the channel identifier.
func (c *Channel) ID() string {
	return c.id
}

// Run processes hooks until Stop is called.
func (c *Channel) Run() {
	for {
		select {
		case conn := <-c.register:
			c.addMember(conn)

		case conn := <-c.unregister:
			c.removeMember(conn)

		case msg := <-c.inbound:
			c.handleInbound(msg)

		case req := <-c.broadcast:
			req.result <- c.broadcastFrame(req.data)

		case reply := <-c.inspect:
			reply <- c.snapshot()

		case <-c.done:
			c.disconnectAll()
			return
		}
	}
}

// Stop terminates the loop and disconnects every member. Hooks called
// afterwards are no-ops.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the channel has been stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// OnConnect adds conn to the membership and greets it.
func (c *Channel) OnConnect(conn Conn) {
	select {
	case c.register <- conn:
	case <-c.done:
	}
}

// OnMessage handles a frame sent by conn.
func (c *Channel) OnMessage(conn Conn, data []byte) {
	select {
	case c.inbound <- inboundMessage{conn: conn, data: data}:
	case <-c.done:
	}
}

// OnClose removes conn from the membership. Closing an unknown or already
// removed connection does nothing.
func (c *Channel) OnClose(conn Conn) {
	select {
	case c.unregister <- conn:
	case <-c.done:
	}
}

// Snapshot returns the current membership. ok is false once the channel
// has been stopped.
func (c *Channel) Snapshot() (snap Snapshot, ok bool) {
	reply := make(chan Snapshot, 1)
	select {
	case c.inspect <- reply:
		return <-reply, true
	case <-c.done:
		return Snapshot{RoomID: c.id, CreatedAt: c.createdAt}, false
	}
}

// Push validates env and broadcasts it to every current member. ctx only
// bounds the wait for the loop to accept the broadcast.
func (c *Channel) Push(ctx context.Context, env protocol.PushEnvelope) (Delivery, error) {
	if err := env.Validate(); err != nil {
		return Delivery{}, err
	}

	frame := protocol.NewReplyMessage(env, c.newID(), c.now())
	data, err := json.Marshal(frame)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: encode frame: %v", protocol.ErrInternal, err)
	}

	req := &broadcastRequest{data: data, result: make(chan Delivery, 1)}
	select {
	case c.broadcast <- req:
	case <-c.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, fmt.Errorf("%w: %v", protocol.ErrInternal, ctx.Err())
	}

	// Once queued the broadcast is committed, so its outcome is reported
	// even if ctx ends meanwhile.
	return <-req.result, nil
}

// HandlePush is Push rendered as an HTTP-style response.
func (c *Channel) HandlePush(ctx context.Context, env protocol.PushEnvelope) (resp protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("push handler panicked", "room", c.id, "panic", rec)
			c.metrics.Push(tier, "internal")
			resp = protocol.ErrorResponse(protocol.ErrInternal)
		}
	}()

	d, err := c.Push(ctx, env)
	c.metrics.Push(tier, protocol.Outcome(err))
	if err != nil {
		if protocol.StatusFor(err) == http.StatusInternalServerError {
			c.logger.Error("push failed", "room", c.id, "error", err)
		}
		return protocol.ErrorResponse(err)
	}

	c.logger.Info("reply pushed", "room", c.id, "delivered", d.Delivered, "failed", d.Failed)
	return protocol.Ack(c.id, d.Delivered)
}

// ServeHTTP serves the channel-tier push endpoint. Any other request gets
// the channel status.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, protocol.PushPath) {
		env, err := protocol.DecodePushEnvelope(r.Body)
		if err != nil {
			c.metrics.Push(tier, protocol.Outcome(err))
			protocol.ErrorResponse(err).Render(w)
			return
		}
		c.HandlePush(r.Context(), env).Render(w)
		return
	}

	protocol.Status(protocol.StatusBody{
		Message: "channel running",
		RoomID:  c.id,
	}).Render(w)
}

func (c *Channel) addMember(conn Conn) {
	c.lastActive = c.now()
	if _, ok := c.members[conn.ID()]; ok {
		return
	}
	c.members[conn.ID()] = conn
	c.metrics.ConnectionOpened()

	c.logger.Info("connection joined",
		"room", c.id, "conn", conn.ID(), "members", len(c.members))

	c.sendTo(conn, protocol.NewWelcome(c.id, c.lastActive))
}

func (c *Channel) removeMember(conn Conn) {
	if _, ok := c.members[conn.ID()]; !ok {
		return
	}
	delete(c.members, conn.ID())
	c.lastActive = c.now()
	c.metrics.ConnectionClosed()

	c.logger.Info("connection left",
		"room", c.id, "conn", conn.ID(), "members", len(c.members))
}

// disconnectAll closes every member so that no connection outlives its
// channel.
func (c *Channel) disconnectAll() {
	for id, conn := range c.members {
		c.closeConn(conn)
		c.metrics.ConnectionClosed()
		c.logger.Debug("connection closed by channel stop", "room", c.id, "conn", id)
	}
	c.members = make(map[string]Conn)
}

func (c *Channel) closeConn(conn Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("close panicked", "room", c.id, "conn", conn.ID(), "panic", rec)
		}
	}()
	conn.Close()
}

func (c *Channel) handleInbound(msg inboundMessage) {
	c.lastActive = c.now()

	in, err := protocol.ParseInbound(msg.data)
	if err != nil {
		c.metrics.Inbound("malformed")
		c.logger.Debug("malformed message", "room", c.id, "conn", msg.conn.ID(), "error", err)
		c.sendTo(msg.conn, protocol.NewFormatError())
		return
	}

	c.metrics.Inbound(in.Kind.String())
	switch in.Kind {
	case protocol.InboundJoinRoom:
		c.logger.Debug("join confirmed", "room", c.id, "conn", msg.conn.ID())
		c.sendTo(msg.conn, protocol.NewRoomJoined(c.id))
	default:
		c.logger.Debug("ignoring message", "room", c.id, "conn", msg.conn.ID(), "type", in.Type)
	}
}

// broadcastFrame sends data to a snapshot of the membership.
func (c *Channel) broadcastFrame(data []byte) Delivery {
	c.lastActive = c.now()

	targets := make([]Conn, 0, len(c.members))
	for _, conn := range c.members {
		targets = append(targets, conn)
	}

	var d Delivery
	for _, conn := range targets {
		if err := c.deliver(conn, data); err != nil {
			d.Failed++
			c.logger.Warn("delivery failed", "room", c.id, "conn", conn.ID(), "error", err)
			continue
		}
		d.Delivered++
	}

	c.metrics.Delivery(d.Delivered, d.Failed)
	return d
}

func (c *Channel) deliver(conn Conn, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return conn.Send(data)
}

// sendTo delivers a lifecycle frame to a single connection. Failures are
// logged and otherwise ignored.
func (c *Channel) sendTo(conn Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode frame", "room", c.id, "error", err)
		return
	}
	if err := c.deliver(conn, data); err != nil {
		c.logger.Debug("send failed", "room", c.id, "conn", conn.ID(), "error", err)
	}
}

func (c *Channel) snapshot() Snapshot {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Snapshot{
		RoomID:     c.id,
		Members:    ids,
		CreatedAt:  c.createdAt,
		LastActive: c.lastActive,
	}
}
