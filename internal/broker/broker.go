package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// connState tracks one connection through its lifecycle. A connection starts
// Connecting, becomes Registered on a successful join, and is Closing once
// the broker has decided to drop it. The Closed state is implicit: the
// connection is forgotten when its detach notification arrives.
type connState int

const (
	stateConnecting connState = iota
	stateRegistered
	stateClosing
)

type conn struct {
	id      ConnectionID
	out     *Outbox
	state   connState
	session *Session
}

// Events delivered into the broker's single inbound queue. Using one queue
// keeps attach, frame, and detach processing in arrival order.
type attachEvent struct{ c *conn }

type frameEvent struct {
	id  ConnectionID
	env protocol.Envelope
}

type detachEvent struct{ id ConnectionID }

type statsEvent struct{ reply chan Stats }

// Stats is a point-in-time snapshot of broker state for the /stats endpoint.
type Stats struct {
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
}

// Options configures a Broker.
type Options struct {
	// QueueSize bounds each connection's outbound queue. Zero means
	// DefaultQueueSize.
	QueueSize int
	// MaxTextSize caps chat text payloads for the broker's codec. Zero
	// means protocol.DefaultMaxTextSize.
	MaxTextSize int
}

// Broker is the sequential decision point of the chat system. Every registry
// mutation and every broadcast decision happens inside Run, one event at a
// time; connection goroutines interact with it only through Attach, Deliver,
// and Detach.
type Broker struct {
	codec     protocol.Codec
	queueSize int

	events   chan any
	conns    map[ConnectionID]*conn
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Broker. Call Run in its own goroutine before attaching
// connections.
func New(opts Options) *Broker {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		codec:     protocol.NewCodec(opts.MaxTextSize),
		queueSize: queueSize,
		events:    make(chan any, 256),
		conns:     make(map[ConnectionID]*conn),
		registry:  NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Attach allocates an id and outbound queue for a new connection and queues
// its registration. The connection stays in the Connecting state until its
// join envelope arrives.
func (b *Broker) Attach() (ConnectionID, *Outbox) {
	c := &conn{
		id:    NewConnectionID(),
		out:   newOutbox(b.queueSize),
		state: stateConnecting,
	}
	if !b.send(attachEvent{c: c}) {
		c.out.Close()
	}
	return c.id, c.out
}

// Deliver forwards one decoded client envelope to the broker.
func (b *Broker) Deliver(id ConnectionID, env protocol.Envelope) {
	b.send(frameEvent{id: id, env: env})
}

// Detach notifies the broker that a connection's transport is gone. It is
// idempotent: a second notification for the same id is a no-op.
func (b *Broker) Detach(id ConnectionID) {
	b.send(detachEvent{id: id})
}

// send queues an event unless the broker has shut down. The shutdown check
// runs before the channel send so that an event never sits in the buffer of a
// loop that will no longer drain it.
func (b *Broker) send(ev any) bool {
	select {
	case <-b.ctx.Done():
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Stats reports the current connection count and roster. It returns a zero
// snapshot when the broker has shut down.
func (b *Broker) Stats() Stats {
	reply := make(chan Stats, 1)
	if !b.send(statsEvent{reply: reply}) {
		return Stats{Users: []string{}}
	}
	select {
	case s := <-reply:
		return s
	case <-b.done:
		return Stats{Users: []string{}}
	}
}

// Run processes broker events until Shutdown. It must be called in its own
// goroutine.
func (b *Broker) Run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case ev := <-b.events:
			b.handle(ev)
		}
	}
}

// Shutdown stops the event loop and closes every outbound queue, which in
// turn tears down the connection pumps. It returns context.DeadlineExceeded
// when the loop has not finished within timeout.
func (b *Broker) Shutdown(timeout time.Duration) error {
	slog.Info("broker shutting down")
	b.cancel()

	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (b *Broker) handle(ev any) {
	switch ev := ev.(type) {
	case attachEvent:
		b.handleAttach(ev.c)
	case frameEvent:
		b.handleFrame(ev.id, ev.env)
	case detachEvent:
		b.handleDetach(ev.id)
	case statsEvent:
		ev.reply <- Stats{
			Connections: len(b.conns),
			Users:       b.registry.SnapshotUsernames(),
		}
	}
}

func (b *Broker) handleAttach(c *conn) {
	if _, exists := b.conns[c.id]; exists {
		// Never happens with UUID allocation; treat loudly as a bug.
		slog.Error("duplicate connection id", "connId", c.id, "err", ErrDuplicateConnection)
		c.out.Close()
		return
	}
	b.conns[c.id] = c
	slog.Debug("connection attached", "connId", c.id, "total", len(b.conns))
}

func (b *Broker) handleFrame(id ConnectionID, env protocol.Envelope) {
	c, ok := b.conns[id]
	if !ok || c.state == stateClosing {
		// Frames may trail behind a disconnect decision; drop them.
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		if c.state != stateConnecting {
			slog.Warn("duplicate join", "connId", id, "username", env.Username)
			b.closeConn(c)
			return
		}
		b.registerConn(c, env.Username)

	case protocol.KindChat:
		if c.state != stateRegistered {
			slog.Warn("chat before join", "connId", id)
			b.closeConn(c)
			return
		}
		payload := b.codec.Encode(protocol.Chat(c.session.Username, env.Text))
		b.broadcast(frame{class: classChat, payload: payload})

	case protocol.KindLeave:
		b.closeConn(c)

	default:
		slog.Warn("unexpected envelope from client", "connId", id, "kind", env.Kind)
		b.closeConn(c)
	}
}

func (b *Broker) registerConn(c *conn, username string) {
	session := &Session{ID: c.id, Username: username, JoinedAt: time.Now().UTC()}
	if err := b.registry.Insert(c.id, session); err != nil {
		slog.Error("registry invariant violation", "connId", c.id, "err", err)
		b.closeConn(c)
		return
	}
	c.state = stateRegistered
	c.session = session
	slog.Info("client joined", "connId", c.id, "username", username, "online", b.registry.Len())
	b.broadcastRoster()
}

func (b *Broker) handleDetach(id ConnectionID) {
	c, ok := b.conns[id]
	if !ok {
		return
	}
	delete(b.conns, id)
	c.out.Close()

	wasRegistered := c.session != nil
	if wasRegistered {
		if _, err := b.registry.Remove(id); err != nil {
			slog.Error("registry invariant violation", "connId", id, "err", err)
		}
		slog.Info("client left", "connId", id, "username", c.session.Username, "online", b.registry.Len())
		b.broadcastRoster()
	} else {
		slog.Debug("connection detached", "connId", id)
	}
}

// closeConn moves a connection to Closing and closes its outbound queue. The
// write pump drains, closes the transport, and the read pump's detach
// notification completes the transition to Closed.
func (b *Broker) closeConn(c *conn) {
	if c.state == stateClosing {
		return
	}
	c.state = stateClosing
	c.out.Close()
}

func (b *Broker) broadcastRoster() {
	payload := b.codec.Encode(protocol.Roster(b.registry.SnapshotUsernames()))
	b.broadcast(frame{class: classRoster, payload: payload})
}

// broadcast queues one frame on every registered connection in the order the
// broker processed it. Connections whose queue overflows are disconnected
// instead of blocking the loop.
func (b *Broker) broadcast(f frame) {
	var overflowed []*conn
	for _, c := range b.conns {
		if c.state != stateRegistered {
			continue
		}
		if err := c.out.push(f); err != nil {
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		slog.Warn("disconnecting slow consumer", "connId", c.id, "username", c.session.Username)
		b.closeConn(c)
	}
}

func (b *Broker) drain() {
	for _, c := range b.conns {
		c.out.Close()
	}
	slog.Info("broker stopped", "connections", len(b.conns))
	b.conns = make(map[ConnectionID]*conn)
	b.registry = NewRegistry()

	// Sweep events that raced with shutdown so no caller is left hanging.
	for {
		select {
		case ev := <-b.events:
			switch ev := ev.(type) {
			case attachEvent:
				ev.c.out.Close()
			case statsEvent:
				ev.reply <- Stats{Users: []string{}}
			}
		default:
			return
		}
	}
}
