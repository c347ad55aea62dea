// Package connection implements the user-facing IDSCP2 connection facade
// (C7): send operations validated against the FSM's current state, listener
// registration, and the unlock gate that holds inbound messages back until
// the caller has finished wiring its handlers.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/pkg/fsm"
)

var (
	// ErrNotConnected is returned for any send attempted once the
	// connection is closed.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrTimeout is returned when a blocking send's deadline passes before
	// the FSM admits the message.
	ErrTimeout = errors.New("connection: send timed out")
)

// MessageListener receives inbound application payloads, one call at a
// time, in arrival order.
type MessageListener func(payload []byte)

// Listener receives connection lifecycle events. OnError always precedes
// OnClose; OnClose fires exactly once.
type Listener interface {
	OnError(err error)
	OnClose()
}

// deliveryItem is one queued user-facing event: a payload, an error, or
// the terminal close marker.
type deliveryItem struct {
	payload []byte
	err     error
	closed  bool
}

// Connection is one IDSCP2 session. Construct with New, hand it to
// fsm.New as the ConnectionListener, then Bind the FSM back.
type Connection struct {
	id   string
	lctx context.Context

	mu   sync.Mutex
	cond *sync.Cond
	fsm  *fsm.FSM

	messageListeners []MessageListener
	connListeners    []Listener

	unlocked bool
	queue    []deliveryItem
	done     bool
}

// New constructs an unbound Connection. It implements fsm.ConnectionListener;
// the intended wiring is:
//
//	conn := connection.New()
//	machine := fsm.New(role, cfg, channel, datProvider, registry, conn)
//	conn.Bind(machine)
func New() *Connection {
	c := &Connection{id: uuid.NewString()}
	c.lctx = logger.WithContext(context.Background(), logger.NewLogContext(c.id, ""))
	c.cond = sync.NewCond(&c.mu)
	go c.deliveryLoop()
	return c
}

// Bind attaches the FSM. Must be called exactly once before any send.
func (c *Connection) Bind(machine *fsm.FSM) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fsm = machine
}

// ID returns the connection's opaque identity.
func (c *Connection) ID() string { return c.id }

// State reports the FSM's current state.
func (c *Connection) State() fsm.StateID {
	return c.fsm.State()
}

// IsClosed reports whether the session has terminated.
func (c *Connection) IsClosed() bool {
	return c.fsm.IsClosed()
}

// StateChanged exposes the FSM's atomic state snapshot plus change-signal
// channel, for callers waiting on session progress.
func (c *Connection) StateChanged() (fsm.StateID, bool, <-chan struct{}) {
	return c.fsm.StateChanged()
}

// AddMessageListener registers a handler for inbound payloads. Messages
// received before UnlockMessaging are queued and replayed in order once
// the gate opens.
func (c *Connection) AddMessageListener(l MessageListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageListeners = append(c.messageListeners, l)
}

// AddConnectionListener registers a lifecycle listener.
func (c *Connection) AddConnectionListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connListeners = append(c.connListeners, l)
}

// UnlockMessaging opens the inbound gate: the caller signals that its
// listeners are attached and queued messages may flow.
func (c *Connection) UnlockMessaging() {
	c.mu.Lock()
	c.unlocked = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// NonBlockingSend hands the payload to the FSM and returns immediately.
// Payloads sent before the session is Established are buffered by the FSM
// and flushed on establishment.
func (c *Connection) NonBlockingSend(payload []byte) error {
	if c.fsm.SendData(payload) == fsm.ResultNotConnected {
		return ErrNotConnected
	}
	return nil
}

// BlockingSend waits until the FSM admits the send (Established, and in
// ack mode with no outstanding Data), then transmits. It never buffers:
// on timeout the payload has not been handed over at all.
func (c *Connection) BlockingSend(payload []byte, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		state, closed, changed := c.fsm.StateChanged()
		if closed {
			return ErrNotConnected
		}
		if state == fsm.StateEstablished {
			switch c.fsm.TrySendData(payload) {
			case fsm.ResultOK:
				return nil
			case fsm.ResultNotConnected:
				// Lost the race against a state change; wait for the next.
			default:
				return ErrNotConnected
			}
		}
		select {
		case <-changed:
		case <-deadline.C:
			return ErrTimeout
		}
	}
}

// RepeatRa triggers an immediate re-attestation of the peer.
func (c *Connection) RepeatRa() error {
	if c.fsm.RepeatRa() == fsm.ResultNotConnected {
		return ErrNotConnected
	}
	return nil
}

// Close shuts the session down gracefully. Idempotent.
func (c *Connection) Close() {
	c.fsm.Stop()
}

// OnMessage implements fsm.ConnectionListener. Called with the FSM mutex
// held, so it only enqueues; the delivery loop invokes user handlers on
// its own goroutine, keeping user code free to call back into the
// Connection.
func (c *Connection) OnMessage(payload []byte) {
	c.enqueue(deliveryItem{payload: payload})
}

// OnError implements fsm.ConnectionListener.
func (c *Connection) OnError(err error) {
	c.enqueue(deliveryItem{err: err})
}

// OnClose implements fsm.ConnectionListener.
func (c *Connection) OnClose() {
	c.enqueue(deliveryItem{closed: true})
}

func (c *Connection) enqueue(item deliveryItem) {
	c.mu.Lock()
	c.queue = append(c.queue, item)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// deliveryLoop drains the event queue serially. Payload delivery waits for
// the unlock gate; lifecycle events pass it, since a caller that never
// unlocks must still learn the session died.
func (c *Connection) deliveryLoop() {
	c.mu.Lock()
	for {
		for !c.done && !c.deliverableLocked() {
			c.cond.Wait()
		}
		if c.done {
			c.mu.Unlock()
			return
		}

		idx := c.nextDeliverableLocked()
		item := c.queue[idx]
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
		msgListeners := c.messageListeners
		connListeners := c.connListeners
		if item.closed {
			c.done = true
		}
		c.mu.Unlock()

		switch {
		case item.closed:
			for _, l := range connListeners {
				l.OnClose()
			}
			return
		case item.err != nil:
			logger.DebugCtx(c.lctx, "connection error", "error", item.err)
			for _, l := range connListeners {
				l.OnError(item.err)
			}
		default:
			for _, l := range msgListeners {
				l(item.payload)
			}
		}

		c.mu.Lock()
	}
}

// deliverableLocked reports whether anything in the queue may be delivered
// now. Caller holds c.mu.
func (c *Connection) deliverableLocked() bool {
	return c.nextDeliverableLocked() >= 0
}

// nextDeliverableLocked picks the next queue index to deliver: the head
// when the gate is open, otherwise the first lifecycle event - payloads
// stay queued behind a closed gate, but a caller that never unlocks must
// still learn the session died. Returns -1 when nothing qualifies.
func (c *Connection) nextDeliverableLocked() int {
	if len(c.queue) == 0 {
		return -1
	}
	if c.unlocked {
		return 0
	}
	for i, item := range c.queue {
		if item.closed || item.err != nil {
			return i
		}
	}
	return -1
}
