package router

import (
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
)

// ConnState is a connection's protocol state machine position.
type ConnState int

const (
	StateNew ConnState = iota
	StateReady
	StateClosed
)

// outboundFrame is one queued outbound frame; Type lets the daemon's writer
// loop marshal without a type switch.
type outboundFrame struct {
	Type    string
	Payload any
}

// Conn is the router's view of one socket connection: its protocol state,
// bound agent name, subscriptions and outbound queue. The router never
// mutates another connection's state except through these methods, and a
// connection's inbound reader task is the only writer to its own fields
// other than the outbound queue (which the router also pushes to).
type Conn struct {
	ID   string
	mu   sync.Mutex
	name      string
	team      string
	cli       string
	sessionID string

	state ConnState

	topics map[string]bool

	outbound     chan outboundFrame
	softBound    int
	hardBound    int
	paused       bool

	protocolErrAt []time.Time
	errWindow     time.Duration
	errMax        int

	closeOnce sync.Once
	closeCh   chan struct{}
	closeCode string
}

// NewConn builds a Conn with a buffered outbound queue sized to hardBound.
func NewConn(id string, softBound, hardBound int, errWindow time.Duration, errMax int) *Conn {
	return &Conn{
		ID:        id,
		state:     StateNew,
		topics:    make(map[string]bool),
		outbound:  make(chan outboundFrame, hardBound),
		softBound: softBound,
		hardBound: hardBound,
		errWindow: errWindow,
		errMax:    errMax,
		closeCh:   make(chan struct{}),
	}
}

// Name returns the bound agent name (empty until HELLO succeeds).
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Bind transitions NEW -> READY with the HELLO-declared identity.
func (c *Conn) Bind(name, cli, team string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.cli = cli
	c.team = team
	c.state = StateReady
}

// SetSessionID records the session id opened for this connection's HELLO,
// so a later SESSION_END frame knows which session to close.
func (c *Conn) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SessionID returns the session id set by SetSessionID, or "" if none.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current protocol state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe/Unsubscribe track topic membership for this connection.
func (c *Conn) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = true
}

func (c *Conn) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// Outbound returns the channel the connection's writer task drains.
func (c *Conn) Outbound() <-chan outboundFrame {
	return c.outbound
}

// pushResult tells the caller what happened to an enqueued frame.
type pushResult int

const (
	pushed pushResult = iota
	pushedPaused          // enqueued but the connection crossed the soft bound
	pushOverflow          // hard bound exceeded; caller must close the connection
)

// Push enqueues a frame for delivery. Crossing softBound signals the
// caller to pause reading this connection's inbound stream (flow control);
// crossing hardBound is a caller-visible overflow that must close the conn.
func (c *Conn) Push(frameType string, payload any) pushResult {
	select {
	case c.outbound <- outboundFrame{Type: frameType, Payload: payload}:
	default:
		return pushOverflow
	}
	if len(c.outbound) >= c.hardBound {
		return pushOverflow
	}
	if len(c.outbound) >= c.softBound {
		return pushedPaused
	}
	return pushed
}

// RecordProtocolError tracks a non-terminal protocol error and reports
// whether the connection has now exceeded the repeated-error budget
// (≥N errors within the configured window) and must be closed.
func (c *Conn) RecordProtocolError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-c.errWindow)
	kept := c.protocolErrAt[:0]
	for _, t := range c.protocolErrAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.protocolErrAt = kept

	return len(c.protocolErrAt) >= c.errMax
}

// Close marks the connection closed with a reason code; idempotent.
func (c *Conn) Close(code string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeCode = code
		c.mu.Unlock()
		close(c.closeCh)
	})
}

// Done is closed once Close has run.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// CloseCode returns the reason Close was called with, if any.
func (c *Conn) CloseCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// sendError is a convenience for pushing an error frame.
func (c *Conn) sendError(code codec.ErrorPayload) pushResult {
	return c.Push(codec.TypeError, code)
}
