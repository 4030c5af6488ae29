// Package client implements the non-daemon side of the relay's wire
// protocol: anything that is itself a connection to the relay daemon's
// Unix socket (relaywrap's wrapper, the spawner's workers, the daemon
// tests) dials in through here rather than re-implementing frame handling.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
)

// Client is a single connection to the relay daemon.
type Client struct {
	conn net.Conn
	rd   *codec.Reader

	writeMu sync.Mutex

	sessionID string
}

// Dial connects to the daemon's Unix socket and exchanges HELLO/WELCOME.
func Dial(ctx context.Context, socketPath string, hello codec.HelloPayload) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{conn: conn, rd: codec.NewReader(conn)}

	if err := c.send(codec.TypeHello, hello); err != nil {
		conn.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	f, err := c.rd.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: awaiting welcome: %w", err)
	}
	if f.Type == codec.TypeError {
		errp, _ := codec.DecodePayload[codec.ErrorPayload](f)
		conn.Close()
		return nil, fmt.Errorf("client: hello rejected: %s: %s", errp.Code, errp.Message)
	}
	if f.Type != codec.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("client: expected welcome, got %s", f.Type)
	}
	welcome, err := codec.DecodePayload[codec.WelcomePayload](f)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.sessionID = welcome.SessionID
	return c, nil
}

// SessionID returns the session id handed back in the WELCOME frame.
func (c *Client) SessionID() string { return c.sessionID }

// Send writes a SEND frame.
func (c *Client) Send(p codec.SendPayload) error {
	return c.send(codec.TypeSend, p)
}

// Ack writes an ACK frame.
func (c *Client) Ack(messageID string) error {
	return c.send(codec.TypeAck, codec.AckPayload{MessageID: messageID})
}

// Subscribe/Unsubscribe follow or drop a topic.
func (c *Client) Subscribe(topic string) error {
	return c.send(codec.TypeSubscribe, codec.SubscribePayload{Topic: topic})
}

func (c *Client) Unsubscribe(topic string) error {
	return c.send(codec.TypeUnsubscribe, codec.UnsubscribePayload{Topic: topic})
}

// Heartbeat sends a liveness ping.
func (c *Client) Heartbeat() error {
	return c.send(codec.TypeHeartbeat, struct{}{})
}

// Log forwards a chunk of the wrapped agent's raw output to the daemon for
// the gateway's /ws/logs/:name fan-out.
func (c *Client) Log(body string) error {
	return c.send(codec.TypeLog, codec.LogPayload{Body: body})
}

// Summary forwards a parsed [[SUMMARY]] block for persistence.
func (c *Client) Summary(p codec.SummaryPayload) error {
	return c.send(codec.TypeSummary, p)
}

// SessionEnd forwards a parsed [[SESSION_END]] block; the daemon closes
// this connection's active session on receipt.
func (c *Client) SessionEnd(p codec.SessionEndPayload) error {
	return c.send(codec.TypeSessionEnd, p)
}

// Bye announces a clean disconnect.
func (c *Client) Bye() error {
	return c.send(codec.TypeBye, struct{}{})
}

// ReadFrame blocks for the next inbound frame (DELIVER, ACK, PRESENCE, ERROR).
func (c *Client) ReadFrame() (*codec.Frame, error) {
	return c.rd.ReadFrame()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(typ string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.Encode(c.conn, taggedEnvelope(typ, payload))
}

// taggedEnvelope flattens {"type": typ} and payload's own fields into one
// JSON object, mirroring the daemon's own envelope() encoder so both sides
// agree on wire shape without a shared envelope struct with an "any" field.
func taggedEnvelope(typ string, payload any) map[string]any {
	out := map[string]any{"type": typ}
	body, _ := json.Marshal(payload)
	var fields map[string]any
	_ = json.Unmarshal(body, &fields)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
