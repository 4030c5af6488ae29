// Package router implements C4: the protocol state machine, fan-out,
// broadcast/team delivery, dedup and acknowledgement tracking that sits
// between connections and the storage engine.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/store"
)

// TeamPrefix and ChannelPrefix recognize reserved recipient forms.
const (
	TeamPrefix    = "team:"
	ChannelPrefix = "#"
)

// Reserved verb recipients the wrapper layer interprets specially; the
// router treats them as opaque single-name recipients like any other.
var ReservedVerbs = map[string]bool{
	"spawn":   true,
	"release": true,
}

func isContinuityVerb(to string) bool {
	return strings.HasPrefix(to, "continuity:")
}

// overflowEntry holds a message that failed to persist, retried by a
// background drain loop (the "in-memory overflow buffer" of §4.4 step 4).
type overflowEntry struct {
	msg     *domain.Message
	addedAt time.Time
}

// Router owns connection lookup by name, the dedup cache, and the
// persistence overflow buffer. It has no global lock: each connection's
// state and outbound queue are owned by the Conn itself.
type Router struct {
	cfg  config.RouterConfig
	repo store.Repository
	reg  *registry.Registry

	mu    sync.RWMutex
	conns map[string]*Conn // by bound agent name

	dedup *dedupCache

	overflowMu sync.Mutex
	overflow   []overflowEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Router bound to a registry and storage engine.
func New(cfg config.RouterConfig, repo store.Repository, reg *registry.Registry) *Router {
	return &Router{
		cfg:   cfg,
		repo:  repo,
		reg:   reg,
		conns: make(map[string]*Conn),
		dedup: newDedupCache(cfg.DedupWindow),
	}
}

// Start launches the overflow-retry background loop.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.drainOverflow(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the overflow-retry loop, then makes one last attempt to
// persist whatever is still held in the overflow buffer.
func (r *Router) Stop(budget time.Duration) {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(budget):
		slog.Warn("router overflow loop did not stop within budget", "budget", budget)
	}
	r.drainOverflow(context.Background())
}

// CloseAll notifies every live connection of a shutdown with an error
// frame carrying code, then closes it — the daemon's graceful-shutdown
// contract from §4.5.
func (r *Router) CloseAll(code string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.sendError(codec.ErrorPayload{Code: code, Message: "relay daemon is shutting down"})
		conn.Close(code)
	}
}

// Register binds a connection under its HELLO name, superseding any prior
// live connection of the same name (old one closed with "superseded").
func (r *Router) Register(conn *Conn, name, cli, team string) {
	r.mu.Lock()
	old, existed := r.conns[name]
	r.conns[name] = conn
	r.mu.Unlock()

	if existed && old != conn {
		old.Close("superseded")
	}
	conn.Bind(name, cli, team)
	r.reg.Hello(name, cli, team)
}

// Unregister removes a connection from the live table if it is still the
// current holder of its name (a superseded connection must not clobber the
// entry its successor installed).
func (r *Router) Unregister(conn *Conn) {
	name := conn.Name()
	if name == "" {
		return
	}
	r.mu.Lock()
	if current, ok := r.conns[name]; ok && current == conn {
		delete(r.conns, name)
	}
	r.mu.Unlock()
	r.reg.Disconnect(name)
}

func (r *Router) lookup(name string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[name]
}

// HandleSend executes the routing algorithm for a `send` frame from conn.
func (r *Router) HandleSend(ctx context.Context, conn *Conn, p codec.SendPayload) {
	sender := conn.Name()

	msg, dup, err := r.SendExternal(ctx, sender, p)
	if err != nil {
		conn.sendError(codec.ErrorPayload{Code: codec.CodeNoRecipients, Message: err.Error()})
		return
	}
	if dup {
		conn.Push(codec.TypeAck, codec.AckPayload{Duplicate: true})
		return
	}

	conn.Push(codec.TypeAck, codec.AckPayload{MessageID: msg.ID})
}

// SendExternal runs the routing algorithm for a send on behalf of a caller
// that has no live Conn of its own — the dashboard gateway's POST /api/send,
// for instance. It skips the per-connection ack frame the socket protocol
// uses and instead returns the persisted message (or dup=true) directly.
func (r *Router) SendExternal(ctx context.Context, sender string, p codec.SendPayload) (msg *domain.Message, dup bool, err error) {
	recipients, broadcast, err := r.resolveRecipients(p.To)
	if err != nil {
		return nil, false, err
	}

	fp := fingerprint(sender, p.To, p.Body, p.Meta.ReplyTo)
	if r.dedup.seenRecently(fp) {
		return nil, true, nil
	}

	id, err := store.NewMessageID()
	if err != nil {
		return nil, false, fmt.Errorf("allocate message id: %w", err)
	}

	kind := domain.KindMessage
	if p.Kind != "" {
		kind = domain.MessageKind(p.Kind)
	}

	msg = domain.NewMessage(id, sender, p.To, p.Body, kind)
	msg.Thread = p.Thread
	msg.Channel = p.Channel
	msg.Data = p.Data
	msg.IsBroadcast = broadcast
	msg.Meta = domain.Meta{
		Importance:  p.Meta.Importance,
		ReplyTo:     p.Meta.ReplyTo,
		RequiresAck: p.Meta.RequiresAck,
		TTLMillis:   p.Meta.TTLMillis,
	}

	if err := r.repo.AppendMessage(ctx, msg); err != nil {
		slog.Warn("persist failed, holding message in overflow buffer", "id", msg.ID, "error", err)
		r.enqueueOverflow(msg)
	}

	r.reg.RecordSent(sender)
	r.deliverToRecipients(ctx, msg, recipients)

	return msg, false, nil
}

// resolveRecipients normalizes a `to` field per step 2 of the routing
// algorithm: "*" broadcasts, "team:<name>" expands to online members
// (erroring if the set is empty), everything else is a single name.
func (r *Router) resolveRecipients(to string) ([]string, bool, error) {
	switch {
	case to == domain.Broadcast:
		r.mu.RLock()
		names := make([]string, 0, len(r.conns))
		for name := range r.conns {
			names = append(names, name)
		}
		r.mu.RUnlock()
		return names, true, nil
	case strings.HasPrefix(to, TeamPrefix):
		team := strings.TrimPrefix(to, TeamPrefix)
		members := r.reg.OnlineTeamMembers(team)
		if len(members) == 0 {
			return nil, false, fmt.Errorf("no online members for team %q", team)
		}
		return members, false, nil
	default:
		return []string{to}, false, nil
	}
}

// deliverToRecipients pushes msg to each resolved recipient's outbound
// queue independently; broadcast deliveries never block on one another
// since each Conn owns its own buffered channel.
func (r *Router) deliverToRecipients(ctx context.Context, msg *domain.Message, recipients []string) {
	delivered := false
	for _, name := range recipients {
		if name == msg.From {
			continue // a broadcaster never receives its own broadcast
		}
		target := r.lookup(name)
		if target == nil {
			r.holdForOfflineTarget(ctx, msg, name)
			continue
		}

		res := target.Push(codec.TypeDeliver, codec.DeliverPayload{
			MessageID:   msg.ID,
			From:        msg.From,
			To:          name,
			Body:        msg.Body,
			Kind:        string(msg.Kind),
			Thread:      msg.Thread,
			Channel:     msg.Channel,
			Data:        msg.Data,
			IsBroadcast: msg.IsBroadcast,
		})
		switch res {
		case pushOverflow:
			target.Close(codec.CodeBackpressureOverflow)
			r.reg.Disconnect(name)
			continue
		case pushedPaused:
			slog.Debug("recipient queue crossed soft bound, upstream should throttle", "recipient", name)
		}
		delivered = true
		r.reg.RecordReceived(name)
	}

	if delivered {
		if err := r.repo.UpdateStatus(ctx, msg.ID, domain.StatusDelivered); err != nil {
			slog.Warn("failed to mark message delivered", "id", msg.ID, "error", err)
		}
	}
}

// holdForOfflineTarget implements step 5's offline-recipient branch: queue
// for redelivery up to TTL if requires_ack+ttl are set, otherwise persist-only.
func (r *Router) holdForOfflineTarget(ctx context.Context, msg *domain.Message, name string) {
	if !msg.Meta.RequiresAck || msg.Meta.TTLMillis <= 0 {
		return // persist-only; already durable via AppendMessage
	}
	ttl := time.Duration(msg.Meta.TTLMillis) * time.Millisecond
	deadline := msg.Timestamp.Add(ttl)
	go func() {
		r.waitForReconnectAndDeliver(ctx, msg, name, deadline)
	}()
}

func (r *Router) waitForReconnectAndDeliver(ctx context.Context, msg *domain.Message, name string, deadline time.Time) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				if err := r.repo.UpdateStatus(ctx, msg.ID, domain.StatusFailed); err != nil {
					slog.Warn("failed to mark message failed after ttl", "id", msg.ID, "error", err)
				}
				return
			}
			target := r.lookup(name)
			if target == nil {
				continue
			}
			target.Push(codec.TypeDeliver, codec.DeliverPayload{
				MessageID: msg.ID, From: msg.From, To: name, Body: msg.Body,
				Kind: string(msg.Kind), Thread: msg.Thread, Channel: msg.Channel, Data: msg.Data,
			})
			if err := r.repo.UpdateStatus(ctx, msg.ID, domain.StatusDelivered); err != nil {
				slog.Warn("failed to mark redelivered message delivered", "id", msg.ID, "error", err)
			}
			r.reg.RecordReceived(name)
			return
		}
	}
}

// HandleAck marks a message acked when its recipient explicitly acks it.
func (r *Router) HandleAck(ctx context.Context, messageID string) {
	if err := r.repo.UpdateStatus(ctx, messageID, domain.StatusAcked); err != nil {
		slog.Warn("failed to mark message acked", "id", messageID, "error", err)
	}
}

func (r *Router) enqueueOverflow(msg *domain.Message) {
	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()
	const overflowBound = 1000
	if len(r.overflow) >= overflowBound {
		slog.Error("overflow buffer full, dropping message", "id", msg.ID)
		return
	}
	r.overflow = append(r.overflow, overflowEntry{msg: msg, addedAt: time.Now()})
}

func (r *Router) drainOverflow(ctx context.Context) {
	r.overflowMu.Lock()
	pending := r.overflow
	r.overflow = nil
	r.overflowMu.Unlock()

	var retry []overflowEntry
	for _, entry := range pending {
		if err := r.repo.AppendMessage(ctx, entry.msg); err != nil {
			retry = append(retry, entry)
			continue
		}
	}
	if len(retry) > 0 {
		r.overflowMu.Lock()
		r.overflow = append(retry, r.overflow...)
		r.overflowMu.Unlock()
	}
}
