// Package registry is the relay's in-memory table of connected agents: C3
// in the component design. It owns presence, heartbeats and the durable
// agents.json state file dashboard consumers can poll without talking to
// the daemon.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/store"
)

// Registry is a single-writer map of agent name to record, guarded by one
// mutex with short critical sections, per the concurrency model's
// shared-resource policy.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*domain.AgentRecord
	staleness  time.Duration
	sweepEvery time.Duration
	repo       store.Repository
	statePath  string // directory for agents.json; bridge-state.json and processing-state.json are not written

	onDisconnect func(agentName string) // hook invoked when a sweep marks an agent disconnected

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Registry. statePath is the directory agents.json is
// written to atomically; pass "" to disable file-based presence mirroring.
func New(repo store.Repository, staleness, sweepEvery time.Duration, statePath string) *Registry {
	return &Registry{
		agents:     make(map[string]*domain.AgentRecord),
		staleness:  staleness,
		sweepEvery: sweepEvery,
		repo:       repo,
		statePath:  statePath,
	}
}

// OnDisconnect sets a callback invoked whenever the sweeper (or an explicit
// Disconnect call) transitions a record to disconnected.
func (r *Registry) OnDisconnect(fn func(agentName string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Hello registers a new connection for name, replacing any existing live
// record atomically — a new HELLO from the same name always wins.
func (r *Registry) Hello(name, cli, team string) *domain.AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rec, existed := r.agents[name]
	if !existed {
		rec = &domain.AgentRecord{Name: name, FirstSeen: now}
	}
	rec.CLI = cli
	rec.Team = team
	rec.LastSeen = now
	rec.LastHeartbeat = now
	rec.State = domain.Connected
	r.agents[name] = rec

	r.persistLocked()
	return cloneRecord(rec)
}

// Heartbeat refreshes last-seen/last-heartbeat for name; any frame from an
// agent counts, not only an explicit heartbeat frame.
func (r *Registry) Heartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[name]
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.LastSeen = now
	rec.LastHeartbeat = now
}

// Disconnect transitions name to disconnected, e.g. on BYE or socket close,
// and closes out its still-open session — the same contract the heartbeat
// sweep honors for agents that go stale instead of disconnecting cleanly.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok || rec.State == domain.Disconnected {
		r.mu.Unlock()
		return
	}
	rec.State = domain.Disconnected
	hook := r.onDisconnect
	r.persistLocked()
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.EndSessionsForAgent(context.Background(), name, domain.ClosedByDisconnect); err != nil {
			slog.Error("failed to end sessions for disconnected agent", "agent", name, "error", err)
		}
	}

	if hook != nil {
		hook(name)
	}
}

// RecordSent/RecordReceived bump the agent's message counters.
func (r *Registry) RecordSent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[name]; ok {
		rec.MessagesSent++
	}
}

func (r *Registry) RecordReceived(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[name]; ok {
		rec.MessagesReceived++
	}
}

// Get returns a copy of the record for name, or nil if unknown.
func (r *Registry) Get(name string) *domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[name]
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

// Online reports whether name is currently connected and within staleness.
func (r *Registry) Online(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[name]
	if !ok {
		return false
	}
	return rec.Online(time.Now().UTC(), r.staleness)
}

// OnlineTeamMembers returns the online agent names for a team tag.
func (r *Registry) OnlineTeamMembers(team string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	var out []string
	for _, rec := range r.agents {
		if rec.Team == team && rec.Online(now, r.staleness) {
			out = append(out, rec.Name)
		}
	}
	return out
}

// Snapshot returns a copy of every known record, for dashboard consumption.
func (r *Registry) Snapshot() []*domain.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Start launches the heartbeat sweeper goroutine; cancel it with Stop.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweeper and waits up to the component-stop budget for it
// to exit.
func (r *Registry) Stop(budget time.Duration) {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(budget):
		slog.Warn("registry sweeper did not stop within budget", "budget", budget)
	}
}

// sweep transitions stale records to disconnected and ends their sessions,
// per the registry's heartbeat policy (≥5s cadence, ≤30s staleness default).
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	var stale []string
	for name, rec := range r.agents {
		if rec.State == domain.Connected && now.Sub(rec.LastHeartbeat) > r.staleness {
			rec.State = domain.Disconnected
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		r.persistLocked()
	}
	hook := r.onDisconnect
	r.mu.Unlock()

	for _, name := range stale {
		slog.Info("agent went stale, marking disconnected", "agent", name)
		if r.repo != nil {
			if err := r.repo.EndSessionsForAgent(ctx, name, domain.ClosedByDisconnect); err != nil {
				slog.Error("failed to end sessions for stale agent", "agent", name, "error", err)
			}
		}
		if hook != nil {
			hook(name)
		}
	}
}

// persistLocked writes agents.json atomically. Caller must hold r.mu.
func (r *Registry) persistLocked() {
	if r.statePath == "" {
		return
	}
	recs := make([]*domain.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		recs = append(recs, rec)
	}
	if err := writeJSONAtomic(fmt.Sprintf("%s/agents.json", r.statePath), recs); err != nil {
		slog.Warn("failed to persist agents.json", "error", err)
	}
}

func cloneRecord(rec *domain.AgentRecord) *domain.AgentRecord {
	c := *rec
	return &c
}
