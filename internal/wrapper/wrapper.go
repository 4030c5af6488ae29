package wrapper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/client"
	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/idle"
	"github.com/ashureev/agent-relay/internal/injector"
	"github.com/ashureev/agent-relay/internal/parser"
)

// State is the wrapper's lifecycle position, per §4.9:
// idle -> starting -> running <-> waiting-idle -> stopping -> stopped.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateWaitingIdle State = "waiting-idle"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// authRevokedPatterns match known provider phrases indicating the CLI's
// credential or session has been invalidated server-side.
var authRevokedPatterns = regexp.MustCompile(
	`(?i)session (has been |was )?terminated|token (expired|revoked)|please (re-?)?authenticate|authentication failed|not logged in`,
)

// Pane is the full surface the wrapper drives; TmuxPane implements it and
// also satisfies injector.Pane for the subset the injector needs.
type Pane interface {
	injector.Pane
	StartSession(ctx context.Context, cmdLine []string, env map[string]string, scrollback int) error
	KillSession(ctx context.Context) error
	Pid(ctx context.Context) (int, error)
}

// RelayClient is the subset of *client.Client the wrapper depends on, kept
// as an interface so tests can fake the daemon connection.
type RelayClient interface {
	Send(p codec.SendPayload) error
	Summary(p codec.SummaryPayload) error
	SessionEnd(p codec.SessionEndPayload) error
	Heartbeat() error
	Log(body string) error
	ReadFrame() (*codec.Frame, error)
	Close() error
}

// LogSink receives every freshly-captured pane chunk, for the spawner's
// ring buffer and subscriber fan-out.
type LogSink interface {
	Append(agentName, chunk string)
}

// EventSink receives wrapper-level lifecycle events (auth-revoked,
// terminal errors) for the spawner to surface to the dashboard.
type EventSink interface {
	WrapperEvent(agentName, kind, detail string)
}

// Wrapper owns one multiplexer pane for one agent and orchestrates C6-C8
// against it, per §4.9.
type Wrapper struct {
	agentName string
	cli       string
	cmdLine   []string
	env       map[string]string

	pane   Pane
	rc     RelayClient
	cfg    config.WrapperConfig
	icfg   injector.Config
	parse  *parser.Parser
	inj    *injector.Injector
	logs   LogSink
	events EventSink

	mu           sync.Mutex
	state        State
	authRevoked  bool
	lastOutputAt time.Time
	lastAuthScan time.Time

	offlineMu  sync.Mutex
	offline    []codec.SendPayload

	cancel context.CancelFunc
	done   chan struct{}
}

// Config bundles the construction-time dependencies for New, avoiding a
// long positional parameter list.
type Config struct {
	AgentName string
	CLI       string
	CmdLine   []string
	Env       map[string]string
	Pane      Pane
	Client    RelayClient
	Wrapper   config.WrapperConfig
	Injector  injector.Config
	Logs      LogSink
	Events    EventSink
	Inbox     injector.Inbox
	Metrics   injector.Metrics
}

// New builds a Wrapper in the idle state; call Start to launch it.
func New(c Config) *Wrapper {
	w := &Wrapper{
		agentName: c.AgentName,
		cli:       c.CLI,
		cmdLine:   c.CmdLine,
		env:       c.Env,
		pane:      c.Pane,
		rc:        c.Client,
		cfg:       c.Wrapper,
		icfg:      c.Injector,
		parse:     parser.New(),
		logs:      c.Logs,
		events:    c.Events,
		state:     StateIdle,
	}
	w.inj = injector.New(c.AgentName, c.Pane, injector.ProfileFor(c.CLI), c.Injector, c.Inbox, c.Metrics)
	return w
}

// State returns the wrapper's current lifecycle state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Wrapper) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Start launches the multiplexer session and the polling/injection loops.
// A Start from running is a no-op, per §4.9.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.State() == StateRunning {
		return nil
	}
	w.setState(StateStarting)

	env := make(map[string]string, len(w.env)+2)
	for k, v := range w.env {
		env[k] = v
	}
	env["RELAY_AGENT_NAME"] = w.agentName
	env["RELAY_AGENT_CLI"] = w.cli

	if err := w.pane.StartSession(ctx, w.cmdLine, env, w.cfg.ScrollbackLines); err != nil {
		w.setState(StateStopped)
		return fmt.Errorf("wrapper: start session for %s: %w", w.agentName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.lastOutputAt = time.Now()

	w.inj.Start(runCtx)
	go w.pollLoop(runCtx)
	go w.heartbeatLoop(runCtx)
	go w.inboundLoop(runCtx)

	w.setState(StateRunning)
	return nil
}

// Stop transitions through stopping to stopped, idempotent.
func (w *Wrapper) Stop(ctx context.Context, budget time.Duration) error {
	if w.State() == StateStopped || w.State() == StateIdle {
		w.setState(StateStopped)
		return nil
	}
	w.setState(StateStopping)

	if w.cancel != nil {
		w.cancel()
	}
	w.inj.Stop(budget)

	if w.done != nil {
		select {
		case <-w.done:
		case <-time.After(budget):
			slog.Warn("wrapper poll loop did not stop within budget", "agent", w.agentName)
		}
	}

	if err := w.pane.KillSession(ctx); err != nil {
		slog.Warn("wrapper failed to kill session", "agent", w.agentName, "error", err)
	}
	if w.rc != nil {
		_ = w.rc.Close()
	}

	w.setState(StateStopped)
	return nil
}

// IsAuthRevoked reports whether auth-revoked detection has fired since the
// last operator reset.
func (w *Wrapper) IsAuthRevoked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authRevoked
}

// ResetAuthRevoked clears the auth-revoked flag, the operator-driven reset
// named in §4.9's responsibility list.
func (w *Wrapper) ResetAuthRevoked() {
	w.mu.Lock()
	w.authRevoked = false
	w.mu.Unlock()
}

// pollLoop is the single cadence-driven loop that captures the pane,
// strips ANSI (done inside Capture itself), and fans the delta out to the
// parser, the idle detector's signal inputs, and the log sink.
func (w *Wrapper) pollLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollCadence)
	defer ticker.Stop()

	var lastBuf string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf, err := w.pane.Capture()
			if err != nil {
				slog.Debug("wrapper capture failed", "agent", w.agentName, "error", err)
				continue
			}
			if buf != lastBuf {
				w.mu.Lock()
				w.lastOutputAt = time.Now()
				w.mu.Unlock()

				delta := deltaSuffix(lastBuf, buf)
				lastBuf = buf
				if w.logs != nil && delta != "" {
					w.logs.Append(w.agentName, delta)
				}
				if w.rc != nil && delta != "" {
					_ = w.rc.Log(delta)
				}
				w.scanAuthRevoked(delta)
			}

			for _, em := range w.parse.Feed(buf) {
				w.handleEmission(em)
			}

			signals := w.currentSignals(ctx, buf)
			if !idle.ProcessDefinitivelyBusy(signals.ProcessState) && idle.Idle(signals, idle.Default) {
				w.setState(StateWaitingIdle)
			} else if w.State() == StateWaitingIdle {
				w.setState(StateRunning)
			}
		}
	}
}

// currentSignals builds idle.Signals from the pane tail and the pane's
// foreground process state, per §4.7's three-signal model.
func (w *Wrapper) currentSignals(ctx context.Context, buf string) idle.Signals {
	w.mu.Lock()
	since := time.Since(w.lastOutputAt).Milliseconds()
	w.mu.Unlock()
	tail := buf
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}

	procState := idle.ProcessUnknown
	if pid, err := w.pane.Pid(ctx); err == nil && pid > 0 {
		procState = idle.ReadProcessState(pid)
	}

	return idle.Signals{ProcessState: procState, MillisSinceOutput: since, PaneTail: tail}
}

// scanAuthRevoked throttles pattern checks to AuthCheckInterval and marks
// the wrapper auth-revoked with non-low confidence matches.
func (w *Wrapper) scanAuthRevoked(delta string) {
	w.mu.Lock()
	if time.Since(w.lastAuthScan) < w.cfg.AuthCheckInterval {
		w.mu.Unlock()
		return
	}
	w.lastAuthScan = time.Now()
	already := w.authRevoked
	w.mu.Unlock()

	if already || !authRevokedPatterns.MatchString(delta) {
		return
	}

	w.mu.Lock()
	w.authRevoked = true
	w.mu.Unlock()

	slog.Warn("wrapper detected auth-revoked pattern", "agent", w.agentName)
	if w.events != nil {
		w.events.WrapperEvent(w.agentName, "AuthRevoked", strings.TrimSpace(lastLineOf(delta)))
	}
}

// handleEmission dispatches one parsed emission to the router client (for
// relay commands) or the storage engine (for summaries/session ends).
func (w *Wrapper) handleEmission(em parser.Emission) {
	switch {
	case em.Command != nil:
		w.sendRelayCommand(*em.Command)
	case em.Summary != nil:
		if w.rc == nil {
			return
		}
		if err := w.rc.Summary(codec.SummaryPayload{
			CurrentTask:    em.Summary.CurrentTask,
			CompletedTasks: em.Summary.CompletedTasks,
			Context:        em.Summary.Context,
			Decisions:      em.Summary.Decisions,
			Files:          em.Summary.Files,
		}); err != nil {
			slog.Warn("wrapper failed to send summary, will not retry (non-relay-command)", "agent", w.agentName, "error", err)
		}
	case em.SessionEnd != nil:
		if w.rc == nil {
			return
		}
		if err := w.rc.SessionEnd(codec.SessionEndPayload{
			Summary:        em.SessionEnd.Summary,
			CompletedTasks: em.SessionEnd.CompletedTasks,
		}); err != nil {
			slog.Warn("wrapper failed to send session_end", "agent", w.agentName, "error", err)
		}
	case em.Malformed:
		slog.Warn("wrapper saw malformed structured block", "agent", w.agentName)
	}
}

// sendRelayCommand hands a parsed ->relay: command to the router client,
// enqueueing to the bounded offline buffer on failure and replaying it (in
// insertion order) once the connection recovers, per §4.9.
func (w *Wrapper) sendRelayCommand(cmd parser.RelayCommand) {
	payload := codec.SendPayload{
		To:   cmd.Recipient,
		Body: cmd.Body,
		Kind: "message",
		Meta: codec.MetaPayload{
			Importance:  cmd.Meta.Importance,
			ReplyTo:     cmd.Meta.ReplyTo,
			RequiresAck: cmd.Meta.RequiresAck,
		},
	}

	if w.rc == nil {
		w.bufferOffline(payload)
		return
	}
	if err := w.rc.Send(payload); err != nil {
		slog.Warn("wrapper failed to send relay command, buffering offline", "agent", w.agentName, "error", err)
		w.bufferOffline(payload)
	}
}

func (w *Wrapper) bufferOffline(payload codec.SendPayload) {
	if payload.To == "" && payload.Body == "" {
		return
	}
	w.offlineMu.Lock()
	defer w.offlineMu.Unlock()
	if len(w.offline) >= w.cfg.OfflineBufferCap {
		slog.Warn("wrapper offline buffer full, dropping oldest", "agent", w.agentName, "cap", w.cfg.OfflineBufferCap)
		w.offline = w.offline[1:]
	}
	w.offline = append(w.offline, payload)
}

// replayOffline flushes the offline buffer to the router client in
// insertion order, stopping at the first failure (requeuing the remainder).
func (w *Wrapper) replayOffline() {
	w.offlineMu.Lock()
	pending := w.offline
	w.offline = nil
	w.offlineMu.Unlock()

	for i, p := range pending {
		if w.rc == nil {
			w.offlineMu.Lock()
			w.offline = append(pending[i:], w.offline...)
			w.offlineMu.Unlock()
			return
		}
		if err := w.rc.Send(p); err != nil {
			w.offlineMu.Lock()
			w.offline = append(pending[i:], w.offline...)
			w.offlineMu.Unlock()
			return
		}
	}
}

// heartbeatLoop sends a liveness frame at the configured interval and
// opportunistically replays any buffered offline sends.
func (w *Wrapper) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.rc == nil {
				continue
			}
			if err := w.rc.Heartbeat(); err != nil {
				slog.Debug("wrapper heartbeat failed", "agent", w.agentName, "error", err)
				continue
			}
			w.replayOffline()
		}
	}
}

// inboundLoop reads DELIVER frames from the router client and enqueues
// them for the injector.
func (w *Wrapper) inboundLoop(ctx context.Context) {
	if w.rc == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := w.rc.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("wrapper inbound read failed", "agent", w.agentName, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if f.Type != codec.TypeDeliver {
			continue
		}
		p, err := codec.DecodePayload[codec.DeliverPayload](f)
		if err != nil {
			continue
		}
		w.inj.Enqueue(injector.Job{From: p.From, Body: p.Body})
	}
}

// deltaSuffix returns the new bytes appended to prev that produced cur,
// falling back to the whole of cur when prev is not a prefix of it (the
// pane scrolled or was cleared).
func deltaSuffix(prev, cur string) string {
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	return cur
}

func lastLineOf(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DeriveInjectorConfig maps the process-wide injector configuration down
// to the injector package's narrower Config, deriving the two wait
// budgets the top-level config doesn't name directly from the cadences it
// does.
func DeriveInjectorConfig(icfg config.InjectorConfig) injector.Config {
	return injector.Config{
		ClearInputTimeout:      icfg.PollCadence * 25,
		StableCursorThreshold:  icfg.StableCursorThreshold,
		StableCursorColumn:     icfg.StableCursorColumn,
		PaneStableBudget:       icfg.PaneStableSampleEvery * time.Duration(icfg.PaneStableSamplesAgree*5),
		PaneStableSampleEvery:  icfg.PaneStableSampleEvery,
		PaneStableSamplesAgree: icfg.PaneStableSamplesAgree,
		EnterDelay:             icfg.EnterDelay,
		MaxRetries:             icfg.MaxInjectRetries,
		PollCadence:            icfg.PollCadence,
	}
}

// NewForCLI is a convenience constructor wiring a TmuxPane session named
// relay-<agent> for the given CLI profile.
func NewForCLI(agentName, cli string, cmdLine []string, env map[string]string, c RelayClient, wcfg config.WrapperConfig, icfg config.InjectorConfig, logs LogSink, events EventSink, inbox injector.Inbox, metrics injector.Metrics) *Wrapper {
	pane := NewTmuxPane("relay-" + agentName)
	return New(Config{
		AgentName: agentName,
		CLI:       cli,
		CmdLine:   cmdLine,
		Env:       env,
		Pane:      pane,
		Client:    c,
		Wrapper:   wcfg,
		Injector:  DeriveInjectorConfig(icfg),
		Logs:      logs,
		Events:    events,
		Inbox:     inbox,
		Metrics:   metrics,
	})
}

var _ RelayClient = (*client.Client)(nil)
