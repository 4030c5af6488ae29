package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/injector"
	"github.com/ashureev/agent-relay/internal/wrapper"
)

// Sentinel errors mapped to the external-facing error codes named in §7.
var (
	ErrNameInUse        = errors.New("spawner: name already in use")
	ErrSpawnRateLimited = errors.New("spawner: too many spawns for this name in the rate limit window")
	ErrNotFound         = errors.New("spawner: no worker with that name")
)

// ExitEvent describes why and how a worker stopped running.
type ExitEvent struct {
	Name      string
	ExitCode  int
	Elapsed   time.Duration
	Manual    bool // true when caused by release(), false for a detected exit
}

// EventSink receives "worker exited" events for the dashboard to surface.
type EventSink interface {
	WorkerExited(ExitEvent)
}

// ClientFactory dials a fresh relay-daemon connection for one wrapper.
type ClientFactory func(ctx context.Context, agentName, cli string) (wrapper.RelayClient, error)

// Pane is the pane surface a worker needs: everything wrapper.Pane needs
// plus the liveness/pid queries the spawner itself uses. *wrapper.TmuxPane
// satisfies this; tests substitute a fake.
type Pane interface {
	wrapper.Pane
	Pid(ctx context.Context) (int, error)
	Status(ctx context.Context) (dead bool, exitCode int, err error)
}

// PaneFactory builds the pane a newly spawned worker will own.
type PaneFactory func(agentName string) Pane

// paneFactoryFor selects the Pane backend named by backend ("pty" for a
// direct pty-backed session, anything else defaults to tmux).
func paneFactoryFor(backend string) PaneFactory {
	if backend == "pty" {
		return func(agentName string) Pane {
			return wrapper.NewPtyPane()
		}
	}
	return func(agentName string) Pane {
		return wrapper.NewTmuxPane("relay-" + agentName)
	}
}

// Worker is one live entry in the spawner's pool.
type Worker struct {
	Name      string
	CLI       string
	Task      string
	Team      string
	SpawnedAt time.Time

	w    *wrapper.Wrapper
	pane Pane
	raw  *RawBuffer
	line *LineBuffer

	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

// PID returns the worker's foreground process id, best-effort.
func (wk *Worker) PID(ctx context.Context) int {
	pid, err := wk.pane.Pid(ctx)
	if err != nil {
		return 0
	}
	return pid
}

// workerLogSink adapts a Worker's buffers to wrapper.LogSink.
type workerLogSink struct {
	raw  *RawBuffer
	line *LineBuffer
}

func (s workerLogSink) Append(agentName, chunk string) {
	_, _ = s.raw.Write([]byte(chunk))
	s.line.Append(chunk)
}

// Spawner is a pool of wrapped agent processes keyed by name, per §4.10.
type Spawner struct {
	mu      sync.Mutex
	workers map[string]*Worker
	spawns  map[string][]time.Time

	cfg     config.SpawnerConfig
	wcfg    config.WrapperConfig
	icfg    config.InjectorConfig
	dial    ClientFactory
	newPane PaneFactory
	inbox   injector.Inbox
	metrics injector.Metrics
	events  EventSink
}

// New builds an empty Spawner backed by real panes, tmux- or pty-backed
// per wcfg.PaneBackend.
func New(cfg config.SpawnerConfig, wcfg config.WrapperConfig, icfg config.InjectorConfig, dial ClientFactory, inbox injector.Inbox, metrics injector.Metrics, events EventSink) *Spawner {
	return NewWithPaneFactory(cfg, wcfg, icfg, dial, paneFactoryFor(wcfg.PaneBackend), inbox, metrics, events)
}

// NewWithPaneFactory is New with an injectable pane constructor, for tests.
func NewWithPaneFactory(cfg config.SpawnerConfig, wcfg config.WrapperConfig, icfg config.InjectorConfig, dial ClientFactory, newPane PaneFactory, inbox injector.Inbox, metrics injector.Metrics, events EventSink) *Spawner {
	return &Spawner{
		workers: make(map[string]*Worker),
		spawns:  make(map[string][]time.Time),
		cfg:     cfg,
		wcfg:    wcfg,
		icfg:    icfg,
		dial:    dial,
		newPane: newPane,
		inbox:   inbox,
		metrics: metrics,
		events:  events,
	}
}

// Spawn allocates a wrapper, starts it, and registers a completion
// watcher. Fails with ErrNameInUse if a live worker already holds the
// name, or ErrSpawnRateLimited on a too-quick respawn burst.
func (s *Spawner) Spawn(ctx context.Context, name, cli, task string, env map[string]string) error {
	s.mu.Lock()
	if _, live := s.workers[name]; live {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	if s.rateLimited(name) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpawnRateLimited, name)
	}
	s.recordSpawn(name)
	s.mu.Unlock()

	rc, err := s.dial(ctx, name, cli)
	if err != nil {
		return fmt.Errorf("spawner: dial relay daemon for %s: %w", name, err)
	}

	pane := s.newPane(name)
	raw := NewRawBuffer(0)
	line := NewLineBuffer(s.cfg.RingBufferLines)
	sink := workerLogSink{raw: raw, line: line}

	w := wrapper.New(wrapper.Config{
		AgentName: name,
		CLI:       cli,
		CmdLine:   []string{cli},
		Env:       env,
		Pane:      pane,
		Client:    rc,
		Wrapper:   s.wcfg,
		Injector:  wrapper.DeriveInjectorConfig(s.icfg),
		Logs:      sink,
		Events:    workerEventAdapter{name: name, events: s.events},
		Inbox:     s.inbox,
		Metrics:   s.metrics,
	})

	runCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("spawner: start wrapper for %s: %w", name, err)
	}

	wk := &Worker{
		Name: name, CLI: cli, Task: task, SpawnedAt: time.Now().UTC(),
		w: w, pane: pane, raw: raw, line: line, cancel: cancel,
	}

	s.mu.Lock()
	s.workers[name] = wk
	s.mu.Unlock()

	wk.watchWG.Add(1)
	go s.watch(runCtx, wk)

	return nil
}

// watch polls the pane for process death and, on exit, releases the
// worker and emits a "worker exited" event.
func (s *Spawner) watch(ctx context.Context, wk *Worker) {
	defer wk.watchWG.Done()
	ticker := time.NewTicker(s.wcfg.PollCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dead, code, err := wk.pane.Status(ctx)
			if err != nil || !dead {
				continue
			}
			s.mu.Lock()
			_, stillTracked := s.workers[wk.Name]
			if stillTracked {
				delete(s.workers, wk.Name)
			}
			s.mu.Unlock()
			if !stillTracked {
				return // already released manually
			}

			elapsed := time.Since(wk.SpawnedAt)
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = wk.w.Stop(stopCtx, time.Second)
			cancel()

			wk.line.mu.Lock()
			for id, ch := range wk.line.subs {
				delete(wk.line.subs, id)
				close(ch)
			}
			wk.line.mu.Unlock()

			if s.events != nil {
				s.events.WorkerExited(ExitEvent{Name: wk.Name, ExitCode: code, Elapsed: elapsed, Manual: false})
			}
			slog.Info("worker exited", "name", wk.Name, "exit_code", code, "elapsed", elapsed)
			return
		}
	}
}

// Release stops the wrapper, removes it from the pool, emits a Manual
// "worker exited" event, and is idempotent.
func (s *Spawner) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	wk, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	wk.cancel()
	wk.watchWG.Wait()
	err := wk.w.Stop(ctx, time.Second)
	if s.events != nil {
		s.events.WorkerExited(ExitEvent{Name: wk.Name, Elapsed: time.Since(wk.SpawnedAt), Manual: true})
	}
	return err
}

// WorkerSnapshot is one list() entry.
type WorkerSnapshot struct {
	Name      string
	CLI       string
	Task      string
	Team      string
	PID       int
	SpawnedAt time.Time
}

// List returns a snapshot of all live workers.
func (s *Spawner) List(ctx context.Context) []WorkerSnapshot {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, wk := range s.workers {
		workers = append(workers, wk)
	}
	s.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(workers))
	for _, wk := range workers {
		out = append(out, WorkerSnapshot{
			Name: wk.Name, CLI: wk.CLI, Task: wk.Task, Team: wk.Team,
			PID: wk.PID(ctx), SpawnedAt: wk.SpawnedAt,
		})
	}
	return out
}

// Output returns the last n lines of a worker's pane, or ErrNotFound.
func (s *Spawner) Output(name string, tail int) ([]string, error) {
	wk, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return wk.line.Tail(tail), nil
}

// RawOutput returns the full raw ring-buffer contents for a worker.
func (s *Spawner) RawOutput(name string) (string, error) {
	wk, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return wk.raw.String(), nil
}

// Subscribe streams new lines from a worker until the returned cancel
// function is called or the worker's process exits (in which case the
// channel closes); Release does not close it.
func (s *Spawner) Subscribe(name string) (<-chan string, func(), error) {
	wk, err := s.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := wk.line.Subscribe(64)
	return ch, unsub, nil
}

func (s *Spawner) lookup(name string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return wk, nil
}

// rateLimited reports whether name has been spawned RateLimitCount or more
// times within RateLimitWindow; caller must hold s.mu.
func (s *Spawner) rateLimited(name string) bool {
	cutoff := time.Now().Add(-s.cfg.RateLimitWindow)
	times := s.spawns[name]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.spawns[name] = kept
	return len(kept) >= s.cfg.RateLimitCount
}

// recordSpawn appends a spawn timestamp; caller must hold s.mu.
func (s *Spawner) recordSpawn(name string) {
	s.spawns[name] = append(s.spawns[name], time.Now())
}

// Shutdown stops every live worker, used on daemon shutdown.
func (s *Spawner) Shutdown(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Release(ctx, name); err != nil {
			slog.Warn("spawner failed to release worker on shutdown", "name", name, "error", err)
		}
	}
}

// workerEventAdapter implements wrapper.EventSink by logging each wrapper
// event (such as AuthRevoked) with the agent's name; the events are not
// passed on to the spawner's EventSink, which carries only worker exits.
type workerEventAdapter struct {
	name   string
	events EventSink
}

func (a workerEventAdapter) WrapperEvent(agentName, kind, detail string) {
	slog.Warn("wrapper event", "agent", agentName, "kind", kind, "detail", detail)
}
