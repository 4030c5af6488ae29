package spawner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/wrapper"
)

// fakePane is a narrow Pane fake: always reports a clear chat prompt and
// never exits unless markDead is called, so Spawn's Start() succeeds and
// the watcher loop stays quiet for the duration of a test.
type fakePane struct {
	mu   sync.Mutex
	dead bool
	code int
}

func (p *fakePane) LastLine() (string, error)    { return "> ", nil }
func (p *fakePane) CursorColumn() (int, error)    { return 2, nil }
func (p *fakePane) Capture() (string, error)      { return "", nil }
func (p *fakePane) CaptureHash() (string, error)  { return "h", nil }
func (p *fakePane) Paste(string, bool) error      { return nil }
func (p *fakePane) Enter() error                  { return nil }
func (p *fakePane) StartSession(ctx context.Context, cmdLine []string, env map[string]string, scrollback int) error {
	return nil
}
func (p *fakePane) KillSession(ctx context.Context) error { return nil }
func (p *fakePane) Pid(ctx context.Context) (int, error)  { return 4242, nil }
func (p *fakePane) Status(ctx context.Context) (bool, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead, p.code, nil
}
func (p *fakePane) markDead(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead, p.code = true, code
}

type fakeClient struct{}

func (fakeClient) Send(codec.SendPayload) error       { return nil }
func (fakeClient) Summary(codec.SummaryPayload) error { return nil }
func (fakeClient) SessionEnd(codec.SessionEndPayload) error { return nil }
func (fakeClient) Heartbeat() error                   { return nil }
func (fakeClient) Log(string) error                   { return nil }
func (fakeClient) ReadFrame() (*codec.Frame, error) {
	select {}
}
func (fakeClient) Close() error { return nil }

type recordingEvents struct {
	mu     sync.Mutex
	events []ExitEvent
}

func (r *recordingEvents) WorkerExited(e ExitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func testConfigs() (config.SpawnerConfig, config.WrapperConfig, config.InjectorConfig) {
	return config.SpawnerConfig{
			RateLimitWindow: 10 * time.Second,
			RateLimitCount:  3,
			RingBufferLines: 100,
		}, config.WrapperConfig{
			PollCadence:       10 * time.Millisecond,
			ScrollbackLines:   1000,
			OfflineBufferCap:  10,
			HeartbeatInterval: time.Hour, // don't fire during the test
			AuthCheckInterval: time.Hour,
		}, config.InjectorConfig{
			PollCadence:            10 * time.Millisecond,
			StableCursorThreshold:  2,
			StableCursorColumn:     4,
			PaneStableSampleEvery:  10 * time.Millisecond,
			PaneStableSamplesAgree: 2,
			EnterDelay:             time.Millisecond,
			MaxInjectRetries:       1,
		}
}

func newTestSpawner(t *testing.T, panes map[string]*fakePane) *Spawner {
	t.Helper()
	scfg, wcfg, icfg := testConfigs()
	dial := func(ctx context.Context, agentName, cli string) (wrapper.RelayClient, error) {
		return fakeClient{}, nil
	}
	paneFactory := func(name string) Pane {
		p := &fakePane{}
		panes[name] = p
		return p
	}
	return NewWithPaneFactory(scfg, wcfg, icfg, ClientFactory(dial), paneFactory, nil, nil, &recordingEvents{})
}

func TestSpawnRejectsDuplicateName(t *testing.T) {
	panes := map[string]*fakePane{}
	s := newTestSpawner(t, panes)
	ctx := context.Background()

	if err := s.Spawn(ctx, "alice", "claude", "", nil); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	defer s.Shutdown(ctx)

	if err := s.Spawn(ctx, "alice", "claude", "", nil); err == nil {
		t.Fatalf("expected NameInUse error for duplicate spawn")
	}
}

func TestSpawnRateLimiting(t *testing.T) {
	panes := map[string]*fakePane{}
	s := newTestSpawner(t, panes)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Spawn(ctx, "bob", "claude", "", nil); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		_ = s.Release(ctx, "bob")
	}

	if err := s.Spawn(ctx, "bob", "claude", "", nil); err == nil {
		t.Fatalf("expected SpawnRateLimited after 3 spawns within the window")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	panes := map[string]*fakePane{}
	s := newTestSpawner(t, panes)
	ctx := context.Background()

	if err := s.Release(ctx, "nobody"); err != nil {
		t.Fatalf("expected releasing an unknown worker to be a no-op, got %v", err)
	}

	if err := s.Spawn(ctx, "carol", "claude", "", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Release(ctx, "carol"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := s.Release(ctx, "carol"); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
}
