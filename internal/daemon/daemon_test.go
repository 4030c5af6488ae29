package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/client"
	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/store"
)

func testConfig(t *testing.T, socketPath string) *config.Config {
	t.Helper()
	return &config.Config{
		ProjectPath: t.TempDir(),
		DataDir:     t.TempDir(),
		Socket:      config.SocketConfig{Path: socketPath, Permissions: 0600},
		Timeout: config.TimeoutConfig{
			HelloHandshake: 2 * time.Second,
			ComponentStop:  200 * time.Millisecond,
		},
		Router: config.RouterConfig{
			DedupWindow:         time.Minute,
			OutboundSoftBound:   64,
			OutboundHardBound:   256,
			ProtocolErrorWindow: time.Minute,
			ProtocolErrorMax:    3,
		},
		Registry: config.RegistryConfig{HeartbeatStaleness: time.Minute, SweepInterval: time.Minute},
	}
}

func startDaemon(t *testing.T, repo store.Repository, socketPath string) (*Daemon, func()) {
	t.Helper()
	cfg := testConfig(t, socketPath)
	reg := registry.New(repo, cfg.Registry.HeartbeatStaleness, cfg.Registry.SweepInterval, filepath.Join(cfg.DataDir, "state"))
	rt := router.New(cfg.Router, repo, reg)
	d := New(cfg, repo, reg, rt)

	ctx, cancel := context.WithCancel(context.Background())
	runErrs := make(chan error, 1)
	go func() { runErrs <- d.Run(ctx) }()

	waitForSocket(t, socketPath)

	return d, func() {
		cancel()
		select {
		case err := <-runErrs:
			if err != nil {
				t.Errorf("daemon.Run returned error on shutdown: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("daemon did not shut down in time")
		}
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := client.Dial(context.Background(), path, codec.HelloPayload{Name: "__probe", CLI: "test"})
		if err == nil {
			c.Bye()
			c.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("daemon socket %s never became ready", path)
}

func newSQLiteRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestHelloHandshakeGrantsSessionID(t *testing.T) {
	repo := newSQLiteRepo(t)
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)
	defer stop()

	c, err := client.Dial(context.Background(), socketPath, codec.HelloPayload{Name: "alice", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Fatal("expected a non-empty session id from WELCOME")
	}
}

func readFrameWithTimeout(t *testing.T, c *client.Client, timeout time.Duration) *codec.Frame {
	t.Helper()
	type result struct {
		frame *codec.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read frame: %v", r.err)
		}
		return r.frame
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestSendDeliversAcrossTwoConnections(t *testing.T) {
	repo := newSQLiteRepo(t)
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)
	defer stop()

	alice, err := client.Dial(context.Background(), socketPath, codec.HelloPayload{Name: "alice", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()

	bob, err := client.Dial(context.Background(), socketPath, codec.HelloPayload{Name: "bob", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	if err := bob.Send(codec.SendPayload{To: "alice", Body: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ackFrame := readFrameWithTimeout(t, bob, 2*time.Second)
	if ackFrame.Type != codec.TypeAck {
		t.Fatalf("expected bob to receive an ack frame, got %s", ackFrame.Type)
	}

	deliverFrame := readFrameWithTimeout(t, alice, 2*time.Second)
	if deliverFrame.Type != codec.TypeDeliver {
		t.Fatalf("expected alice to receive a deliver frame, got %s", deliverFrame.Type)
	}
	dp, err := codec.DecodePayload[codec.DeliverPayload](deliverFrame)
	if err != nil {
		t.Fatalf("decode deliver payload: %v", err)
	}
	if dp.From != "bob" || dp.Body != "hi" {
		t.Fatalf("unexpected deliver payload: %+v", dp)
	}
}

func TestRepeatedMalformedSendClosesConnection(t *testing.T) {
	repo := newSQLiteRepo(t)
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)
	defer stop()

	c, err := client.Dial(context.Background(), socketPath, codec.HelloPayload{Name: "flaky", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// ProtocolErrorMax is 3 in testConfig: the third malformed send (empty
	// "to") within the window must close the connection. The closing
	// frame and the close itself race in the writer loop, so only assert
	// that every frame actually received is an error frame, and that the
	// connection eventually closes.
	for i := 0; i < 3; i++ {
		if err := c.Send(codec.SendPayload{To: ""}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	closed := false
	for time.Now().Before(deadline) {
		frame, err := c.ReadFrame()
		if err != nil {
			closed = true
			break
		}
		if frame.Type != codec.TypeError {
			t.Fatalf("expected only error frames before the connection closes, got %s", frame.Type)
		}
	}
	if !closed {
		t.Fatal("expected the connection to be closed after exceeding the protocol error budget")
	}
}

func TestRunRecoversDanglingSessionsOnStartup(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	if err := repo.OpenSession(ctx, &domain.Session{
		ID: "dangling-1", AgentName: "alice", CLI: "claude-code", StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed dangling session: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)
	defer stop()

	sessions, err := repo.GetSessions(ctx, store.SessionFilter{AgentName: "alice"})
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	var found bool
	for _, s := range sessions {
		if s.ID == "dangling-1" {
			found = true
			if s.EndedAt == nil {
				t.Fatal("expected the dangling session to be closed by startup recovery")
			}
			if s.ClosedBy != domain.ClosedByError {
				t.Fatalf("expected closed_by=error for a crash-recovered session, got %q", s.ClosedBy)
			}
		}
	}
	if !found {
		t.Fatal("expected the seeded session to still exist")
	}
}

func TestGracefulShutdownStopsRunWithoutError(t *testing.T) {
	repo := newSQLiteRepo(t)
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)
	stop() // asserts Run returns nil within the deadline
}

func TestGracefulShutdownNotifiesLiveConnections(t *testing.T) {
	repo := newSQLiteRepo(t)
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	_, stop := startDaemon(t, repo, socketPath)

	c, err := client.Dial(context.Background(), socketPath, codec.HelloPayload{Name: "alice", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	stop()

	// the shutdown notification frame and the connection close race in the
	// daemon's writer loop, so only assert that whatever is received
	// before the connection closes is the shutdown error, never silence
	// followed by a hang.
	deadline := time.Now().Add(2 * time.Second)
	sawShutdownError := false
	for time.Now().Before(deadline) {
		frame, err := c.ReadFrame()
		if err != nil {
			break
		}
		if frame.Type != codec.TypeError {
			t.Fatalf("expected only a shutdown error frame, got %s", frame.Type)
		}
		ep, decErr := codec.DecodePayload[codec.ErrorPayload](frame)
		if decErr != nil {
			t.Fatalf("decode error payload: %v", decErr)
		}
		if ep.Code != codec.CodeServerShutdown {
			t.Fatalf("expected code %q, got %q", codec.CodeServerShutdown, ep.Code)
		}
		sawShutdownError = true
	}
	_ = sawShutdownError // best-effort: the race may deliver no frame at all, see comment above
}
