package wrapper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/injector"
	"github.com/ashureev/agent-relay/internal/parser"
)

// fakePane is a narrow in-memory Pane fake satisfying wrapper.Pane.
type fakePane struct {
	mu      sync.Mutex
	content string
}

func (p *fakePane) LastLine() (string, error)    { return "> ", nil }
func (p *fakePane) CursorColumn() (int, error)    { return 2, nil }
func (p *fakePane) Capture() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}
func (p *fakePane) CaptureHash() (string, error) { return "hash", nil }
func (p *fakePane) Paste(string, bool) error      { return nil }
func (p *fakePane) Enter() error                  { return nil }
func (p *fakePane) StartSession(ctx context.Context, cmdLine []string, env map[string]string, scrollback int) error {
	return nil
}
func (p *fakePane) KillSession(ctx context.Context) error { return nil }
func (p *fakePane) Pid(ctx context.Context) (int, error)  { return 0, nil }

// fakeClient is a narrow RelayClient fake recording sends and optionally
// failing the next N of them.
type fakeClient struct {
	mu        sync.Mutex
	sends     []codec.SendPayload
	failNext  int
	closed    bool
}

func (c *fakeClient) Send(p codec.SendPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errSendFailed
	}
	c.sends = append(c.sends, p)
	return nil
}
func (c *fakeClient) Summary(codec.SummaryPayload) error         { return nil }
func (c *fakeClient) SessionEnd(codec.SessionEndPayload) error   { return nil }
func (c *fakeClient) Heartbeat() error                           { return nil }
func (c *fakeClient) Log(string) error                           { return nil }
func (c *fakeClient) ReadFrame() (*codec.Frame, error)           { return nil, errNoFrames }
func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const (
	errSendFailed = sentinelErr("send failed")
	errNoFrames   = sentinelErr("no frames")
)

func testWrapperConfig() config.WrapperConfig {
	return config.WrapperConfig{
		PollCadence:       200 * time.Millisecond,
		ScrollbackLines:   1000,
		OfflineBufferCap:  10,
		HeartbeatInterval: time.Second,
		AuthCheckInterval: 50 * time.Millisecond,
	}
}

func newTestWrapper(pane Pane, rc RelayClient) *Wrapper {
	return New(Config{
		AgentName: "bob",
		CLI:       "claude",
		Pane:      pane,
		Client:    rc,
		Wrapper:   testWrapperConfig(),
		Injector: injector.Config{
			ClearInputTimeout:      50 * time.Millisecond,
			StableCursorThreshold:  2,
			StableCursorColumn:     4,
			PaneStableBudget:       50 * time.Millisecond,
			PaneStableSampleEvery:  10 * time.Millisecond,
			PaneStableSamplesAgree: 2,
			EnterDelay:             time.Millisecond,
			MaxRetries:             1,
			PollCadence:            10 * time.Millisecond,
		},
	})
}

func parserCmd(recipient, body string) parser.RelayCommand {
	return parser.RelayCommand{Recipient: recipient, Body: body}
}

// TestRelayCommandBuffersOfflineThenReplays covers the offline-buffer and
// replay-on-reconnect behaviour described in §4.9.
func TestRelayCommandBuffersOfflineThenReplays(t *testing.T) {
	rc := &fakeClient{failNext: 1}
	w := newTestWrapper(&fakePane{}, rc)

	w.sendRelayCommand(parserCmd("alice", "hi there"))

	rc.mu.Lock()
	sent := len(rc.sends)
	rc.mu.Unlock()
	if sent != 0 {
		t.Fatalf("expected the failed send not to be recorded, got %d sends", sent)
	}

	w.offlineMu.Lock()
	buffered := len(w.offline)
	w.offlineMu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered offline send, got %d", buffered)
	}

	w.replayOffline()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.sends) != 1 || rc.sends[0].To != "alice" {
		t.Fatalf("expected replay to deliver the buffered send, got %+v", rc.sends)
	}

	w.offlineMu.Lock()
	defer w.offlineMu.Unlock()
	if len(w.offline) != 0 {
		t.Fatalf("expected offline buffer drained after successful replay, got %d remaining", len(w.offline))
	}
}

// TestAuthRevokedDetectionThrottledAndLatched checks that a scan within the
// throttle window (AuthCheckInterval, 50ms here) is skipped, that a matching
// pattern sets the flag once the window has passed, and that
// ResetAuthRevoked clears it for the next detection.
func TestAuthRevokedDetectionThrottledAndLatched(t *testing.T) {
	w := newTestWrapper(&fakePane{}, &fakeClient{})

	w.scanAuthRevoked("normal agent output\n")
	if w.IsAuthRevoked() {
		t.Fatalf("expected no auth-revoked flag from benign output")
	}

	w.scanAuthRevoked("Your session has been terminated. Please re-authenticate.\n")
	if w.IsAuthRevoked() {
		t.Fatalf("expected a scan inside the throttle window to be skipped")
	}

	time.Sleep(60 * time.Millisecond)
	w.scanAuthRevoked("Your session has been terminated. Please re-authenticate.\n")
	if !w.IsAuthRevoked() {
		t.Fatalf("expected auth-revoked flag to be set")
	}

	w.ResetAuthRevoked()
	if w.IsAuthRevoked() {
		t.Fatalf("expected ResetAuthRevoked to clear the flag")
	}
}

func TestDeltaSuffix(t *testing.T) {
	if got := deltaSuffix("hello", "hello world"); got != " world" {
		t.Fatalf("expected suffix delta, got %q", got)
	}
	if got := deltaSuffix("hello", "goodbye"); got != "goodbye" {
		t.Fatalf("expected full buffer on non-prefix change, got %q", got)
	}
}
