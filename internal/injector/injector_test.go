package injector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePane is a narrow in-memory Pane fake, the way the reference tests
// fake out container.Manager/store.Repository rather than reaching for a
// mocking framework.
type fakePane struct {
	mu      sync.Mutex
	content string
	cursor  int
}

func (p *fakePane) LastLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := strings.Split(p.content, "\n")
	return lines[len(lines)-1], nil
}

func (p *fakePane) CursorColumn() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor, nil
}

func (p *fakePane) Capture() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *fakePane) CaptureHash() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := sha256.Sum256([]byte(p.content))
	return hex.EncodeToString(sum[:]), nil
}

func (p *fakePane) Paste(text string, bracketed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content += text
	return nil
}

func (p *fakePane) Enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content += "\n> "
	p.cursor = 2
	return nil
}

func (p *fakePane) setContent(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = s
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *recordingMetrics) IncInjectionOutcome(agent string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) count(o Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.outcomes {
		if v == o {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		ClearInputTimeout:      150 * time.Millisecond,
		StableCursorThreshold:  2,
		StableCursorColumn:     4,
		PaneStableBudget:       150 * time.Millisecond,
		PaneStableSampleEvery:  10 * time.Millisecond,
		PaneStableSamplesAgree: 2,
		EnterDelay:             time.Millisecond,
		MaxRetries:             3,
		PollCadence:            10 * time.Millisecond,
	}
}

// TestInjectionSafetyPreservesHumanInput is scenario E: when the pane
// shows a non-prompt last line, injection must not occur and the pane
// must be unchanged.
func TestInjectionSafetyPreservesHumanInput(t *testing.T) {
	pane := &fakePane{content: "> unfinished human text", cursor: 23}
	metrics := &recordingMetrics{}
	inj := New("agent1", pane, DefaultProfile, testConfig(), nil, metrics)
	inj.Enqueue(Job{From: "Alice", Body: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before, _ := pane.Capture()
	outcome := inj.attempt(ctx, Job{From: "Alice", Body: "hi"})
	after, _ := pane.Capture()

	if outcome != OutcomeRequeued {
		t.Fatalf("expected re_queued outcome for non-prompt pane, got %v", outcome)
	}
	if before != after {
		t.Fatalf("expected pane unchanged after a skipped injection attempt: before=%q after=%q", before, after)
	}

	pane.setContent("> ")
	pane.cursor = 2
	outcome2 := inj.attempt(ctx, Job{From: "Alice", Body: "hi"})
	if outcome2 != OutcomeDelivered {
		t.Fatalf("expected delivery once the pane clears to a prompt, got %v", outcome2)
	}
	final, _ := pane.Capture()
	if !strings.Contains(final, "hi") {
		t.Fatalf("expected injected body to appear in pane, got %q", final)
	}
}

func TestInjectionWrapsBackticksForQuirkyCLIs(t *testing.T) {
	line := buildInjectionLine("Bob", "rm -rf /", ProfileFor("codex"))
	if !strings.Contains(line, "`rm -rf /`") {
		t.Fatalf("expected backtick-wrapped body for codex profile, got %q", line)
	}
}

func TestInjectionCollapsesNewlines(t *testing.T) {
	line := buildInjectionLine("Bob", "line1\nline2", DefaultProfile)
	if strings.Contains(line, "\n") {
		t.Fatalf("expected newlines collapsed to spaces, got %q", line)
	}
}
