package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/store"
)

// fakeRepo implements only the corner of store.Repository the registry
// actually calls (EndSessionsForAgent, from a sweep or a Disconnect); every other method
// panics if exercised, since the registry never calls it.
type fakeRepo struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeRepo) EndSessionsForAgent(_ context.Context, name string, _ domain.ClosedBy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, name)
	return nil
}

func (f *fakeRepo) endedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func (f *fakeRepo) AppendMessage(context.Context, *domain.Message) error { panic("unused") }
func (f *fakeRepo) UpdateStatus(context.Context, string, domain.DeliveryStatus) error {
	panic("unused")
}
func (f *fakeRepo) GetMessages(context.Context, store.MessageFilter) ([]*domain.Message, error) {
	panic("unused")
}
func (f *fakeRepo) GetMessageByID(context.Context, string) (*domain.Message, error) {
	panic("unused")
}
func (f *fakeRepo) Conversations(context.Context) ([][2]string, error) { panic("unused") }
func (f *fakeRepo) OpenSession(context.Context, *domain.Session) error { panic("unused") }
func (f *fakeRepo) EndSession(context.Context, string, string, domain.ClosedBy) error {
	panic("unused")
}
func (f *fakeRepo) GetSessions(context.Context, store.SessionFilter) ([]*domain.Session, error) {
	panic("unused")
}
func (f *fakeRepo) UpsertAgent(context.Context, *domain.AgentRecord) error { panic("unused") }
func (f *fakeRepo) GetAgents(context.Context) ([]*domain.AgentRecord, error) {
	panic("unused")
}
func (f *fakeRepo) UpsertSummary(context.Context, *domain.AgentSummary) error { panic("unused") }
func (f *fakeRepo) GetSummary(context.Context, string) (*domain.AgentSummary, error) {
	panic("unused")
}
func (f *fakeRepo) PutAttachment(context.Context, *domain.Attachment) error { panic("unused") }
func (f *fakeRepo) GetAttachment(context.Context, string) (*domain.Attachment, error) {
	panic("unused")
}
func (f *fakeRepo) ExpiredAttachments(context.Context, time.Duration) ([]*domain.Attachment, error) {
	panic("unused")
}
func (f *fakeRepo) DeleteAttachment(context.Context, string) error       { panic("unused") }
func (f *fakeRepo) MarkSessionsEndedOnRecovery(context.Context) (int64, error) {
	panic("unused")
}
func (f *fakeRepo) Ping(context.Context) error { panic("unused") }
func (f *fakeRepo) Close() error               { return nil }

func TestHelloThenOnlineWithinStaleness(t *testing.T) {
	reg := New(&fakeRepo{}, time.Minute, time.Hour, "")
	reg.Hello("alice", "claude-code", "eng")

	if !reg.Online("alice") {
		t.Fatal("expected alice to be online right after HELLO")
	}
	if reg.Online("nobody") {
		t.Fatal("an unknown agent must never be reported online")
	}
}

func TestHelloReplacesExistingRecordPreservingFirstSeen(t *testing.T) {
	reg := New(&fakeRepo{}, time.Minute, time.Hour, "")
	first := reg.Hello("alice", "claude-code", "eng")
	time.Sleep(time.Millisecond)
	second := reg.Hello("alice", "codex", "design")

	if second.FirstSeen != first.FirstSeen {
		t.Fatal("a re-HELLO from the same name must keep the original FirstSeen")
	}
	if second.CLI != "codex" || second.Team != "design" {
		t.Fatalf("expected the new HELLO's cli/team to win, got %+v", second)
	}
}

func TestDisconnectInvokesHookOnce(t *testing.T) {
	repo := &fakeRepo{}
	reg := New(repo, time.Minute, time.Hour, "")
	reg.Hello("alice", "claude-code", "")

	var calls int
	var mu sync.Mutex
	reg.OnDisconnect(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	reg.Disconnect("alice")
	reg.Disconnect("alice") // idempotent: already disconnected

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the disconnect hook to fire exactly once, got %d", got)
	}
	if reg.Online("alice") {
		t.Fatal("a disconnected agent must not be reported online")
	}
	if names := repo.endedNames(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected an ordinary disconnect to close alice's session too, got %v", names)
	}
}

func TestOnlineTeamMembersExcludesOtherTeamsAndOffline(t *testing.T) {
	reg := New(&fakeRepo{}, time.Minute, time.Hour, "")
	reg.Hello("dana", "claude-code", "eng")
	reg.Hello("erin", "claude-code", "eng")
	reg.Hello("frank", "claude-code", "design")
	reg.Disconnect("erin")

	members := reg.OnlineTeamMembers("eng")
	if len(members) != 1 || members[0] != "dana" {
		t.Fatalf("expected only dana online in eng, got %v", members)
	}
}

func TestHeartbeatSweepDisconnectsStaleAgentsAndEndsSessions(t *testing.T) {
	repo := &fakeRepo{}
	reg := New(repo, 20*time.Millisecond, 10*time.Millisecond, "")
	reg.Hello("alice", "claude-code", "")

	var disconnected []string
	var mu sync.Mutex
	reg.OnDisconnect(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Stop(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !reg.Online("alice") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if reg.Online("alice") {
		t.Fatal("expected the sweeper to mark alice stale and disconnected")
	}

	mu.Lock()
	hookFired := len(disconnected) == 1 && disconnected[0] == "alice"
	mu.Unlock()
	if !hookFired {
		t.Fatalf("expected the disconnect hook to fire for the swept agent, got %v", disconnected)
	}
	if names := repo.endedNames(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected EndSessionsForAgent called for alice, got %v", names)
	}
}

func TestHeartbeatRefreshesLastHeartbeatPreventingStaleSweep(t *testing.T) {
	repo := &fakeRepo{}
	reg := New(repo, 50*time.Millisecond, 10*time.Millisecond, "")
	reg.Hello("alice", "claude-code", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Stop(time.Second)

	stop := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(stop) {
		reg.Heartbeat("alice")
		time.Sleep(10 * time.Millisecond)
	}

	if !reg.Online("alice") {
		t.Fatal("an agent heartbeating faster than the staleness window must stay online")
	}
}
