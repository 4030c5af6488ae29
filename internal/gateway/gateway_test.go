package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/spawner"
	"github.com/ashureev/agent-relay/internal/store"
	"github.com/ashureev/agent-relay/internal/wrapper"
)

// fakeRepo is an in-memory store.Repository, in the teacher's
// api/container_destroy_test.go narrow-fake style.
type fakeRepo struct {
	mu       sync.Mutex
	messages []*domain.Message
	sessions []*domain.Session
	agents   map[string]*domain.AgentRecord
	pingErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{agents: make(map[string]*domain.AgentRecord)}
}

func (f *fakeRepo) AppendMessage(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ string, _ domain.DeliveryStatus) error {
	return nil
}

func (f *fakeRepo) GetMessages(_ context.Context, filter store.MessageFilter) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*domain.Message(nil), f.messages...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRepo) GetMessageByID(_ context.Context, id string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) Conversations(_ context.Context) ([][2]string, error) { return nil, nil }

func (f *fakeRepo) OpenSession(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeRepo) EndSession(_ context.Context, _, _ string, _ domain.ClosedBy) error { return nil }

func (f *fakeRepo) EndSessionsForAgent(_ context.Context, _ string, _ domain.ClosedBy) error {
	return nil
}

func (f *fakeRepo) GetSessions(_ context.Context, _ store.SessionFilter) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Session(nil), f.sessions...), nil
}

func (f *fakeRepo) UpsertAgent(_ context.Context, a *domain.AgentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.Name] = a
	return nil
}

func (f *fakeRepo) GetAgents(_ context.Context) ([]*domain.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.AgentRecord, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRepo) UpsertSummary(_ context.Context, _ *domain.AgentSummary) error { return nil }

func (f *fakeRepo) GetSummary(_ context.Context, _ string) (*domain.AgentSummary, error) {
	return nil, nil
}

func (f *fakeRepo) PutAttachment(_ context.Context, _ *domain.Attachment) error { return nil }

func (f *fakeRepo) GetAttachment(_ context.Context, _ string) (*domain.Attachment, error) {
	return nil, nil
}

func (f *fakeRepo) ExpiredAttachments(_ context.Context, _ time.Duration) ([]*domain.Attachment, error) {
	return nil, nil
}

func (f *fakeRepo) DeleteAttachment(_ context.Context, _ string) error { return nil }

func (f *fakeRepo) MarkSessionsEndedOnRecovery(_ context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) Ping(_ context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error                 { return nil }

func newTestGateway(t *testing.T) (*Gateway, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	reg := registry.New(repo, time.Minute, time.Minute, t.TempDir())
	rt := router.New(config.RouterConfig{
		DedupWindow:         time.Minute,
		OutboundSoftBound:   256,
		OutboundHardBound:   2048,
		ProtocolErrorWindow: time.Minute,
		ProtocolErrorMax:    3,
	}, repo, reg)
	gw := New(config.GatewayConfig{PresenceBroadcast: time.Hour, LogPingInterval: time.Hour}, time.Second, t.TempDir(), repo, reg, rt, nil)
	return gw, repo
}

func TestHandleHealthReportsRepositoryStatus(t *testing.T) {
	gw, repo := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	repo.pingErr = context.DeadlineExceeded
	rr2 := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr2, req)
	if rr2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once ping fails, got %d", rr2.Code)
	}
}

func TestHandleSendRejectsMissingFields(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader([]byte(`{"to":""}`)))
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rr.Code)
	}
}

func TestHandleSendRoutesThroughRouter(t *testing.T) {
	gw, repo := newTestGateway(t)

	body, _ := json.Marshal(map[string]string{"to": "bob", "message": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	repo.mu.Lock()
	n := len(repo.messages)
	repo.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the message to be persisted via the router, got %d messages", n)
	}
}

func TestHandleSpawnWithoutSpawnerReturns503(t *testing.T) {
	gw, _ := newTestGateway(t)

	body, _ := json.Marshal(map[string]string{"name": "bob", "cli": "claude-code"})
	req := httptest.NewRequest(http.MethodPost, "/api/spawn", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no spawner wired, got %d", rr.Code)
	}
}

func TestHandleListSpawnedWithoutSpawnerReturns503(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/spawned", nil)
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no spawner wired, got %d", rr.Code)
	}
}

func TestHandleListSpawnedReturnsWorkerList(t *testing.T) {
	gw, _ := newTestGateway(t)

	dial := func(context.Context, string, string) (wrapper.RelayClient, error) {
		return nil, errors.New("dial not expected in this test")
	}
	spwn := spawner.NewWithPaneFactory(
		config.SpawnerConfig{RateLimitWindow: time.Minute, RateLimitCount: 10, RingBufferLines: 100},
		config.WrapperConfig{PollCadence: time.Hour},
		config.InjectorConfig{},
		dial,
		func(agentName string) spawner.Pane { return nil },
		nil, nil, gw,
	)
	gw.SetSpawner(spwn)

	req := httptest.NewRequest(http.MethodGet, "/api/spawned", nil)
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Workers []spawner.WorkerSnapshot `json:"workers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Workers == nil {
		t.Fatal("expected an empty (not null) worker list when no workers are spawned")
	}
}

func TestHandleDataReturnsSnapshot(t *testing.T) {
	gw, repo := newTestGateway(t)
	_ = repo.UpsertAgent(context.Background(), &domain.AgentRecord{Name: "bob"})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var snap dataSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].Name != "bob" {
		t.Fatalf("expected one agent named bob in snapshot, got %+v", snap.Agents)
	}
}
