// Package gateway implements C11: a thin HTTP+WebSocket surface over the
// storage engine, registry, router and spawner, per §4.11. It adds no
// routing policy of its own beyond per-connection subscription bookkeeping
// for log streams and the dashboard's 1s state broadcast; every command it
// accepts is handed straight to C4/C10.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/spawner"
	"github.com/ashureev/agent-relay/internal/store"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/go-chi/chi/v5"

	relaymiddleware "github.com/ashureev/agent-relay/internal/middleware"
)

// Gateway wires the dashboard's external surface over the core components.
// It holds no durable state of its own; every read fans out to C2/C3/C10.
type Gateway struct {
	cfg            config.GatewayConfig
	hTO            time.Duration
	attachmentsDir string
	repo           store.Repository
	reg            *registry.Registry
	rt             *router.Router
	spwn           *spawner.Spawner

	broadcaster *broadcaster
	presence    *presenceHub
}

// New builds a Gateway. spwn may be nil if the spawner subsystem is not
// wired (spawn/release/logs endpoints then answer 503). attachmentsDir is
// the managed directory uploads are written under (§6).
func New(cfg config.GatewayConfig, httpTimeout time.Duration, attachmentsDir string, repo store.Repository, reg *registry.Registry, rt *router.Router, spwn *spawner.Spawner) *Gateway {
	g := &Gateway{cfg: cfg, hTO: httpTimeout, attachmentsDir: attachmentsDir, repo: repo, reg: reg, rt: rt, spwn: spwn}
	g.broadcaster = newBroadcaster(cfg.PresenceBroadcast)
	g.presence = newPresenceHub(reg, cfg.PresenceBroadcast)
	return g
}

// SetSpawner wires the spawner subsystem in after construction, for the
// daemon/gateway construction order in cmd/relayd: the spawner's
// ClientFactory needs a *Gateway to use as its EventSink before the
// gateway itself has a *spawner.Spawner to hold. Call before Routes is
// served; the spawn/release/logs endpoints answer 503 until it is set.
func (g *Gateway) SetSpawner(spwn *spawner.Spawner) {
	g.spwn = spwn
}

// Start launches the background broadcaster/presence loops. Call once.
func (g *Gateway) Start(ctx context.Context) {
	go g.broadcaster.run(ctx)
	go g.presence.run(ctx)
}

// WorkerExited implements spawner.EventSink, feeding exit events into the
// dashboard's next broadcast tick.
func (g *Gateway) WorkerExited(e spawner.ExitEvent) {
	g.broadcaster.notifyWorkerExited(e)
}

// Routes builds the chi router for the dashboard's HTTP+WS surface.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(relaymiddleware.CORS([]string{"*"}))

	r.Get("/health", g.handleHealth)

	// The 30s request-deadline timeout applies to REST handlers only: the
	// WebSocket routes below are long-lived by design and must not be cut
	// off by it.
	r.Route("/api", func(r chi.Router) {
		r.Use(g.withTimeout)
		r.Post("/send", g.handleSend)
		r.Post("/upload", g.handleUpload)
		r.Get("/data", g.handleData)
		r.Get("/history/messages", g.handleHistoryMessages)
		r.Get("/history/sessions", g.handleHistorySessions)
		r.Get("/history/conversations", g.handleHistoryConversations)
		r.Post("/spawn", g.handleSpawn)
		r.Get("/spawned", g.handleListSpawned)
		r.Delete("/spawned/{name}", g.handleRelease)
		r.Get("/logs/{name}", g.handleLogsTail)
	})

	r.Get("/ws", g.handleWSState)
	r.Get("/ws/bridge", g.handleWSBridge)
	r.Get("/ws/logs/{name}", g.handleWSLogs)
	r.Get("/ws/presence", g.handleWSPresence)

	return r
}

// withTimeout bounds each /api handler (not /health or the WebSocket
// routes) to the configured request deadline,
// the "HTTP handlers 30s" timeout named in §5.
func (g *Gateway) withTimeout(next http.Handler) http.Handler {
	if g.hTO <= 0 {
		return next
	}
	return http.TimeoutHandler(next, g.hTO, `{"error":"request timed out"}`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := g.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
