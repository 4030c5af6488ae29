package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// handleWSState serves /ws: the dashboard's full-snapshot broadcast, pushed
// every PresenceBroadcast interval or immediately after a worker exits.
func (g *Gateway) handleWSState(w http.ResponseWriter, r *http.Request) {
	ws, err := g.accept(w, r)
	if err != nil {
		return
	}
	defer closeWS(ws, "state stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	kicks, unsub := g.broadcaster.subscribe()
	defer unsub()

	if err := g.pushSnapshot(ctx, ws); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-kicks:
			if !ok {
				return
			}
			if err := g.pushSnapshot(ctx, ws); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) pushSnapshot(ctx context.Context, ws *websocket.Conn) error {
	snap, err := g.snapshot(ctx)
	if err != nil {
		slog.Warn("failed to build dashboard snapshot", "error", err)
		return nil
	}
	return writeWSJSON(ctx, ws, snap)
}

// handleWSBridge serves /ws/bridge: the cross-project aggregate view. This
// deployment is single-project, so the aggregate is just this project's own
// snapshot under a project-tagged envelope — a multi-project bridge process
// would fan this same payload in from several daemons.
func (g *Gateway) handleWSBridge(w http.ResponseWriter, r *http.Request) {
	ws, err := g.accept(w, r)
	if err != nil {
		return
	}
	defer closeWS(ws, "bridge stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	kicks, unsub := g.broadcaster.subscribe()
	defer unsub()

	push := func() error {
		snap, err := g.snapshot(ctx)
		if err != nil {
			slog.Warn("failed to build bridge snapshot", "error", err)
			return nil
		}
		return writeWSJSON(ctx, ws, map[string]any{"project": "local", "data": snap})
	}
	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-kicks:
			if !ok {
				return
			}
			if err := push(); err != nil {
				return
			}
		}
	}
}

// handleWSLogs serves /ws/logs/:name: a live tail of one worker's output,
// closing with 4404 if the named agent has no running worker.
func (g *Gateway) handleWSLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if g.spwn == nil {
		http.Error(w, "spawner not available", http.StatusServiceUnavailable)
		return
	}

	lines, unsub, err := g.spwn.Subscribe(name)
	if err != nil {
		ws, acceptErr := g.accept(w, r)
		if acceptErr != nil {
			return
		}
		_ = ws.Close(websocket.StatusCode(4404), "no such agent")
		return
	}
	defer unsub()

	ws, err := g.accept(w, r)
	if err != nil {
		return
	}
	defer closeWS(ws, "log stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ticker := time.NewTicker(g.cfg.LogPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				return
			}
		}
	}
}

type presenceClientMsg struct {
	Type  string `json:"type"`
	Agent string `json:"agent,omitempty"`
}

// handleWSPresence serves /ws/presence: online-agent join/leave events
// derived from the registry, plus client-originated typing relays.
func (g *Gateway) handleWSPresence(w http.ResponseWriter, r *http.Request) {
	ws, err := g.accept(w, r)
	if err != nil {
		return
	}
	defer closeWS(ws, "presence stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsub := g.presence.subscribe()
	defer unsub()

	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			var msg presenceClientMsg
			if json.Unmarshal(data, &msg) == nil && msg.Type == "typing" {
				g.presence.publishTyping(msg.Agent)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeWSJSON(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(g.cfg.MaxFrameBytes)
	return ws, nil
}

func closeWS(ws *websocket.Conn, reason string) {
	if err := ws.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("failed to close websocket cleanly", "error", err)
	}
}

func writeWSJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
