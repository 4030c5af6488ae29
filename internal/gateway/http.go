package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/spawner"
	"github.com/ashureev/agent-relay/internal/store"
)

type sendRequest struct {
	To          string          `json:"to"`
	Message     string          `json:"message"`
	Thread      string          `json:"thread,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	From        string          `json:"from,omitempty"`
}

// handleSend implements POST /api/send, routing through C4 on behalf of
// the dashboard via router.SendExternal (no socket connection of its own).
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "to and message are required")
		return
	}
	from := req.From
	if from == "" {
		from = "__dashboard"
	}

	payload := codec.SendPayload{To: req.To, Body: req.Message, Thread: req.Thread, Data: req.Attachments}
	msg, dup, err := g.rt.SendExternal(r.Context(), from, payload)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if dup {
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type uploadRequest struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64, no data: URL prefix
}

// handleUpload implements POST /api/upload: base64 image in, attachment
// record out. Rejects anything outside the fixed image allowlist (§3).
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !domain.AllowedAttachmentMIME[req.MIMEType] {
		writeErr(w, http.StatusUnsupportedMediaType, "mime type not allowed")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "data must be base64")
		return
	}

	id, err := store.NewAttachmentID()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to allocate attachment id")
		return
	}

	ext := filepath.Ext(req.Filename)
	fname := fmt.Sprintf("%s-%d%s", id, time.Now().UTC().UnixMilli(), ext)
	path := filepath.Join(g.attachmentsDir, fname)

	if err := os.MkdirAll(g.attachmentsDir, 0o700); err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to prepare attachments directory")
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to write attachment")
		return
	}

	att := &domain.Attachment{
		ID: id, Filename: req.Filename, MIMEType: req.MIMEType,
		Size: int64(len(raw)), Path: path, Created: time.Now().UTC(),
	}
	if err := g.repo.PutAttachment(r.Context(), att); err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to persist attachment record")
		return
	}

	writeJSON(w, http.StatusOK, att)
}

// dataSnapshot is the GET /api/data payload: a full dashboard snapshot.
type dataSnapshot struct {
	Agents   []*domain.AgentRecord  `json:"agents"`
	Messages []*domain.Message      `json:"messages"`
	Sessions []*domain.Session      `json:"sessions"`
	Summaries []*domain.AgentSummary `json:"summaries"`
}

func (g *Gateway) snapshot(ctx context.Context) (*dataSnapshot, error) {
	agents, err := g.repo.GetAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("get agents: %w", err)
	}
	messages, err := g.repo.GetMessages(ctx, store.MessageFilter{Limit: 200})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	sessions, err := g.repo.GetSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	summaries := make([]*domain.AgentSummary, 0, len(agents))
	for _, a := range agents {
		sm, err := g.repo.GetSummary(ctx, a.Name)
		if err != nil || sm == nil {
			continue
		}
		summaries = append(summaries, sm)
	}

	return &dataSnapshot{Agents: agents, Messages: messages, Sessions: sessions, Summaries: summaries}, nil
}

func (g *Gateway) handleData(w http.ResponseWriter, r *http.Request) {
	snap, err := g.snapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleHistoryMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MessageFilter{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Thread: q.Get("thread"),
		Search: q.Get("search"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	msgs, err := g.repo.GetMessages(r.Context(), filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (g *Gateway) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{AgentName: q.Get("agent")}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	sessions, err := g.repo.GetSessions(r.Context(), filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (g *Gateway) handleHistoryConversations(w http.ResponseWriter, r *http.Request) {
	pairs, err := g.repo.Conversations(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, map[string]string{"from": p[0], "to": p[1]})
	}
	writeJSON(w, http.StatusOK, out)
}

type spawnRequest struct {
	Name string `json:"name"`
	CLI  string `json:"cli"`
	Task string `json:"task,omitempty"`
}

func (g *Gateway) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if g.spwn == nil {
		writeErr(w, http.StatusServiceUnavailable, "spawner not available")
		return
	}
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.CLI == "" {
		writeErr(w, http.StatusBadRequest, "name and cli are required")
		return
	}

	if err := g.spwn.Spawn(r.Context(), req.Name, req.CLI, req.Task, nil); err != nil {
		switch {
		case errors.Is(err, spawner.ErrNameInUse):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, spawner.ErrSpawnRateLimited):
			writeErr(w, http.StatusTooManyRequests, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name, "cli": req.CLI, "task": req.Task})
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	if g.spwn == nil {
		writeErr(w, http.StatusServiceUnavailable, "spawner not available")
		return
	}
	name := chi.URLParam(r, "name")
	if err := g.spwn.Release(r.Context(), name); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := g.repo.EndSessionsForAgent(r.Context(), name, domain.ClosedByDisconnect); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (g *Gateway) handleListSpawned(w http.ResponseWriter, r *http.Request) {
	if g.spwn == nil {
		writeErr(w, http.StatusServiceUnavailable, "spawner not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": g.spwn.List(r.Context())})
}

func (g *Gateway) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	if g.spwn == nil {
		writeErr(w, http.StatusServiceUnavailable, "spawner not available")
		return
	}
	name := chi.URLParam(r, "name")
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}
	lines, err := g.spwn.Output(name, tail)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "lines": lines})
}
