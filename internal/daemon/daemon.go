// Package daemon implements C5: the relay daemon's Unix socket accept
// loop, multiplexing frame codec (C1), router (C4) and registry (C3) per
// connection.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/store"
)

// Daemon listens on a Unix domain socket and serves the relay protocol.
type Daemon struct {
	cfg      *config.Config
	repo     store.Repository
	reg      *registry.Registry
	rt       *router.Router
	listener net.Listener

	wg       sync.WaitGroup
	connSeq  int
	connSeqM sync.Mutex
}

// New builds a Daemon; it does not start listening until Run is called.
func New(cfg *config.Config, repo store.Repository, reg *registry.Registry, rt *router.Router) *Daemon {
	return &Daemon{cfg: cfg, repo: repo, reg: reg, rt: rt}
}

// Run binds the Unix socket, recovers crashed sessions, and serves
// connections until ctx is cancelled. It implements the daemon's graceful
// shutdown contract: stop accepting, close every connection with
// ServerShutdown, flush persistence, return.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.recoverCrashedSessions(ctx); err != nil {
		slog.Error("crash recovery failed", "error", err)
	}

	socketPath := ResolveSocketPath(d.cfg)
	if err := d.rotateStaleSocket(socketPath); err != nil {
		return fmt.Errorf("rotate stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, d.cfg.Socket.Permissions); err != nil {
		slog.Warn("failed to set socket permissions", "path", socketPath, "error", err)
	}
	d.listener = ln
	slog.Info("relay daemon listening", "socket", socketPath)

	d.reg.Start(ctx)
	d.rt.Start(ctx)

	acceptErrs := make(chan error, 1)
	go d.acceptLoop(ctx, acceptErrs)

	select {
	case <-ctx.Done():
	case err := <-acceptErrs:
		if err != nil {
			slog.Error("accept loop terminated", "error", err)
		}
	}

	return d.shutdown()
}

func (d *Daemon) acceptLoop(ctx context.Context, errs chan<- error) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				errs <- nil
				return
			}
			errs <- fmt.Errorf("accept: %w", err)
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(ctx, conn)
		}()
	}
}

func (d *Daemon) shutdown() error {
	slog.Info("relay daemon shutting down")
	if d.listener != nil {
		_ = d.listener.Close()
	}

	d.rt.CloseAll(codec.CodeServerShutdown)
	d.rt.Stop(d.cfg.Timeout.ComponentStop)
	d.reg.Stop(d.cfg.Timeout.ComponentStop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.Timeout.ComponentStop * 5):
		slog.Warn("connections did not close within shutdown budget")
	}

	slog.Info("relay daemon stopped")
	return nil
}

func (d *Daemon) nextConnID() string {
	d.connSeqM.Lock()
	defer d.connSeqM.Unlock()
	d.connSeq++
	return fmt.Sprintf("conn-%d", d.connSeq)
}

// serveConn runs one connection's read loop and write loop until either
// side closes, implementing the NEW -> READY -> CLOSED state machine.
func (d *Daemon) serveConn(ctx context.Context, nc net.Conn) {
	defer func() { _ = nc.Close() }()

	conn := router.NewConn(d.nextConnID(), d.cfg.Router.OutboundSoftBound, d.cfg.Router.OutboundHardBound,
		d.cfg.Router.ProtocolErrorWindow, d.cfg.Router.ProtocolErrorMax)

	writerDone := make(chan struct{})
	go d.writeLoop(nc, conn, writerDone)

	d.readLoop(ctx, nc, conn)

	conn.Close("connection-closed")
	<-writerDone

	d.rt.Unregister(conn)
}

func (d *Daemon) writeLoop(nc net.Conn, conn *router.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				return
			}
			if err := codec.Encode(nc, envelope(frame.Type, frame.Payload)); err != nil {
				slog.Debug("write frame failed, closing connection", "error", err)
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (d *Daemon) readLoop(ctx context.Context, nc net.Conn, conn *router.Conn) {
	reader := codec.NewReader(nc)
	helloDeadline := time.Now().Add(d.cfg.Timeout.HelloHandshake)

	for {
		if conn.State() == router.StateNew && time.Now().After(helloDeadline) {
			slog.Debug("hello handshake timed out, closing connection")
			return
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				slog.Debug("frame read ended", "error", err)
			}
			return
		}

		if d.dispatch(ctx, conn, frame) == dispatchTerminal {
			return
		}
	}
}

type dispatchResult int

const (
	dispatchContinue dispatchResult = iota
	dispatchTerminal
)

func (d *Daemon) dispatch(ctx context.Context, conn *router.Conn, frame *codec.Frame) dispatchResult {
	if conn.State() == router.StateNew {
		if frame.Type != codec.TypeHello {
			return dispatchTerminal
		}
		return d.handleHello(conn, frame)
	}

	d.reg.Heartbeat(conn.Name())

	switch frame.Type {
	case codec.TypeSend:
		p, err := codec.DecodePayload[codec.SendPayload](frame)
		if err != nil || p.To == "" {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed send frame")
		}
		if conn.Name() == "" {
			return d.protocolError(conn, codec.CodeForbidden, "connection not bound")
		}
		d.rt.HandleSend(ctx, conn, p)
		return dispatchContinue

	case codec.TypeAck:
		p, err := codec.DecodePayload[codec.AckPayload](frame)
		if err != nil {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed ack frame")
		}
		d.rt.HandleAck(ctx, p.MessageID)
		return dispatchContinue

	case codec.TypeSubscribe:
		p, err := codec.DecodePayload[codec.SubscribePayload](frame)
		if err != nil {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed subscribe frame")
		}
		conn.Subscribe(p.Topic)
		return dispatchContinue

	case codec.TypeUnsubscribe:
		p, err := codec.DecodePayload[codec.UnsubscribePayload](frame)
		if err != nil {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed unsubscribe frame")
		}
		conn.Unsubscribe(p.Topic)
		return dispatchContinue

	case codec.TypeHeartbeat:
		d.reg.Heartbeat(conn.Name())
		return dispatchContinue

	case codec.TypeLog:
		d.reg.Heartbeat(conn.Name())
		return dispatchContinue

	case codec.TypeSummary:
		p, err := codec.DecodePayload[codec.SummaryPayload](frame)
		if err != nil {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed summary frame")
		}
		if conn.Name() == "" {
			return d.protocolError(conn, codec.CodeForbidden, "connection not bound")
		}
		if err := d.repo.UpsertSummary(ctx, &domain.AgentSummary{
			AgentName:      conn.Name(),
			LastUpdated:    time.Now().UTC(),
			CurrentTask:    p.CurrentTask,
			CompletedTasks: p.CompletedTasks,
			Decisions:      p.Decisions,
			Context:        p.Context,
			Files:          p.Files,
		}); err != nil {
			slog.Warn("failed to persist summary", "agent", conn.Name(), "error", err)
		}
		return dispatchContinue

	case codec.TypeSessionEnd:
		p, err := codec.DecodePayload[codec.SessionEndPayload](frame)
		if err != nil {
			return d.protocolError(conn, codec.CodeFrameMalformed, "malformed session_end frame")
		}
		if conn.Name() == "" {
			return d.protocolError(conn, codec.CodeForbidden, "connection not bound")
		}
		if conn.SessionID() != "" {
			if err := d.repo.EndSession(ctx, conn.SessionID(), p.Summary, domain.ClosedByAgent); err != nil {
				slog.Warn("failed to end session", "agent", conn.Name(), "error", err)
			}
		}
		return dispatchContinue

	case codec.TypeBye:
		if conn.SessionID() != "" {
			if err := d.repo.EndSession(ctx, conn.SessionID(), "", domain.ClosedByAgent); err != nil {
				slog.Warn("failed to end session on bye", "agent", conn.Name(), "error", err)
			}
		}
		return dispatchTerminal

	default:
		conn.Push(codec.TypeError, codec.ErrorPayload{Code: codec.CodeUnknownFrameType, Message: "unknown frame type: " + frame.Type})
		return dispatchContinue
	}
}

func (d *Daemon) handleHello(conn *router.Conn, frame *codec.Frame) dispatchResult {
	p, err := codec.DecodePayload[codec.HelloPayload](frame)
	if err != nil || !domain.ValidAgentName(p.Name) {
		return dispatchTerminal
	}

	sessionID, err := store.NewSessionID()
	if err != nil {
		return dispatchTerminal
	}

	d.rt.Register(conn, p.Name, p.CLI, p.Team)
	conn.SetSessionID(sessionID)

	ctx := context.Background()
	if err := d.repo.OpenSession(ctx, &domain.Session{
		ID: sessionID, AgentName: p.Name, CLI: p.CLI, StartedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("failed to open session", "agent", p.Name, "error", err)
	}

	conn.Push(codec.TypeWelcome, codec.WelcomePayload{SessionID: sessionID})
	return dispatchContinue
}

func (d *Daemon) protocolError(conn *router.Conn, code, msg string) dispatchResult {
	conn.Push(codec.TypeError, codec.ErrorPayload{Code: code, Message: msg})
	if conn.RecordProtocolError() {
		return dispatchTerminal
	}
	return dispatchContinue
}

// recoverCrashedSessions marks every still-open session ended with
// closedBy=error at startup, per the daemon's crash-recovery contract.
func (d *Daemon) recoverCrashedSessions(ctx context.Context) error {
	n, err := d.repo.MarkSessionsEndedOnRecovery(ctx)
	if err != nil {
		return fmt.Errorf("mark sessions ended on recovery: %w", err)
	}
	if n > 0 {
		slog.Info("crash recovery closed dangling sessions", "count", n)
	}
	return nil
}

// rotateStaleSocket removes a pre-existing socket file with no live
// listener so the daemon can bind cleanly on restart.
func (d *Daemon) rotateStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("a live daemon is already listening on %s", path)
	}
	return os.Remove(path)
}

// ResolveSocketPath returns the Unix socket path a Daemon built from cfg
// will bind to: cfg.Socket.Path if set, otherwise the project-hashed
// default under cfg.DataDir. cmd/relayd uses this to learn the socket
// path before the daemon has bound it, so it can hand the same path to
// the spawner's in-process dial-back ClientFactory.
func ResolveSocketPath(cfg *config.Config) string {
	if cfg.Socket.Path != "" {
		return cfg.Socket.Path
	}
	return defaultSocketPath(cfg.ProjectPath, cfg.DataDir)
}

func defaultSocketPath(projectPath, dataDir string) string {
	return filepath.Join(dataDir, projectHash(projectPath), "relay.sock")
}

func projectHash(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:8])
}

func envelope(frameType string, payload any) map[string]any {
	body, _ := json.Marshal(payload)
	m := map[string]any{"type": frameType}
	var fields map[string]any
	_ = json.Unmarshal(body, &fields)
	for k, v := range fields {
		m[k] = v
	}
	return m
}
