// Command relaywrap is the per-agent CLI wrapper: it drives one tmux pane
// running an agent CLI (C6-C9) and relays its output to the relay daemon
// over the project's Unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/agent-relay/internal/client"
	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/daemon"
	"github.com/ashureev/agent-relay/internal/injector"
	"github.com/ashureev/agent-relay/internal/wrapper"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	name := flag.String("name", "", "agent name to register with the relay daemon")
	cli := flag.String("cli", "", "CLI profile name (e.g. claude-code, codex)")
	socket := flag.String("socket", "", "relay daemon socket path (default: project-derived)")
	flag.Parse()

	cmdLine := flag.Args()
	if *name == "" || *cli == "" || len(cmdLine) == 0 {
		fmt.Fprintln(os.Stderr, "usage: relaywrap --name NAME --cli CLI [--socket PATH] -- CMD [ARGS...]")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	socketPath := *socket
	if socketPath == "" {
		socketPath = daemon.ResolveSocketPath(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout.HelloHandshake)
	rc, err := client.Dial(dialCtx, socketPath, codec.HelloPayload{Name: *name, CLI: *cli})
	cancel()
	if err != nil {
		slog.Error("failed to connect to relay daemon", "socket", socketPath, "error", err)
		os.Exit(1)
	}
	defer rc.Close()

	var inbox injector.Inbox
	if cfg.Injector.InboxDir != "" {
		inbox = wrapper.NewFileInbox(cfg.Injector.InboxDir)
	}

	wrp := wrapper.NewForCLI(*name, *cli, cmdLine, envMap(), rc, cfg.Wrapper, cfg.Injector, logSink{}, eventSink{}, inbox, metrics{})

	if err := wrp.Start(ctx); err != nil {
		slog.Error("failed to start wrapper", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("relaywrap shutting down", "agent", *name)
	if err := wrp.Stop(context.Background(), cfg.Timeout.ComponentStop); err != nil {
		slog.Error("wrapper stop reported error", "error", err)
	}
}

func envMap() map[string]string {
	out := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// logSink and eventSink log to the standalone process's own logger; a
// spawner-managed worker instead gets the in-process ring buffer sinks in
// internal/spawner, but relaywrap run directly has no pool to report into.
type logSink struct{}

func (logSink) Append(agentName, chunk string) {
	slog.Debug("pane output", "agent", agentName, "bytes", len(chunk))
}

type eventSink struct{}

func (eventSink) WrapperEvent(agentName, kind, detail string) {
	slog.Warn("wrapper event", "agent", agentName, "kind", kind, "detail", detail)
}

type metrics struct{}

func (metrics) IncInjectionOutcome(agent string, outcome injector.Outcome) {
	slog.Debug("injection outcome", "agent", agent, "outcome", string(outcome))
}
