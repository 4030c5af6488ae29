// Command relayd is the relay daemon: it binds the project's Unix socket
// (C5), serves the dashboard's HTTP+WebSocket surface (C11), and hosts the
// in-process agent spawner (C10) that dials back into its own socket for
// every worker it starts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agent-relay/internal/codec"
	"github.com/ashureev/agent-relay/internal/client"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/daemon"
	"github.com/ashureev/agent-relay/internal/gateway"
	"github.com/ashureev/agent-relay/internal/injector"
	"github.com/ashureev/agent-relay/internal/registry"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/spawner"
	"github.com/ashureev/agent-relay/internal/store"
	"github.com/ashureev/agent-relay/internal/wrapper"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	socketPath := daemon.ResolveSocketPath(cfg)
	slog.Info("starting relay daemon", "project", cfg.ProjectPath, "socket", socketPath)

	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath = cfg.DataDir + "/relay.db"
	}
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", dbPath)

	reg := registry.New(repo, cfg.Registry.HeartbeatStaleness, cfg.Registry.SweepInterval, cfg.DataDir+"/state")
	rt := router.New(cfg.Router, repo, reg)
	dmn := daemon.New(cfg, repo, reg, rt)

	var inbox injector.Inbox
	if cfg.Injector.InboxDir != "" {
		inbox = wrapper.NewFileInbox(cfg.Injector.InboxDir)
	}
	metrics := slogInjectionMetrics{}

	// dial is the spawner's ClientFactory: every worker it starts is itself
	// a relay client of this same daemon, connecting over the socket this
	// process just resolved (and is about to bind in dmn.Run).
	dial := func(ctx context.Context, agentName, cli string) (wrapper.RelayClient, error) {
		return client.Dial(ctx, socketPath, codec.HelloPayload{Name: agentName, CLI: cli})
	}

	gw := gateway.New(cfg.Gateway, cfg.Timeout.HTTPHandler, cfg.DataDir+"/attachments", repo, reg, rt, nil)
	spwn := spawner.New(cfg.Spawner, cfg.Wrapper, cfg.Injector, dial, inbox, metrics, gw)
	gw.SetSpawner(spwn)

	srv := &http.Server{
		Addr:         cfg.Gateway.Addr,
		Handler:      gw.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websockets
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.Start(ctx)

	daemonErrs := make(chan error, 1)
	go func() { daemonErrs <- dmn.Run(ctx) }()

	go func() {
		slog.Info("dashboard gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
		}
	}()

	var daemonErr error
	select {
	case <-ctx.Done():
	case daemonErr = <-daemonErrs:
		if daemonErr != nil {
			slog.Error("daemon stopped unexpectedly", "error", daemonErr)
		}
		stop()
	}

	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.ComponentStop+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway server forced to shutdown", "error", err)
	}

	spwn.Shutdown(shutdownCtx)

	if daemonErr == nil {
		if err := <-daemonErrs; err != nil {
			slog.Error("daemon shutdown reported error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("relay daemon stopped")
}

// slogInjectionMetrics logs injection outcomes at debug level. The relay
// has no metrics backend of its own (§ Non-goals excludes one); this
// keeps the injector.Metrics hook satisfied without inventing a
// dependency nothing else in the repo wires up.
type slogInjectionMetrics struct{}

func (slogInjectionMetrics) IncInjectionOutcome(agent string, outcome injector.Outcome) {
	slog.Debug("injection outcome", "agent", agent, "outcome", string(outcome))
}
