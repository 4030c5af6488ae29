// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Socket: Unix domain socket path and permissions
//   - Timeouts: HELLO handshake, injector waits, HTTP handlers
//   - Router: dedup window, backpressure bounds
//   - Injector: polling cadence, retry shape
//   - Idle: confidence threshold and signal weights
//   - Store: database path and retry behaviour
//   - Gateway: HTTP/WebSocket bind address
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SocketConfig controls the relay daemon's Unix domain socket.
type SocketConfig struct {
	Path        string // default: derived from project hash under DataDir
	Permissions os.FileMode
}

// TimeoutConfig holds timeout-related configuration shared by the daemon,
// router and injector.
type TimeoutConfig struct {
	HelloHandshake   time.Duration // HELLO -> WELCOME deadline
	HTTPHandler      time.Duration // dashboard gateway request deadline
	InjectClearInput time.Duration // injector waitForClearInput budget
	InjectPaneStable time.Duration // injector waitForStablePane budget
	ComponentStop    time.Duration // grace period for stop() to release resources
}

// RouterConfig controls C4 router behaviour.
type RouterConfig struct {
	DedupWindow          time.Duration // sliding window for fingerprint dedup
	OutboundSoftBound    int           // per-connection queue high-water mark
	OutboundHardBound    int           // per-connection queue hard bound, closes connection
	ProtocolErrorWindow  time.Duration // window for counting repeated protocol errors
	ProtocolErrorMax     int           // errors within window before terminal close
}

// InjectorConfig controls C8 injector cadence and retry shape.
type InjectorConfig struct {
	PollCadence            time.Duration // pane-poll / injector cadence, >= 200ms
	StableCursorThreshold  int           // consecutive polls at col<=4 to call input clear
	StableCursorColumn     int
	PaneStableSampleEvery  time.Duration
	PaneStableSamplesAgree int
	EnterDelay             time.Duration
	MaxInjectRetries       int
	InboxDir               string // fallback file-based inbox directory, empty disables
}

// IdleConfig controls C7 idle detector thresholds.
type IdleConfig struct {
	Threshold             float64       // combined confidence to declare idle
	OutputSilenceFloorMS  int64         // ms at which silence signal starts contributing
	OutputSilenceCeilMS   int64         // ms at which silence signal saturates at 0.8
	AgreementBonus        float64
}

// StoreConfig controls C2 storage engine behaviour.
type StoreConfig struct {
	DBPath          string
	DataDir         string
	MaxRetries      int
	RetryBaseDelay  time.Duration
	AttachmentTTL   time.Duration // default 7 days; loaded but not read, no eviction sweep runs
	AttachmentSweep time.Duration // default 1h; loaded but not read, no eviction sweep runs
}

// GatewayConfig controls C11 dashboard HTTP+WS surface.
type GatewayConfig struct {
	Addr              string
	MaxFrameBytes     int64 // 100 MiB WebSocket frame cap
	PresenceBroadcast time.Duration
	LogPingInterval   time.Duration
}

// RegistryConfig controls C3 registry heartbeat policy.
type RegistryConfig struct {
	HeartbeatStaleness time.Duration // default 30s
	SweepInterval      time.Duration // default 5s
}

// WrapperConfig controls C9 CLI wrapper pane and session behaviour.
type WrapperConfig struct {
	PollCadence       time.Duration // pane-capture cadence, >= 200ms
	ScrollbackLines   int
	OfflineBufferCap  int           // max relay commands buffered while the router is unreachable
	HeartbeatInterval time.Duration // how often the wrapper sends a heartbeat frame
	AuthCheckInterval time.Duration // throttle for auth-revoked pattern scanning
	PaneBackend       string        // "tmux" (default) or "pty" — see spawner.paneFactoryFor
}

// SpawnerConfig controls C10 pool lifecycle and rate limiting.
type SpawnerConfig struct {
	RateLimitWindow time.Duration // window within which repeated spawns are throttled
	RateLimitCount  int           // spawns within the window before SpawnRateLimited
	RingBufferLines int           // per-worker in-memory output ring buffer capacity
}

// Config holds all application configuration.
type Config struct {
	ProjectPath string
	DataDir     string
	Socket      SocketConfig
	Timeout     TimeoutConfig
	Router      RouterConfig
	Injector    InjectorConfig
	Idle        IdleConfig
	Store       StoreConfig
	Gateway     GatewayConfig
	Registry    RegistryConfig
	Wrapper     WrapperConfig
	Spawner     SpawnerConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("RELAY_DATA_DIR", defaultDataDir())
	projectPath := getEnv("RELAY_PROJECT_PATH", mustGetwd())

	cfg := &Config{
		ProjectPath: projectPath,
		DataDir:     dataDir,
		Socket: SocketConfig{
			Path:        getEnv("RELAY_SOCKET_PATH", ""),
			Permissions: 0600,
		},
		Timeout: TimeoutConfig{
			HelloHandshake:   getEnvDuration("RELAY_HELLO_TIMEOUT", 5*time.Second),
			HTTPHandler:      getEnvDuration("RELAY_HTTP_TIMEOUT", 30*time.Second),
			InjectClearInput: getEnvDuration("RELAY_INJECT_CLEAR_TIMEOUT", 5*time.Second),
			InjectPaneStable: getEnvDuration("RELAY_INJECT_STABLE_TIMEOUT", 2*time.Second),
			ComponentStop:    getEnvDuration("RELAY_STOP_BUDGET", time.Second),
		},
		Router: RouterConfig{
			DedupWindow:         getEnvDuration("RELAY_DEDUP_WINDOW", 60*time.Second),
			OutboundSoftBound:   getEnvInt("RELAY_OUTBOUND_SOFT_BOUND", 256),
			OutboundHardBound:   getEnvInt("RELAY_OUTBOUND_HARD_BOUND", 2048),
			ProtocolErrorWindow: getEnvDuration("RELAY_PROTOCOL_ERROR_WINDOW", 10*time.Second),
			ProtocolErrorMax:    getEnvInt("RELAY_PROTOCOL_ERROR_MAX", 3),
		},
		Injector: InjectorConfig{
			PollCadence:            getEnvDuration("RELAY_POLL_CADENCE", 200*time.Millisecond),
			StableCursorThreshold:  getEnvInt("RELAY_STABLE_CURSOR_THRESHOLD", 3),
			StableCursorColumn:     getEnvInt("RELAY_STABLE_CURSOR_COLUMN", 4),
			PaneStableSampleEvery:  getEnvDuration("RELAY_PANE_STABLE_SAMPLE", 200*time.Millisecond),
			PaneStableSamplesAgree: getEnvInt("RELAY_PANE_STABLE_SAMPLES", 2),
			EnterDelay:             getEnvDuration("RELAY_ENTER_DELAY", 80*time.Millisecond),
			MaxInjectRetries:       getEnvInt("RELAY_MAX_INJECT_RETRIES", 3),
			InboxDir:               getEnv("RELAY_INBOX_DIR", ""),
		},
		Idle: IdleConfig{
			Threshold:            getEnvFloat("RELAY_IDLE_THRESHOLD", 0.7),
			OutputSilenceFloorMS: int64(getEnvInt("RELAY_IDLE_SILENCE_FLOOR_MS", 500)),
			OutputSilenceCeilMS:  int64(getEnvInt("RELAY_IDLE_SILENCE_CEIL_MS", 3000)),
			AgreementBonus:       getEnvFloat("RELAY_IDLE_AGREEMENT_BONUS", 0.1),
		},
		Store: StoreConfig{
			DBPath:          getEnv("RELAY_DB_PATH", ""),
			DataDir:         dataDir,
			MaxRetries:      getEnvInt("RELAY_DB_MAX_RETRIES", 3),
			RetryBaseDelay:  getEnvDuration("RELAY_DB_RETRY_BASE_DELAY", 100*time.Millisecond),
			AttachmentTTL:   getEnvDuration("RELAY_ATTACHMENT_TTL", 7*24*time.Hour),
			AttachmentSweep: getEnvDuration("RELAY_ATTACHMENT_SWEEP", time.Hour),
		},
		Gateway: GatewayConfig{
			Addr:              getEnv("RELAY_GATEWAY_ADDR", ":8787"),
			MaxFrameBytes:     getEnvInt64("RELAY_GATEWAY_MAX_FRAME", 100<<20),
			PresenceBroadcast: getEnvDuration("RELAY_GATEWAY_BROADCAST_INTERVAL", time.Second),
			LogPingInterval:   getEnvDuration("RELAY_GATEWAY_LOG_PING", 30*time.Second),
		},
		Registry: RegistryConfig{
			HeartbeatStaleness: getEnvDuration("RELAY_HEARTBEAT_STALENESS", 30*time.Second),
			SweepInterval:      getEnvDuration("RELAY_SWEEP_INTERVAL", 5*time.Second),
		},
		Wrapper: WrapperConfig{
			PollCadence:       getEnvDuration("RELAY_WRAPPER_POLL_CADENCE", 200*time.Millisecond),
			ScrollbackLines:   getEnvInt("RELAY_WRAPPER_SCROLLBACK", 10000),
			OfflineBufferCap:  getEnvInt("RELAY_WRAPPER_OFFLINE_BUFFER", 500),
			HeartbeatInterval: getEnvDuration("RELAY_WRAPPER_HEARTBEAT_INTERVAL", 10*time.Second),
			AuthCheckInterval: getEnvDuration("RELAY_WRAPPER_AUTH_CHECK_INTERVAL", 5*time.Second),
			PaneBackend:       getEnv("RELAY_WRAPPER_PANE_BACKEND", "tmux"),
		},
		Spawner: SpawnerConfig{
			RateLimitWindow: getEnvDuration("RELAY_SPAWN_RATE_WINDOW", 10*time.Second),
			RateLimitCount:  getEnvInt("RELAY_SPAWN_RATE_COUNT", 3),
			RingBufferLines: getEnvInt("RELAY_SPAWN_RING_BUFFER_LINES", 2000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("RELAY_DATA_DIR cannot be empty")
	}
	if c.Router.OutboundHardBound <= c.Router.OutboundSoftBound {
		return fmt.Errorf("RELAY_OUTBOUND_HARD_BOUND must exceed RELAY_OUTBOUND_SOFT_BOUND")
	}
	if c.Idle.Threshold <= 0 || c.Idle.Threshold > 1 {
		return fmt.Errorf("RELAY_IDLE_THRESHOLD must be in (0, 1]")
	}
	if c.Injector.PollCadence < 200*time.Millisecond {
		return fmt.Errorf("RELAY_POLL_CADENCE must be >= 200ms")
	}
	if c.Wrapper.PollCadence < 200*time.Millisecond {
		return fmt.Errorf("RELAY_WRAPPER_POLL_CADENCE must be >= 200ms")
	}
	if c.Spawner.RateLimitCount <= 0 {
		return fmt.Errorf("RELAY_SPAWN_RATE_COUNT must be positive")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.agent-relay"
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
