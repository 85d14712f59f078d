// ABOUTME: Entry point for nekobridge, the QQ-to-agent bridge.
// ABOUTME: Loads config, wires the components and serves the gateway WebSocket until interrupted.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/nekobridge/nekobridge/internal/agent"
	"github.com/nekobridge/nekobridge/internal/command"
	"github.com/nekobridge/nekobridge/internal/config"
	"github.com/nekobridge/nekobridge/internal/dedupe"
	"github.com/nekobridge/nekobridge/internal/dispatch"
	"github.com/nekobridge/nekobridge/internal/message"
	"github.com/nekobridge/nekobridge/internal/onebot"
	"github.com/nekobridge/nekobridge/internal/permission"
	"github.com/nekobridge/nekobridge/internal/prompt"
	"github.com/nekobridge/nekobridge/internal/session"
	"github.com/nekobridge/nekobridge/internal/turn"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _         _          _     _
 _ __   ___| | _____ | |__  _ __(_) __| | __ _  ___
| '_ \ / _ \ |/ / _ \| '_ \| '__| |/ _' |/ _' |/ _ \
| | | |  __/   < (_) | |_) | |  | | (_| | (_| |  __/
|_| |_|\___|_|\_\___/|_.__/|_|  |_|\__,_|\__, |\___|
                                         |___/
`

// getConfigPath returns the config file path.
// Priority: NEKOBRIDGE_CONFIG env var > ./config.toml
func getConfigPath() string {
	if envPath := os.Getenv("NEKOBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}
	return "config.toml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: nekobridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the bridge")
		fmt.Println("  init     Write a sample config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// lateSender lets components that reply to chats be built before the
// gateway server exists. The field is set during wiring, before Run.
type lateSender struct {
	server *onebot.Server
}

func (l *lateSender) SendText(ctx context.Context, chatID, text string) error {
	return l.server.SendText(ctx, chatID, text)
}

func (l *lateSender) SendParts(ctx context.Context, chatID string, parts []message.Part) error {
	return l.server.SendParts(ctx, chatID, parts)
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	agentCwd, err := filepath.Abs(cfg.Agent.Cwd)
	if err != nil {
		return fmt.Errorf("resolving agent cwd: %w", err)
	}
	if err := os.MkdirAll(agentCwd, 0755); err != nil {
		return fmt.Errorf("creating agent cwd: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   ws://%s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s %s\n", cfg.Agent.Command, strings.Join(cfg.Agent.Args, " "))
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", agentCwd)
	fmt.Println()

	logger.Info("starting nekobridge",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"agent_command", cfg.Agent.Command,
	)

	sender := &lateSender{}

	agentConn := agent.NewConnection(agent.Config{
		Command:              cfg.Agent.Command,
		Args:                 cfg.Agent.Args,
		Dir:                  agentCwd,
		HandshakeTimeout:     cfg.Agent.HandshakeTimeout.Std(),
		MinReconnectInterval: cfg.Agent.MinReconnectInterval.Std(),
	}, logger)

	accumulator := turn.NewAccumulator(logger)

	broker := permission.NewBroker(sender.SendText, permission.Options{
		Timeout:          cfg.UX.PermissionTimeout.Std(),
		RawInputMaxLen:   cfg.UX.PermissionRawInputMaxLen,
		CacheUnknownKind: cfg.UX.CacheUnknownToolKind,
	}, logger)

	registry := session.NewRegistry(agentConn, agentCwd, func(sessionID string) {
		broker.ClearSession(sessionID)
		accumulator.Discard(sessionID)
	}, logger)

	agentConn.SetHandler(agent.NewRouter(registry, accumulator, broker, logger))

	fetcher := onebot.NewImageFetcher(cfg.UX.ImageFetchTimeout.Std(), logger)
	builder := prompt.NewBuilder(fetcher, agentConn, logger)

	runner := prompt.NewRunner(agentConn, registry, accumulator, broker, sender, builder, prompt.Options{
		ThinkingNotify:     cfg.UX.ThinkingNotify.Std(),
		ThinkingLongNotify: cfg.UX.ThinkingLongNotify.Std(),
	}, logger)

	commands := command.NewRegistry()
	if err := command.RegisterBuiltins(commands, registry, runner); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(commands, broker, runner, sender, logger)

	seen := dedupe.New(cfg.Server.DedupeTTL.Std(), cfg.Server.DedupeLimit)

	server := onebot.NewServer(cfg.Server.ListenAddr, dispatcher, seen, func() {
		logger.Warn("gateway disconnected, dropping all sessions")
		registry.DropAll(context.Background())
		agentConn.Shutdown()
	}, logger)
	sender.server = server

	err = server.Run(ctx)
	agentConn.Shutdown()
	return err
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

const sampleConfig = `# nekobridge configuration

[server]
# NapCat's reverse WebSocket client connects here.
listen_addr = "127.0.0.1:8080"

[agent]
# The ACP agent subprocess and its arguments.
command = "claude-code-acp"
args = []
# Working directory for agent sessions, created if missing.
cwd = "workspace"
handshake_timeout = "30s"
min_reconnect_interval = "5s"

[ux]
# "Still thinking" notices; "0s" disables one.
thinking_notify = "10s"
thinking_long_notify = "30s"
# Unanswered permission requests auto-deny after this; "0s" waits forever.
permission_timeout = "300s"
permission_raw_input_max_len = 500
cache_unknown_tool_kind = true
image_fetch_timeout = "15s"

[logging]
level = "info"   # debug, info, warn, error
format = "text"  # text, json
`

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	fmt.Println("\nEdit agent.command, then start the bridge:")
	fmt.Println("  nekobridge serve")
	return nil
}
