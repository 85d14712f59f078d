// ABOUTME: Lifecycle of the agent subprocess: spawn, handshake, session and prompt calls, crash recovery.
// ABOUTME: The process is started lazily and respawned on demand, throttled by a minimum reconnect interval.

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/nekobridge/nekobridge/internal/acp"
)

var (
	// ErrAgentUnavailable means the subprocess could not be (re)started
	// or has not completed its handshake.
	ErrAgentUnavailable = errors.New("agent: unavailable")

	// ErrAgentDisconnected means the subprocess died while a call was in
	// flight.
	ErrAgentDisconnected = errors.New("agent: disconnected")

	// ErrProtocol means the agent answered with a payload that violates
	// the protocol, such as a session id-less session/new result.
	ErrProtocol = errors.New("agent: protocol violation")

	// ErrCancelled means the in-flight prompt was cancelled locally.
	ErrCancelled = errors.New("agent: turn cancelled")
)

// Config describes how to run the agent subprocess.
type Config struct {
	Command              string
	Args                 []string
	Dir                  string
	HandshakeTimeout     time.Duration
	MinReconnectInterval time.Duration
}

// process abstracts the spawned subprocess so tests can substitute pipes.
type process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stop()
}

// Connection owns the single agent subprocess and the JSON-RPC channel to
// it. All exported methods are safe for concurrent use.
type Connection struct {
	cfg     Config
	logger  *slog.Logger
	handler acp.Handler

	spawn func() (process, error)

	mu          sync.Mutex
	conn        *acp.Conn
	proc        process
	caps        acp.AgentCapabilities
	ready       bool
	lastFailure time.Time
}

// NewConnection creates an unconnected agent connection. SetHandler must
// be called before the first EnsureReady.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	c := &Connection{
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
	c.spawn = c.spawnProcess
	return c
}

// SetHandler installs the receiver for agent-initiated traffic. Set once
// during wiring, before any session exists.
func (c *Connection) SetHandler(h acp.Handler) {
	c.handler = h
}

// EnsureReady spawns the subprocess and runs the initialize handshake if
// no live connection exists. Respawning after a failure is throttled.
func (c *Connection) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready && c.conn != nil {
		return nil
	}

	if wait := c.cfg.MinReconnectInterval - time.Since(c.lastFailure); !c.lastFailure.IsZero() && wait > 0 {
		return fmt.Errorf("%w: respawn throttled for %s", ErrAgentUnavailable, wait.Round(time.Millisecond))
	}

	proc, err := c.spawn()
	if err != nil {
		c.lastFailure = time.Now()
		return fmt.Errorf("%w: starting %s: %v", ErrAgentUnavailable, c.cfg.Command, err)
	}

	var conn *acp.Conn
	conn = acp.NewConn(proc.Stdout(), proc.Stdin(), c.handler, func(cause error) {
		c.markDead(conn, cause)
	}, c.logger)

	hsCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	var result acp.InitializeResult
	params := acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientInfo:      acp.ClientInfo{Name: "nekobridge", Title: "NekoBridge"},
	}
	if err := conn.Call(hsCtx, "initialize", params, &result); err != nil {
		// Stopping the process ends the read loop via EOF; the
		// connection was never published, so its close hook is a no-op.
		proc.Stop()
		c.lastFailure = time.Now()
		return fmt.Errorf("%w: handshake: %v", ErrAgentUnavailable, err)
	}

	c.conn = conn
	c.proc = proc
	c.caps = result.AgentCapabilities
	c.ready = true
	c.lastFailure = time.Time{}
	c.logger.Info("agent ready",
		"command", c.cfg.Command,
		"protocol_version", result.ProtocolVersion,
		"supports_image", c.caps.PromptCapabilities.Image)
	return nil
}

// markDead clears the live connection after its read loop exits. A newer
// connection established in the meantime, or one that never got
// published, is left alone.
func (c *Connection) markDead(dead *acp.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dead == nil || c.conn != dead {
		return
	}
	c.ready = false
	c.conn = nil
	c.lastFailure = time.Now()
	if c.proc != nil {
		c.proc.Stop()
		c.proc = nil
	}
	if cause != nil {
		c.logger.Error("agent connection lost", "error", cause)
	} else {
		c.logger.Info("agent connection closed")
	}
}

// SupportsImage reports whether the agent negotiated image prompt
// content. False while no handshake has completed.
func (c *Connection) SupportsImage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && c.caps.PromptCapabilities.Image
}

// NewSession opens a new agent conversation rooted at workingDir.
func (c *Connection) NewSession(ctx context.Context, workingDir string) (string, error) {
	conn, err := c.live()
	if err != nil {
		return "", err
	}

	var result acp.NewSessionResult
	params := acp.NewSessionParams{Cwd: workingDir, McpServers: []any{}}
	if err := conn.Call(ctx, "session/new", params, &result); err != nil {
		return "", c.mapCallErr(ctx, err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("%w: session/new returned empty session id", ErrProtocol)
	}
	return result.SessionID, nil
}

// CloseSession discards a session. The protocol has no teardown method;
// dropping the bridge-side mapping is all that happens.
func (c *Connection) CloseSession(ctx context.Context, sessionID string) {
	c.logger.Debug("session discarded", "session_id", sessionID)
}

// SendPrompt submits one user turn and blocks until the agent finishes
// it. The returned stop reason is one of the acp.Stop* constants.
func (c *Connection) SendPrompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (string, error) {
	conn, err := c.live()
	if err != nil {
		return "", err
	}

	var result acp.PromptResult
	params := acp.PromptParams{SessionID: sessionID, Prompt: blocks}
	if err := conn.Call(ctx, "session/prompt", params, &result); err != nil {
		return "", c.mapCallErr(ctx, err)
	}
	return result.StopReason, nil
}

// Cancel asks the agent to abort the session's running turn. Best-effort:
// the turn's prompt call still completes with its own stop reason.
func (c *Connection) Cancel(sessionID string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Notify("session/cancel", acp.CancelParams{SessionID: sessionID}); err != nil {
		c.logger.Warn("sending session/cancel failed", "session_id", sessionID, "error", err)
	}
}

// Shutdown terminates the subprocess. The connection can be revived later
// by EnsureReady.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Connection) live() (*acp.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready || c.conn == nil {
		return nil, ErrAgentUnavailable
	}
	return c.conn, nil
}

// mapCallErr translates transport-level failures into the package's
// error taxonomy.
func (c *Connection) mapCallErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ErrCancelled
	case errors.Is(err, acp.ErrConnClosed):
		return fmt.Errorf("%w: %v", ErrAgentDisconnected, err)
	default:
		return err
	}
}

// execProcess runs the agent as a real subprocess.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stop() {
	p.once.Do(func() {
		p.stdin.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		go p.cmd.Wait()
	})
}

func (c *Connection) spawnProcess() (process, error) {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c.logger.Info("agent process started", "command", c.cfg.Command, "pid", cmd.Process.Pid)

	go c.relayStderr(stderr)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// relayStderr forwards the agent's stderr lines into the bridge log.
func (c *Connection) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", "line", scanner.Text())
	}
}
