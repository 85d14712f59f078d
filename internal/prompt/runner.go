// ABOUTME: Per-chat turn state machine: busy gating, thinking notifications, cancellation, outcome delivery.
// ABOUTME: A turn is Running from acceptance until its content (full or partial) has been handed to the chat.

package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/agent"
	"github.com/nekobridge/nekobridge/internal/message"
)

// ErrBusy rejects a prompt for a chat whose previous turn has not
// reached a terminal state yet.
var ErrBusy = errors.New("prompt: turn already running for chat")

// Agent is the slice of the agent connection the runner needs.
type Agent interface {
	EnsureReady(ctx context.Context) error
	SendPrompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (stopReason string, err error)
	Cancel(sessionID string)
}

// Sessions maps chats to agent sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, chatID string) (string, error)
	Drop(ctx context.Context, chatID string)
}

// Turns buffers streamed content per session.
type Turns interface {
	Start(sessionID string)
	Drain(sessionID string) []message.Part
	TakeAll(sessionID string) []message.Part
}

// Permissions cancels a chat's pending approval on turn cancellation.
type Permissions interface {
	CancelPending(chatID string)
}

// Sender delivers replies back to the chat.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendParts(ctx context.Context, chatID string, parts []message.Part) error
}

// Options holds the runner's timing knobs. A zero duration disables the
// corresponding notification.
type Options struct {
	ThinkingNotify     time.Duration
	ThinkingLongNotify time.Duration
}

// runningTurn tracks one chat's in-flight turn.
type runningTurn struct {
	cancel    context.CancelFunc
	sessionID string
}

// Runner drives turns. One turn per chat at a time; different chats run
// independently.
type Runner struct {
	agent    Agent
	sessions Sessions
	turns    Turns
	perms    Permissions
	send     Sender
	builder  *Builder
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*runningTurn
}

// NewRunner wires a runner.
func NewRunner(a Agent, sessions Sessions, turns Turns, perms Permissions, send Sender, builder *Builder, opts Options, logger *slog.Logger) *Runner {
	return &Runner{
		agent:    a,
		sessions: sessions,
		turns:    turns,
		perms:    perms,
		send:     send,
		builder:  builder,
		opts:     opts,
		logger:   logger.With("component", "runner"),
		active:   make(map[string]*runningTurn),
	}
}

// IsBusy reports whether the chat has a running turn.
func (r *Runner) IsBusy(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chatID]
	return ok
}

// Process runs one turn for the chat and delivers its outcome. All
// failure modes are reported to the chat here; the returned error is
// ErrBusy or nil.
func (r *Runner) Process(ctx context.Context, chatID string, msg message.Incoming) error {
	turnCtx, cancel := context.WithCancel(ctx)
	turn := &runningTurn{cancel: cancel}

	r.mu.Lock()
	if _, exists := r.active[chatID]; exists {
		r.mu.Unlock()
		cancel()
		return ErrBusy
	}
	r.active[chatID] = turn
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, chatID)
		r.mu.Unlock()
	}()

	if err := r.agent.EnsureReady(turnCtx); err != nil {
		r.logger.Warn("agent not ready", "chat_id", chatID, "error", err)
		r.reply(chatID, "Agent 暂时不可用，请稍后重试。")
		return nil
	}

	sessionID, err := r.sessions.GetOrCreate(turnCtx, chatID)
	if err != nil {
		r.logger.Warn("session creation failed", "chat_id", chatID, "error", err)
		r.reply(chatID, "Agent 暂时不可用，请稍后重试。")
		return nil
	}

	r.mu.Lock()
	turn.sessionID = sessionID
	r.mu.Unlock()

	r.turns.Start(sessionID)
	defer r.armTimers(chatID)()

	blocks := r.builder.Build(turnCtx, msg)
	stopReason, err := r.agent.SendPrompt(turnCtx, sessionID, blocks)

	switch {
	case err == nil && stopReason != acp.StopCancelled:
		parts := r.turns.TakeAll(sessionID)
		if len(parts) == 0 {
			r.reply(chatID, "AI 未返回有效回复。")
			return nil
		}
		r.deliver(chatID, parts)
		r.logger.Info("turn completed", "chat_id", chatID, "stop_reason", stopReason, "parts", len(parts))
		return nil

	case err == nil || errors.Is(err, agent.ErrCancelled):
		// Cancelled locally or by the agent. Partial content still goes
		// out; the stop command's own acknowledgement is the only notice.
		if parts := r.turns.TakeAll(sessionID); len(parts) > 0 {
			r.deliver(chatID, parts)
		}
		r.logger.Info("turn cancelled", "chat_id", chatID)
		return nil

	default:
		parts := r.turns.Drain(sessionID)
		if len(parts) > 0 {
			r.deliver(chatID, parts)
		}
		r.reply(chatID, fmt.Sprintf("Agent 异常：%v\n当前会话已关闭，下次对话将自动开启新会话。", err))
		// A permission left pending by the dead turn would otherwise sit
		// until its timeout, eating numeric replies.
		r.perms.CancelPending(chatID)
		r.sessions.Drop(context.WithoutCancel(turnCtx), chatID)
		r.logger.Error("turn failed", "chat_id", chatID, "session_id", sessionID, "error", err)
		return nil
	}
}

// Cancel aborts the chat's running turn: the pending permission is
// denied, the agent is told to stop, and the prompt call unblocks. It
// reports whether there was a turn to cancel.
func (r *Runner) Cancel(chatID string) bool {
	r.mu.Lock()
	turn, ok := r.active[chatID]
	sessionID := ""
	if ok {
		sessionID = turn.sessionID
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.perms.CancelPending(chatID)
	if sessionID != "" {
		r.agent.Cancel(sessionID)
	}
	turn.cancel()
	r.logger.Info("turn cancel requested", "chat_id", chatID)
	return true
}

// armTimers schedules the thinking notifications and returns their
// disarm func. Single-shot relative to turn start; streamed fragments do
// not reset them.
func (r *Runner) armTimers(chatID string) func() {
	var timers []*time.Timer
	if r.opts.ThinkingNotify > 0 {
		timers = append(timers, time.AfterFunc(r.opts.ThinkingNotify, func() {
			r.reply(chatID, "消息已收到，AI 正在思考中，请稍候...")
		}))
	}
	if r.opts.ThinkingLongNotify > 0 {
		timers = append(timers, time.AfterFunc(r.opts.ThinkingLongNotify, func() {
			r.reply(chatID, "AI 思考时间较长，你可以发送 /stop 中断当前思考。")
		}))
	}
	return func() {
		for _, t := range timers {
			t.Stop()
		}
	}
}

func (r *Runner) reply(chatID, text string) {
	if err := r.send.SendText(context.Background(), chatID, text); err != nil {
		r.logger.Warn("sending notice failed", "chat_id", chatID, "error", err)
	}
}

func (r *Runner) deliver(chatID string, parts []message.Part) {
	if err := r.send.SendParts(context.Background(), chatID, parts); err != nil {
		r.logger.Warn("delivering turn content failed", "chat_id", chatID, "parts", len(parts), "error", err)
	}
}
