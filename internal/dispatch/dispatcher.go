// ABOUTME: Top-level pipeline for inbound chat messages: filter, commands, permission replies, busy gate, turn.
// ABOUTME: Order is load-bearing; /stop must work while busy, permission replies must beat the busy check.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nekobridge/nekobridge/internal/command"
	"github.com/nekobridge/nekobridge/internal/message"
	"github.com/nekobridge/nekobridge/internal/prompt"
)

// Commands matches and executes slash commands.
type Commands interface {
	Dispatch(ctx context.Context, msg message.Incoming) (reply string, handled bool, err error)
}

// Permissions consumes chat replies that answer a pending approval.
type Permissions interface {
	HasPending(chatID string) bool
	Resolve(chatID, reply string) bool
}

// Runner accepts turns.
type Runner interface {
	IsBusy(chatID string) bool
	Process(ctx context.Context, chatID string, msg message.Incoming) error
}

// Replier sends a plain text reply to a chat.
type Replier interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Dispatcher routes one normalized inbound message through the pipeline.
type Dispatcher struct {
	commands Commands
	perms    Permissions
	runner   Runner
	replier  Replier
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(commands Commands, perms Permissions, runner Runner, replier Replier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		commands: commands,
		perms:    perms,
		runner:   runner,
		replier:  replier,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch runs the pipeline for one message. Messages the bridge should
// not act on are dropped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.Incoming) {
	if msg.Kind == message.ChatGroup && !msg.IsAtBot {
		return
	}
	if strings.TrimSpace(msg.Text) == "" && len(msg.Images) == 0 {
		return
	}

	// Raw-forward bypasses command parsing entirely.
	if body, ok := command.StripRawForward(msg.Text); ok {
		if body == "" {
			d.reply(ctx, msg.ChatID, "用法：/send <内容>")
			return
		}
		msg.Text = body
		d.runTurn(ctx, msg)
		return
	}

	reply, handled, err := d.commands.Dispatch(ctx, msg)
	if handled {
		if err != nil {
			d.logger.Error("command failed", "chat_id", msg.ChatID, "error", err)
			d.reply(ctx, msg.ChatID, "处理消息时发生内部错误，请稍后重试。")
			return
		}
		if reply != "" {
			d.reply(ctx, msg.ChatID, reply)
		}
		return
	}

	if d.perms.HasPending(msg.ChatID) && d.perms.Resolve(msg.ChatID, msg.Text) {
		return
	}

	if d.runner.IsBusy(msg.ChatID) {
		d.reply(ctx, msg.ChatID, "AI 正在思考中，请等待或使用 /stop 中断。")
		return
	}

	d.runTurn(ctx, msg)
}

func (d *Dispatcher) runTurn(ctx context.Context, msg message.Incoming) {
	if err := d.runner.Process(ctx, msg.ChatID, msg); err != nil {
		if errors.Is(err, prompt.ErrBusy) {
			d.reply(ctx, msg.ChatID, "AI 正在思考中，请等待或使用 /stop 中断。")
			return
		}
		d.logger.Error("turn processing failed", "chat_id", msg.ChatID, "error", err)
		d.reply(ctx, msg.ChatID, "处理消息时发生内部错误，请稍后重试。")
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID, text string) {
	if err := d.replier.SendText(ctx, chatID, text); err != nil {
		d.logger.Warn("sending reply failed", "chat_id", chatID, "error", err)
	}
}
