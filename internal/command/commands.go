// ABOUTME: The built-in commands: /new, /stop, /help. /send is recognized upstream as raw-forward.

package command

import (
	"context"
	"fmt"

	"github.com/nekobridge/nekobridge/internal/message"
)

// Canceller aborts a chat's running turn. Implemented by the turn runner.
type Canceller interface {
	Cancel(chatID string) bool
}

// SessionControl is the slice of the session registry commands touch.
type SessionControl interface {
	Drop(ctx context.Context, chatID string)
	SetPendingWorkingDir(chatID, dir string)
}

// RegisterBuiltins installs the standard command set.
func RegisterBuiltins(r *Registry, sessions SessionControl, canceller Canceller) error {
	specs := []Spec{
		{
			Name:        "new",
			Pattern:     `^/new(?:\s+(?P<dir>\S+))?$`,
			Usage:       "/new [目录]",
			Description: "开启新会话，可选指定工作目录",
			Handler: func(ctx context.Context, msg message.Incoming, args map[string]string) (string, error) {
				sessions.Drop(ctx, msg.ChatID)
				if dir := args["dir"]; dir != "" {
					sessions.SetPendingWorkingDir(msg.ChatID, dir)
					return fmt.Sprintf("已创建新会话，工作目录设为 %s，AI 上下文已清空。", dir), nil
				}
				return "已创建新会话，AI 上下文已清空。", nil
			},
		},
		{
			Name:        "stop",
			Pattern:     `^/stop$`,
			Usage:       "/stop",
			Description: "中断当前 AI 思考",
			Handler: func(ctx context.Context, msg message.Incoming, args map[string]string) (string, error) {
				if canceller.Cancel(msg.ChatID) {
					return "已中断当前 AI 思考。", nil
				}
				return "当前没有进行中的 AI 思考。", nil
			},
		},
		{
			Name:        "help",
			Pattern:     `^/help$`,
			Usage:       "/help",
			Description: "显示指令列表",
			Handler: func(ctx context.Context, msg message.Incoming, args map[string]string) (string, error) {
				return r.Help() + "\n/send <内容> - 原样发送给 AI（跳过指令解析）", nil
			},
		},
	}

	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
