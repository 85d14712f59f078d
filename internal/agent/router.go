// ABOUTME: Routes agent-initiated traffic to the right chat: streamed chunks into turn buffers,
// ABOUTME: permission requests through the reverse session lookup into the approval broker.

package agent

import (
	"context"
	"log/slog"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/message"
)

// ChatResolver reverse-maps a session id to its owning chat.
type ChatResolver interface {
	ChatFor(sessionID string) (chatID string, ok bool)
}

// TurnSink collects streamed content for a session's running turn.
type TurnSink interface {
	Append(sessionID string, part message.Part)
}

// Approver runs the interactive permission round-trip for a chat.
type Approver interface {
	RequestApproval(ctx context.Context, chatID, sessionID string, call acp.ToolCall, options []acp.PermissionOption) (acp.RequestPermissionResult, error)
}

// Router implements acp.Handler on top of the registry, the turn
// accumulator and the permission broker.
type Router struct {
	chats    ChatResolver
	turns    TurnSink
	approver Approver
	logger   *slog.Logger
}

// NewRouter wires a router. All collaborators are required.
func NewRouter(chats ChatResolver, turns TurnSink, approver Approver, logger *slog.Logger) *Router {
	return &Router{
		chats:    chats,
		turns:    turns,
		approver: approver,
		logger:   logger.With("component", "router"),
	}
}

// SessionUpdate buffers agent_message_chunk content for the session's
// turn. Other update kinds carry no user-visible output and are dropped.
func (r *Router) SessionUpdate(n acp.SessionNotification) {
	if n.Update.SessionUpdate != acp.UpdateAgentMessageChunk {
		r.logger.Debug("ignoring session update", "kind", n.Update.SessionUpdate, "session_id", n.SessionID)
		return
	}

	switch n.Update.Content.Type {
	case acp.BlockText:
		r.turns.Append(n.SessionID, message.TextPart(n.Update.Content.Text))
	case acp.BlockImage:
		r.turns.Append(n.SessionID, message.ImagePart(n.Update.Content.Data, n.Update.Content.MimeType))
	default:
		r.logger.Warn("dropping unsupported content block", "type", n.Update.Content.Type, "session_id", n.SessionID)
	}
}

// RequestPermission resolves the requesting session to its chat and runs
// the approval round-trip there. Requests for unknown sessions and
// contract violations from the broker are answered with a deny rather
// than an RPC error, so the agent always gets a usable outcome.
func (r *Router) RequestPermission(ctx context.Context, p acp.RequestPermissionParams) (acp.RequestPermissionResult, error) {
	chatID, ok := r.chats.ChatFor(p.SessionID)
	if !ok {
		r.logger.Warn("permission request for unknown session", "session_id", p.SessionID)
		return acp.CancelledOutcome(), nil
	}

	result, err := r.approver.RequestApproval(ctx, chatID, p.SessionID, p.ToolCall, p.Options)
	if err != nil {
		r.logger.Warn("permission request denied", "chat_id", chatID, "error", err)
		return result, nil
	}
	return result, nil
}
