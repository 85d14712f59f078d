// ABOUTME: Brokers agent-initiated permission requests into chat round-trips with an "always" decision cache.
// ABOUTME: One pending approval per chat, resolved by a later reply, a /stop, or a timeout.

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nekobridge/nekobridge/internal/acp"
)

// ErrPermissionBusy indicates the agent issued a second concurrent
// permission request for a chat that already has one pending. The agent
// must not do this; the second request is denied immediately.
var ErrPermissionBusy = errors.New("permission: request already pending for chat")

// SendFunc delivers a text message to a chat. Injected by the transport.
type SendFunc func(ctx context.Context, chatID, text string) error

// decision is what resolves a pending request.
type decision struct {
	selected  acp.PermissionOption
	cancelled bool
}

// pendingRequest is the single-assignment wait slot for one chat.
type pendingRequest struct {
	options []acp.PermissionOption
	done    chan decision // buffered 1; exactly one writer wins
}

// Options configures a Broker.
type Options struct {
	// Timeout before an unanswered request auto-denies. Zero waits
	// indefinitely.
	Timeout time.Duration

	// RawInputMaxLen caps the displayed tool input, 0 for unlimited.
	RawInputMaxLen int

	// CacheUnknownKind controls whether requests without a tool kind
	// share the unknown-kind cache bucket. When false, such requests
	// are never auto-resolved and never cached.
	CacheUnknownKind bool
}

// Broker correlates one pending interactive approval per chat with its
// eventual reply and caches durable "always" decisions per session.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest                   // chatID -> wait slot
	always  map[string]map[string]acp.PermissionOption   // sessionID -> toolKind -> option

	send   SendFunc
	opts   Options
	logger *slog.Logger
}

// NewBroker creates a broker that presents options via send.
func NewBroker(send SendFunc, opts Options, logger *slog.Logger) *Broker {
	return &Broker{
		pending: make(map[string]*pendingRequest),
		always:  make(map[string]map[string]acp.PermissionOption),
		send:    send,
		opts:    opts,
		logger:  logger,
	}
}

// RequestApproval handles one permission request from the agent. The
// "always" cache is consulted first; on a miss the user is asked and the
// call suspends until a reply, a cancellation, or the timeout. The
// returned result is always valid to send to the agent; err is non-nil
// only for the concurrent-request contract violation.
func (b *Broker) RequestApproval(ctx context.Context, chatID, sessionID string, call acp.ToolCall, options []acp.PermissionOption) (acp.RequestPermissionResult, error) {
	cacheable := call.Kind != "" || b.opts.CacheUnknownKind

	b.mu.Lock()
	if cacheable {
		if cached, ok := b.always[sessionID][call.Kind]; ok {
			b.mu.Unlock()
			b.logger.Info("permission auto-resolved from always cache",
				"chat_id", chatID, "session_id", sessionID, "kind", call.Kind, "option", cached.Name)
			return acp.SelectedOutcome(cached.OptionID), nil
		}
	}
	if _, exists := b.pending[chatID]; exists {
		b.mu.Unlock()
		b.logger.Error("concurrent permission request for chat", "chat_id", chatID, "session_id", sessionID)
		return acp.CancelledOutcome(), ErrPermissionBusy
	}
	req := &pendingRequest{options: options, done: make(chan decision, 1)}
	b.pending[chatID] = req
	b.mu.Unlock()

	if err := b.send(ctx, chatID, b.formatRequest(call, options)); err != nil {
		b.logger.Warn("presenting permission request failed", "chat_id", chatID, "error", err)
	}

	var timeout <-chan time.Time
	if b.opts.Timeout > 0 {
		timer := time.NewTimer(b.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-req.done:
		b.clearPending(chatID, req)
		if d.cancelled {
			b.logger.Info("permission cancelled", "chat_id", chatID)
			return acp.CancelledOutcome(), nil
		}
		if cacheable && d.selected.IsAlways() {
			b.rememberAlways(sessionID, call.Kind, d.selected)
		}
		b.logger.Info("permission resolved", "chat_id", chatID, "option", d.selected.Name, "kind", d.selected.Kind)
		return acp.SelectedOutcome(d.selected.OptionID), nil

	case <-timeout:
		b.clearPending(chatID, req)
		b.logger.Info("permission request timed out", "chat_id", chatID)
		notice := fmt.Sprintf("权限请求已超时（%.0f秒），已自动取消。", b.opts.Timeout.Seconds())
		if err := b.send(ctx, chatID, notice); err != nil {
			b.logger.Warn("sending timeout notice failed", "chat_id", chatID, "error", err)
		}
		return acp.CancelledOutcome(), nil

	case <-ctx.Done():
		b.clearPending(chatID, req)
		return acp.CancelledOutcome(), nil
	}
}

// Resolve maps a user's reply to one of the pending options by 1-based
// index. It returns false, with no effect, when there is no pending
// request or the reply does not parse to a valid option; the caller then
// treats the message as a normal prompt.
func (b *Broker) Resolve(chatID, reply string) bool {
	b.mu.Lock()
	req, ok := b.pending[chatID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	index, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || index < 1 || index > len(req.options) {
		return false
	}

	select {
	case req.done <- decision{selected: req.options[index-1]}:
	default:
		// Already resolved by a racing cancel or timeout.
	}
	return true
}

// HasPending reports whether a permission request is awaiting a reply
// for the chat.
func (b *Broker) HasPending(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[chatID]
	return ok
}

// CancelPending denies the chat's pending request, unblocking the agent
// call. Used by /stop and by turn cancellation.
func (b *Broker) CancelPending(chatID string) {
	b.mu.Lock()
	req, ok := b.pending[chatID]
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case req.done <- decision{cancelled: true}:
	default:
	}
}

// ClearSession drops cached "always" decisions for a destroyed session.
func (b *Broker) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cached, ok := b.always[sessionID]; ok {
		delete(b.always, sessionID)
		b.logger.Info("cleared always decisions", "session_id", sessionID, "count", len(cached))
	}
}

func (b *Broker) rememberAlways(sessionID, kind string, opt acp.PermissionOption) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.always[sessionID]
	if !ok {
		bucket = make(map[string]acp.PermissionOption)
		b.always[sessionID] = bucket
	}
	bucket[kind] = opt
	b.logger.Info("cached always decision", "session_id", sessionID, "kind", kind, "option", opt.Name)
}

// clearPending removes the wait slot, but only if it still belongs to
// this request.
func (b *Broker) clearPending(chatID string, req *pendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[chatID] == req {
		delete(b.pending, chatID)
	}
}

// Hints shown next to each option kind.
var kindHints = map[string]string{
	acp.OptionAllowOnce:    "允许一次",
	acp.OptionAllowAlways:  "本会话始终允许同类操作",
	acp.OptionRejectOnce:   "拒绝一次",
	acp.OptionRejectAlways: "本会话始终拒绝同类操作",
}

// formatRequest renders a permission request as a chat message with a
// 1-based option list.
func (b *Broker) formatRequest(call acp.ToolCall, options []acp.PermissionOption) string {
	var sb strings.Builder

	title := call.Title
	if title == "" {
		title = "(unknown operation)"
	}
	sb.WriteString("Agent 请求执行操作：\n")
	if call.Kind != "" {
		fmt.Fprintf(&sb, "[%s] ", call.Kind)
	}
	sb.WriteString(title)

	if len(call.RawInput) > 0 {
		raw := string(call.RawInput)
		if b.opts.RawInputMaxLen > 0 {
			if runes := []rune(raw); len(runes) > b.opts.RawInputMaxLen {
				raw = string(runes[:b.opts.RawInputMaxLen]) + "...(已截断)"
			}
		}
		sb.WriteString("\n参数:\n")
		sb.WriteString(raw)
	}

	if b.opts.Timeout > 0 {
		fmt.Fprintf(&sb, "\n\n请回复编号选择（%.0f秒后自动取消）：", b.opts.Timeout.Seconds())
	} else {
		sb.WriteString("\n\n请回复编号选择：")
	}

	for i, opt := range options {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, opt.Name)
		if hint := kindHints[opt.Kind]; hint != "" {
			fmt.Fprintf(&sb, " (%s)", hint)
		}
	}
	return sb.String()
}
