// ABOUTME: Chat-to-conversation mapping with lazy session creation and pending working-directory overrides.
// ABOUTME: Creation is serialized per chat so concurrent messages never race into two sessions.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// Creator opens and discards sessions on the agent connection. Satisfied
// by *agent.Connection; tests substitute a fake.
type Creator interface {
	NewSession(ctx context.Context, workingDir string) (string, error)
	CloseSession(ctx context.Context, sessionID string)
}

// conversation is the per-chat state. Its own mutex serializes session
// creation for the chat without blocking other chats.
type conversation struct {
	mu         sync.Mutex
	sessionID  string
	pendingCwd string
}

// Registry owns the chatID -> agent session mapping. State lives only in
// process memory for the process lifetime.
type Registry struct {
	mu        sync.Mutex
	convs     map[string]*conversation
	bySession map[string]string // sessionID -> chatID
	creator   Creator
	baseDir   string
	logger    *slog.Logger

	// onDrop fires for each destroyed session id, letting the
	// permission cache and turn buffers for that session be cleared
	// without the registry depending on those packages.
	onDrop func(sessionID string)
}

// NewRegistry creates a registry. baseDir is the agent's default working
// directory; pending overrides are resolved beneath it.
func NewRegistry(creator Creator, baseDir string, onDrop func(sessionID string), logger *slog.Logger) *Registry {
	return &Registry{
		convs:     make(map[string]*conversation),
		bySession: make(map[string]string),
		creator:   creator,
		baseDir:   baseDir,
		onDrop:    onDrop,
		logger:    logger,
	}
}

// GetOrCreate returns the chat's session id, creating a session on the
// agent if none exists. A pending working-directory override is consumed
// exactly once, by the creation it applies to.
func (r *Registry) GetOrCreate(ctx context.Context, chatID string) (string, error) {
	conv := r.conv(chatID)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.sessionID != "" {
		return conv.sessionID, nil
	}

	dir := r.baseDir
	if conv.pendingCwd != "" {
		dir = filepath.Join(r.baseDir, filepath.Clean("/"+conv.pendingCwd))
		conv.pendingCwd = ""
	}

	sessionID, err := r.creator.NewSession(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("creating session for %s: %w", chatID, err)
	}
	conv.sessionID = sessionID

	r.mu.Lock()
	r.bySession[sessionID] = chatID
	r.mu.Unlock()

	r.logger.Info("created agent session", "chat_id", chatID, "session_id", sessionID, "cwd", dir)
	return sessionID, nil
}

// SetPendingWorkingDir stores a one-shot working-directory override for
// the next session creation. It has no effect while a session exists;
// callers must Drop first.
func (r *Registry) SetPendingWorkingDir(chatID, dir string) {
	conv := r.conv(chatID)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.sessionID != "" {
		r.logger.Warn("ignoring working-dir override while session exists", "chat_id", chatID)
		return
	}
	conv.pendingCwd = dir
}

// Lookup returns the existing session id for a chat, if any.
func (r *Registry) Lookup(chatID string) (string, bool) {
	r.mu.Lock()
	conv, ok := r.convs[chatID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.sessionID, conv.sessionID != ""
}

// ChatFor reverse-maps an agent session id to its owning chat. Used to
// route agent-initiated permission requests. Reads only the registry's
// own map so it never waits on a chat's in-flight session creation.
func (r *Registry) ChatFor(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.bySession[sessionID]
	return chatID, ok
}

// Drop removes the chat's mapping. The agent is told best-effort; the
// session is gone from the bridge's perspective regardless.
func (r *Registry) Drop(ctx context.Context, chatID string) {
	r.mu.Lock()
	conv, ok := r.convs[chatID]
	if ok {
		delete(r.convs, chatID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	conv.mu.Lock()
	sessionID := conv.sessionID
	conv.sessionID = ""
	conv.mu.Unlock()

	if sessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.bySession, sessionID)
	r.mu.Unlock()
	r.creator.CloseSession(ctx, sessionID)
	if r.onDrop != nil {
		r.onDrop(sessionID)
	}
	r.logger.Info("dropped session", "chat_id", chatID, "session_id", sessionID)
}

// DropAll destroys every conversation. Used on transport disconnect.
func (r *Registry) DropAll(ctx context.Context) {
	r.mu.Lock()
	chatIDs := make([]string, 0, len(r.convs))
	for chatID := range r.convs {
		chatIDs = append(chatIDs, chatID)
	}
	r.mu.Unlock()

	for _, chatID := range chatIDs {
		r.Drop(ctx, chatID)
	}
	r.logger.Info("all sessions dropped", "count", len(chatIDs))
}

// conv returns the conversation entry for a chat, creating it if absent.
func (r *Registry) conv(chatID string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[chatID]
	if !ok {
		conv = &conversation{}
		r.convs[chatID] = conv
	}
	return conv
}
