// ABOUTME: Tests for the agent traffic router: chunk buffering and permission routing by session.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/message"
)

type recordingSink struct {
	mu    sync.Mutex
	parts map[string][]message.Part
}

func (s *recordingSink) Append(sessionID string, part message.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parts == nil {
		s.parts = make(map[string][]message.Part)
	}
	s.parts[sessionID] = append(s.parts[sessionID], part)
}

type staticChats map[string]string

func (s staticChats) ChatFor(sessionID string) (string, bool) {
	chatID, ok := s[sessionID]
	return chatID, ok
}

type recordingApprover struct {
	chatID string
	result acp.RequestPermissionResult
	err    error
}

func (a *recordingApprover) RequestApproval(_ context.Context, chatID, _ string, _ acp.ToolCall, _ []acp.PermissionOption) (acp.RequestPermissionResult, error) {
	a.chatID = chatID
	return a.result, a.err
}

func TestSessionUpdateBuffersMessageChunks(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(staticChats{}, sink, &recordingApprover{}, slog.Default())

	r.SessionUpdate(acp.SessionNotification{
		SessionID: "s1",
		Update:    acp.SessionUpdate{SessionUpdate: acp.UpdateAgentMessageChunk, Content: acp.TextBlock("hello")},
	})
	r.SessionUpdate(acp.SessionNotification{
		SessionID: "s1",
		Update:    acp.SessionUpdate{SessionUpdate: acp.UpdateAgentMessageChunk, Content: acp.ImageBlock("aGk=", "image/png")},
	})
	// Thought chunks carry no user-visible output.
	r.SessionUpdate(acp.SessionNotification{
		SessionID: "s1",
		Update:    acp.SessionUpdate{SessionUpdate: acp.UpdateAgentThoughtChunk, Content: acp.TextBlock("mull")},
	})

	require.Len(t, sink.parts["s1"], 2)
	assert.Equal(t, "hello", sink.parts["s1"][0].Text)
	assert.Equal(t, message.PartImage, sink.parts["s1"][1].Kind)
}

func TestRequestPermissionRoutesToOwningChat(t *testing.T) {
	approver := &recordingApprover{result: acp.SelectedOutcome("opt-1")}
	r := NewRouter(staticChats{"s1": "private:7"}, &recordingSink{}, approver, slog.Default())

	res, err := r.RequestPermission(context.Background(), acp.RequestPermissionParams{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "private:7", approver.chatID)
	assert.Equal(t, "opt-1", res.Outcome.OptionID)
}

func TestRequestPermissionUnknownSessionIsDenied(t *testing.T) {
	approver := &recordingApprover{}
	r := NewRouter(staticChats{}, &recordingSink{}, approver, slog.Default())

	res, err := r.RequestPermission(context.Background(), acp.RequestPermissionParams{SessionID: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, acp.OutcomeCancelled, res.Outcome.Outcome)
	assert.Empty(t, approver.chatID, "approver must not be consulted")
}
