// ABOUTME: Tests for the turn runner: busy gating, outcome delivery, partial-content-on-failure, cancellation.

package prompt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/agent"
	"github.com/nekobridge/nekobridge/internal/message"
)

// fakeAgent scripts the agent connection surface the runner uses.
type fakeAgent struct {
	mu         sync.Mutex
	readyErr   error
	stopReason string
	promptErr  error
	block      chan struct{} // when set, SendPrompt waits for ctx or close
	cancelled  []string
	image      bool
}

func (f *fakeAgent) EnsureReady(context.Context) error { return f.readyErr }
func (f *fakeAgent) SupportsImage() bool               { return f.image }

func (f *fakeAgent) SendPrompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (string, error) {
	if f.block != nil {
		select {
		case <-ctx.Done():
			return "", agent.ErrCancelled
		case <-f.block:
		}
	}
	return f.stopReason, f.promptErr
}

func (f *fakeAgent) Cancel(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

func (f *fakeAgent) cancelledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

// fakeSessions hands out one fixed session id.
type fakeSessions struct {
	mu      sync.Mutex
	err     error
	dropped []string
}

func (f *fakeSessions) GetOrCreate(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "sess-1", nil
}

func (f *fakeSessions) Drop(_ context.Context, chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, chatID)
}

// fakeTurns holds a fixed buffer and records clears.
type fakeTurns struct {
	mu      sync.Mutex
	parts   []message.Part
	started []string
	taken   bool
}

func (f *fakeTurns) Start(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
}

func (f *fakeTurns) Drain(string) []message.Part { return f.parts }

func (f *fakeTurns) TakeAll(string) []message.Part {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taken = true
	return f.parts
}

type fakePerms struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakePerms) CancelPending(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, chatID)
}

// fakeSender records texts and part deliveries in arrival order.
type fakeSender struct {
	mu     sync.Mutex
	events []string // "text:..." or "parts:N"
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "text:"+text)
	return nil
}

func (f *fakeSender) SendParts(_ context.Context, _ string, parts []message.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "parts")
	return nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

type runnerFixture struct {
	runner   *Runner
	agent    *fakeAgent
	sessions *fakeSessions
	turns    *fakeTurns
	perms    *fakePerms
	sender   *fakeSender
	builder  *Builder
}

func newFixture(opts Options) *runnerFixture {
	f := &runnerFixture{
		agent:    &fakeAgent{stopReason: acp.StopEndTurn},
		sessions: &fakeSessions{},
		turns:    &fakeTurns{},
		perms:    &fakePerms{},
		sender:   &fakeSender{},
	}
	f.builder = NewBuilder(nil, f.agent, slog.Default())
	f.runner = NewRunner(f.agent, f.sessions, f.turns, f.perms, f.sender, f.builder, opts, slog.Default())
	return f
}

func testMsg() message.Incoming {
	return message.Incoming{ChatID: "private:1", Kind: message.ChatPrivate, Text: "hi", SenderName: "u", SenderID: 1}
}

func TestProcessDeliversCompletedTurn(t *testing.T) {
	f := newFixture(Options{})
	f.turns.parts = []message.Part{message.TextPart("answer")}

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))

	assert.Equal(t, []string{"sess-1"}, f.turns.started)
	assert.True(t, f.turns.taken, "completed turn must clear the buffer")
	assert.Equal(t, []string{"parts"}, f.sender.all())
	assert.False(t, f.runner.IsBusy("private:1"))
}

func TestProcessEmptyTurnGetsNotice(t *testing.T) {
	f := newFixture(Options{})

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))
	assert.Equal(t, []string{"text:AI 未返回有效回复。"}, f.sender.all())
}

func TestProcessRejectsConcurrentTurn(t *testing.T) {
	f := newFixture(Options{})
	f.agent.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.runner.Process(context.Background(), "private:1", testMsg())
	}()

	require.Eventually(t, func() bool { return f.runner.IsBusy("private:1") }, time.Second, time.Millisecond)

	err := f.runner.Process(context.Background(), "private:1", testMsg())
	require.ErrorIs(t, err, ErrBusy)

	close(f.agent.block)
	require.NoError(t, <-done)
	assert.False(t, f.runner.IsBusy("private:1"))
}

func TestChatsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(Options{})
	f.agent.block = make(chan struct{})

	go f.runner.Process(context.Background(), "private:1", testMsg())
	require.Eventually(t, func() bool { return f.runner.IsBusy("private:1") }, time.Second, time.Millisecond)

	assert.False(t, f.runner.IsBusy("private:2"), "other chats stay idle")
	close(f.agent.block)
}

func TestAgentUnavailableNoticedWithoutTurn(t *testing.T) {
	f := newFixture(Options{})
	f.agent.readyErr = agent.ErrAgentUnavailable

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))
	assert.Equal(t, []string{"text:Agent 暂时不可用，请稍后重试。"}, f.sender.all())
	assert.Empty(t, f.turns.started)
}

func TestFailureDeliversPartialThenNoticeAndDropsSession(t *testing.T) {
	f := newFixture(Options{})
	f.agent.promptErr = agent.ErrAgentDisconnected
	f.turns.parts = []message.Part{message.TextPart("partial")}

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))

	events := f.sender.all()
	require.Len(t, events, 2)
	assert.Equal(t, "parts", events[0], "partial content goes out first")
	assert.Contains(t, events[1], "Agent 异常")
	assert.Contains(t, events[1], "新会话")
	assert.Equal(t, []string{"private:1"}, f.sessions.dropped)
	assert.Equal(t, []string{"private:1"}, f.perms.cancelled,
		"a permission left pending by the dead turn is cancelled, not left to time out")
}

func TestFailureWithoutPartialSendsOnlyNotice(t *testing.T) {
	f := newFixture(Options{})
	f.agent.promptErr = errors.New("exploded")

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))

	events := f.sender.all()
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "Agent 异常")
}

func TestCancelUnblocksAndDeliversPartial(t *testing.T) {
	f := newFixture(Options{})
	f.agent.block = make(chan struct{})
	f.turns.parts = []message.Part{message.TextPart("so far")}

	done := make(chan error, 1)
	go func() {
		done <- f.runner.Process(context.Background(), "private:1", testMsg())
	}()
	require.Eventually(t, func() bool { return f.runner.IsBusy("private:1") }, time.Second, time.Millisecond)

	require.True(t, f.runner.Cancel("private:1"))
	require.NoError(t, <-done)

	assert.Equal(t, []string{"private:1"}, f.perms.cancelled)
	assert.Equal(t, []string{"sess-1"}, f.agent.cancelledSessions())
	assert.Equal(t, []string{"parts"}, f.sender.all(), "partial content still delivered, no failure notice")
	assert.Empty(t, f.sessions.dropped, "cancellation keeps the session")
}

func TestCancelWithoutRunningTurn(t *testing.T) {
	f := newFixture(Options{})
	assert.False(t, f.runner.Cancel("private:1"))
}

func TestAgentReportedCancellationTreatedAsCancelled(t *testing.T) {
	f := newFixture(Options{})
	f.agent.stopReason = acp.StopCancelled
	f.turns.parts = []message.Part{message.TextPart("so far")}

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))
	assert.Equal(t, []string{"parts"}, f.sender.all())
	assert.Empty(t, f.sessions.dropped)
}

func TestThinkingNotificationsFireWhileRunning(t *testing.T) {
	f := newFixture(Options{ThinkingNotify: 10 * time.Millisecond, ThinkingLongNotify: 20 * time.Millisecond})
	f.agent.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.runner.Process(context.Background(), "private:1", testMsg())
	}()

	require.Eventually(t, func() bool {
		events := f.sender.all()
		return len(events) >= 2
	}, time.Second, 5*time.Millisecond)

	events := f.sender.all()
	assert.Contains(t, events[0], "正在思考中")
	assert.Contains(t, events[1], "思考时间较长")

	close(f.agent.block)
	require.NoError(t, <-done)
}

func TestThinkingTimersDisarmedOnFastCompletion(t *testing.T) {
	f := newFixture(Options{ThinkingNotify: 30 * time.Millisecond})
	f.turns.parts = []message.Part{message.TextPart("quick")}

	require.NoError(t, f.runner.Process(context.Background(), "private:1", testMsg()))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"parts"}, f.sender.all(), "no thinking notice after the turn ended")
}
