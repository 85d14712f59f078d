// ABOUTME: Tests for the JSON-RPC connection: correlation, inbound routing, and failure propagation.
// ABOUTME: Uses in-memory pipes with a scripted fake agent on the far end.

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler records session updates and answers permission requests
// with a fixed outcome.
type fakeHandler struct {
	mu      sync.Mutex
	updates []SessionNotification
	answer  RequestPermissionResult
}

func (h *fakeHandler) SessionUpdate(n SessionNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, n)
}

func (h *fakeHandler) RequestPermission(ctx context.Context, p RequestPermissionParams) (RequestPermissionResult, error) {
	return h.answer, nil
}

func (h *fakeHandler) recorded() []SessionNotification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionNotification, len(h.updates))
	copy(out, h.updates)
	return out
}

// testPeer is the far end of the connection: it reads lines the Conn
// writes and can inject lines for the Conn to read.
type testPeer struct {
	t        *testing.T
	fromConn *bufio.Scanner
	toConn   io.WriteCloser
}

func newTestConn(t *testing.T, h Handler, onClose func(error)) (*Conn, *testPeer) {
	t.Helper()
	agentIn, connOut := io.Pipe()   // conn writes -> peer reads
	connIn, agentOut := io.Pipe()   // peer writes -> conn reads
	conn := NewConn(connIn, connOut, h, onClose, slog.Default())
	t.Cleanup(conn.Close)
	return conn, &testPeer{t: t, fromConn: bufio.NewScanner(agentIn), toConn: agentOut}
}

// readEnvelope reads the next request the Conn sent.
func (p *testPeer) readEnvelope() envelope {
	p.t.Helper()
	require.True(p.t, p.fromConn.Scan(), "expected a line from conn")
	var env envelope
	require.NoError(p.t, json.Unmarshal(p.fromConn.Bytes(), &env))
	return env
}

// send injects a raw message into the Conn's read stream.
func (p *testPeer) send(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(p.t, err)
	_, err = p.toConn.Write(append(data, '\n'))
	require.NoError(p.t, err)
}

func (p *testPeer) respond(id *json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	require.NoError(p.t, err)
	p.send(&envelope{JSONRPC: "2.0", ID: id, Result: raw})
}

func TestCallCorrelatesResponseByID(t *testing.T) {
	conn, peer := newTestConn(t, &fakeHandler{}, nil)

	var result NewSessionResult
	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "session/new", NewSessionParams{Cwd: "/tmp"}, &result)
	}()

	env := peer.readEnvelope()
	assert.Equal(t, "session/new", env.Method)
	require.NotNil(t, env.ID)

	peer.respond(env.ID, NewSessionResult{SessionID: "sess-1"})

	require.NoError(t, <-done)
	assert.Equal(t, "sess-1", result.SessionID)
}

func TestCallReturnsRPCError(t *testing.T) {
	conn, peer := newTestConn(t, &fakeHandler{}, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "session/prompt", PromptParams{SessionID: "s"}, nil)
	}()

	env := peer.readEnvelope()
	peer.send(&envelope{JSONRPC: "2.0", ID: env.ID, Error: &RPCError{Code: -32000, Message: "boom"}})

	err := <-done
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestCallCancelledByContext(t *testing.T) {
	conn, peer := newTestConn(t, &fakeHandler{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Call(ctx, "session/prompt", PromptParams{SessionID: "s"}, nil)
	}()

	peer.readEnvelope() // request reached the wire
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionUpdateRoutedToHandler(t *testing.T) {
	h := &fakeHandler{}
	_, peer := newTestConn(t, h, nil)

	peer.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": SessionNotification{
			SessionID: "sess-1",
			Update:    SessionUpdate{SessionUpdate: UpdateAgentMessageChunk, Content: TextBlock("hi")},
		},
	})

	require.Eventually(t, func() bool {
		return len(h.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	got := h.recorded()[0]
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "hi", got.Update.Content.Text)
}

func TestInboundPermissionRequestAnswered(t *testing.T) {
	h := &fakeHandler{answer: SelectedOutcome("opt-1")}
	_, peer := newTestConn(t, h, nil)

	id := json.RawMessage(`"req-7"`)
	peer.send(&envelope{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "session/request_permission",
		Params:  mustMarshal(t, RequestPermissionParams{SessionID: "sess-1"}),
	})

	resp := peer.readEnvelope()
	require.NotNil(t, resp.ID)
	assert.Equal(t, `"req-7"`, string(*resp.ID))

	var result RequestPermissionResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, OutcomeSelected, result.Outcome.Outcome)
	assert.Equal(t, "opt-1", result.Outcome.OptionID)
}

func TestUnknownInboundMethodRejected(t *testing.T) {
	_, peer := newTestConn(t, &fakeHandler{}, nil)

	id := json.RawMessage(`"req-9"`)
	peer.send(&envelope{JSONRPC: "2.0", ID: &id, Method: "fs/read_text_file", Params: json.RawMessage(`{}`)})

	resp := peer.readEnvelope()
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestStreamDeathFailsPendingCalls(t *testing.T) {
	var closeErr error
	closed := make(chan struct{})
	conn, peer := newTestConn(t, &fakeHandler{}, func(err error) {
		closeErr = err
		close(closed)
	})

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "session/prompt", PromptParams{SessionID: "s"}, nil)
	}()
	peer.readEnvelope()

	require.NoError(t, peer.toConn.Close()) // agent died

	require.ErrorIs(t, <-done, ErrConnClosed)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose never fired")
	}
	assert.NoError(t, closeErr) // EOF is a clean close, no scanner error
}

func TestCallAfterCloseFailsFast(t *testing.T) {
	conn, _ := newTestConn(t, &fakeHandler{}, nil)
	conn.Close()
	err := conn.Call(context.Background(), "session/prompt", nil, nil)
	require.ErrorIs(t, err, ErrConnClosed)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
