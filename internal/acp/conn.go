// ABOUTME: JSON-RPC 2.0 connection to the agent over newline-delimited JSON on a byte stream.
// ABOUTME: Correlates requests with responses by id and routes inbound requests and notifications to a Handler.

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrConnClosed indicates the connection is no longer usable; outstanding
// and subsequent calls fail with it (possibly wrapped with the cause).
var ErrConnClosed = errors.New("acp: connection closed")

// JSON-RPC error codes used on the wire.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Maximum length of a single JSON-RPC line. Streamed chunks are small,
// but prompt payloads with base64 images can be large.
const maxLineBytes = 16 * 1024 * 1024

// Handler receives agent-initiated traffic: streamed session updates and
// interactive permission requests. RequestPermission blocks until a
// decision exists; its result is written back as the RPC response.
type Handler interface {
	SessionUpdate(n SessionNotification)
	RequestPermission(ctx context.Context, p RequestPermissionParams) (RequestPermissionResult, error)
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("acp: rpc error %d: %s", e.Code, e.Message)
}

// envelope is the wire form of every JSON-RPC message, incoming and
// outgoing. Which fields are set determines the message class.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Conn is a bidirectional JSON-RPC connection to the agent. One reader
// goroutine owns the inbound stream; writes are serialized by a mutex.
type Conn struct {
	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[string]chan *envelope
	closed  bool
	cause   error

	handler Handler
	onClose func(error)
	logger  *slog.Logger

	done chan struct{}
}

// NewConn starts a connection over the given streams. onClose fires once
// when the read loop exits (EOF, decode failure, or Close); its error is
// nil on clean shutdown.
func NewConn(r io.Reader, w io.Writer, handler Handler, onClose func(error), logger *slog.Logger) *Conn {
	c := &Conn{
		w:       w,
		pending: make(map[string]chan *envelope),
		handler: handler,
		onClose: onClose,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends a request and blocks until the response arrives, the
// context is cancelled, or the connection dies.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := uuid.New().String()
	ch := make(chan *envelope, 1)

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return closedErr(cause)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(requestEnvelope(id, method, params)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case env, ok := <-ch:
		if !ok {
			c.mu.Lock()
			cause := c.cause
			c.mu.Unlock()
			return closedErr(cause)
		}
		if env.Error != nil {
			return env.Error
		}
		if result != nil {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("acp: decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	return c.write(requestEnvelope("", method, params))
}

// Close tears the connection down. Pending calls fail with ErrConnClosed.
// Safe to call multiple times.
func (c *Conn) Close() {
	c.fail(nil)
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("discarding undecodable agent line", "error", err, "bytes", len(line))
			continue
		}
		c.dispatch(&env)
	}

	err := scanner.Err()
	if err != nil {
		err = fmt.Errorf("acp: reading agent stream: %w", err)
	}
	c.fail(err)
}

// dispatch routes one inbound message: a response to a pending call, a
// request from the agent, or a notification.
func (c *Conn) dispatch(env *envelope) {
	switch {
	case env.Method == "" && env.ID != nil:
		c.resolvePending(env)
	case env.ID != nil:
		// Agent-initiated request; handled off the read loop so a
		// blocking permission dialog cannot stall streamed updates.
		go c.handleRequest(env)
	default:
		c.handleNotification(env)
	}
}

func (c *Conn) resolvePending(env *envelope) {
	var id string
	if err := json.Unmarshal(*env.ID, &id); err != nil {
		c.logger.Warn("response with non-string id", "id", string(*env.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", "id", id)
		return
	}
	ch <- env
}

func (c *Conn) handleRequest(env *envelope) {
	switch env.Method {
	case "session/request_permission":
		var params RequestPermissionParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			c.respondError(env.ID, codeInternalError, fmt.Sprintf("bad request_permission params: %v", err))
			return
		}
		result, err := c.handler.RequestPermission(context.Background(), params)
		if err != nil {
			c.respondError(env.ID, codeInternalError, err.Error())
			return
		}
		c.respondResult(env.ID, result)
	default:
		// fs/* and terminal/* are declined in the handshake; reject
		// anything the agent sends anyway.
		c.respondError(env.ID, codeMethodNotFound, fmt.Sprintf("method not supported: %s", env.Method))
	}
}

func (c *Conn) handleNotification(env *envelope) {
	switch env.Method {
	case "session/update":
		var n SessionNotification
		if err := json.Unmarshal(env.Params, &n); err != nil {
			c.logger.Warn("bad session/update params", "error", err)
			return
		}
		c.handler.SessionUpdate(n)
	default:
		c.logger.Debug("ignoring agent notification", "method", env.Method)
	}
}

func (c *Conn) respondResult(id *json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(id, codeInternalError, err.Error())
		return
	}
	if err := c.write(&envelope{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		c.logger.Warn("writing rpc response failed", "error", err)
	}
}

func (c *Conn) respondError(id *json.RawMessage, code int, msg string) {
	env := &envelope{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
	if err := c.write(env); err != nil {
		c.logger.Warn("writing rpc error response failed", "error", err)
	}
}

func (c *Conn) write(env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("acp: encoding %s: %w", env.Method, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("acp: writing to agent: %w", err)
	}
	return nil
}

// fail marks the connection closed, unblocks every pending call, and
// fires the onClose hook exactly once.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	close(c.done)
	if c.onClose != nil {
		c.onClose(cause)
	}
}

func requestEnvelope(id, method string, params any) *envelope {
	env := &envelope{JSONRPC: "2.0", Method: method}
	if id != "" {
		raw, _ := json.Marshal(id)
		msg := json.RawMessage(raw)
		env.ID = &msg
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err == nil {
			env.Params = raw
		}
	}
	return env
}

func closedErr(cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, cause)
	}
	return ErrConnClosed
}
