// ABOUTME: Reverse WebSocket server for the NapCat gateway: event intake, dedupe, echo-correlated actions.
// ABOUTME: One gateway connection at a time; a disconnect drops all sessions via the installed hook.

package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nekobridge/nekobridge/internal/dedupe"
	"github.com/nekobridge/nekobridge/internal/message"
)

// ErrGatewayDisconnected means no gateway connection is available to
// carry an outbound action.
var ErrGatewayDisconnected = errors.New("onebot: gateway not connected")

// actionTimeout bounds the wait for a gateway action response.
const actionTimeout = 10 * time.Second

// maxEventBytes bounds one inbound WebSocket frame.
const maxEventBytes = 4 * 1024 * 1024

// Dispatcher receives normalized inbound messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Incoming)
}

// Server accepts the gateway's reverse WebSocket connection and speaks
// OneBot 11 on it.
type Server struct {
	addr         string
	dispatcher   Dispatcher
	seen         *dedupe.Cache
	onDisconnect func()
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan actionResponse

	baseCtx context.Context
}

// NewServer creates a server. onDisconnect fires each time the active
// gateway connection is lost; it may be nil.
func NewServer(addr string, dispatcher Dispatcher, seen *dedupe.Cache, onDisconnect func(), logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		dispatcher:   dispatcher,
		seen:         seen,
		onDisconnect: onDisconnect,
		logger:       logger.With("component", "onebot"),
		pending:      make(map[string]chan actionResponse),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening for gateway", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("onebot: serving: %w", err)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxEventBytes)

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		s.logger.Warn("replacing existing gateway connection", "remote", r.RemoteAddr)
		old.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	s.logger.Info("gateway connected", "remote", r.RemoteAddr)

	s.readLoop(r.Context(), conn)

	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
		for echo, ch := range s.pending {
			close(ch)
			delete(s.pending, echo)
		}
	}
	s.mu.Unlock()

	if current {
		s.logger.Info("gateway disconnected", "remote", r.RemoteAddr)
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame routes one inbound frame: an action response (has echo) or
// an event.
func (s *Server) handleFrame(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Warn("discarding undecodable gateway frame", "error", err, "bytes", len(data))
		return
	}

	if probe.Echo != "" {
		var resp actionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.Warn("bad action response", "error", err)
			return
		}
		s.resolveEcho(resp)
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("bad event", "error", err)
		return
	}
	s.handleEvent(ev)
}

func (s *Server) handleEvent(ev Event) {
	switch ev.PostType {
	case PostMetaEvent:
		s.logger.Debug("meta event", "type", ev.MetaEventType)
	case PostMessage:
		msg, ok := ToIncoming(ev)
		if !ok {
			return
		}
		if s.seen != nil && s.seen.Seen(msg.ChatID, msg.MessageID) {
			s.logger.Debug("dropping redelivered message", "chat_id", msg.ChatID, "message_id", msg.MessageID)
			return
		}
		// Each message runs independently; a blocked chat must not
		// stall the read loop.
		go s.dispatcher.Dispatch(s.baseCtx, msg)
	default:
		s.logger.Debug("ignoring event", "post_type", ev.PostType)
	}
}

func (s *Server) resolveEcho(resp actionResponse) {
	s.mu.Lock()
	ch, ok := s.pending[resp.Echo]
	if ok {
		delete(s.pending, resp.Echo)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown action", "echo", resp.Echo)
		return
	}
	ch <- resp
}

// SendText sends a plain text reply.
func (s *Server) SendText(ctx context.Context, chatID, text string) error {
	return s.SendParts(ctx, chatID, []message.Part{message.TextPart(text)})
}

// SendParts sends turn content as one message.
func (s *Server) SendParts(ctx context.Context, chatID string, parts []message.Part) error {
	kind, id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}

	segments := ToSegments(parts)
	if len(segments) == 0 {
		return nil
	}

	action := "send_private_msg"
	params := sendMessageParams{UserID: id, Message: segments}
	if kind == "group" {
		action = "send_group_msg"
		params = sendMessageParams{GroupID: id, Message: segments}
	}
	return s.call(ctx, action, params)
}

// call performs one echo-correlated action round-trip.
func (s *Server) call(ctx context.Context, action string, params any) error {
	echo := uuid.New().String()
	ch := make(chan actionResponse, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrGatewayDisconnected
	}
	s.pending[echo] = ch
	s.mu.Unlock()

	clear := func() {
		s.mu.Lock()
		delete(s.pending, echo)
		s.mu.Unlock()
	}

	req := actionRequest{Action: action, Params: params, Echo: echo}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		clear()
		return fmt.Errorf("onebot: sending %s: %w", action, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrGatewayDisconnected
		}
		if resp.Retcode != 0 {
			return fmt.Errorf("onebot: %s failed: status %s retcode %d", action, resp.Status, resp.Retcode)
		}
		return nil
	case <-time.After(actionTimeout):
		clear()
		return fmt.Errorf("onebot: %s: no response within %s", action, actionTimeout)
	case <-ctx.Done():
		clear()
		return ctx.Err()
	}
}
