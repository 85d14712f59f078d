// ABOUTME: Minimal fake agent for manual end-to-end testing, speaking the agent protocol on stdio.
// ABOUTME: Echoes prompts back as streamed chunks; -permission makes it request approval first.

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nekobridge/nekobridge/internal/acp"
)

var (
	askPermission = flag.Bool("permission", false, "request permission before answering")
	chunkDelay    = flag.Duration("delay", 100*time.Millisecond, "delay between streamed chunks")
)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type fakeAgent struct {
	writeMu sync.Mutex
	out     *bufio.Writer

	mu      sync.Mutex
	pending map[string]chan frame // our own outbound request ids
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stderr)

	a := &fakeAgent{
		out:     bufio.NewWriter(os.Stdout),
		pending: make(map[string]chan frame),
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}
		if f.Method == "" && f.ID != nil {
			a.resolve(f)
			continue
		}
		go a.handle(f)
	}
}

func (a *fakeAgent) handle(f frame) {
	switch f.Method {
	case "initialize":
		a.respond(f.ID, acp.InitializeResult{
			ProtocolVersion: acp.ProtocolVersion,
			AgentCapabilities: acp.AgentCapabilities{
				PromptCapabilities: acp.PromptCapabilities{Image: true},
			},
			AgentInfo: &acp.AgentInfo{Name: "fake-agent", Version: "dev"},
		})
	case "session/new":
		a.respond(f.ID, acp.NewSessionResult{SessionID: uuid.New().String()})
	case "session/prompt":
		a.handlePrompt(f)
	case "session/cancel":
		log.Printf("cancel received")
	default:
		log.Printf("ignoring method %s", f.Method)
	}
}

func (a *fakeAgent) handlePrompt(f frame) {
	var params acp.PromptParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		log.Printf("bad prompt params: %v", err)
		return
	}

	if *askPermission {
		result := a.requestPermission(params.SessionID)
		if result.Outcome.Outcome != acp.OutcomeSelected ||
			strings.HasPrefix(result.Outcome.OptionID, "reject") {
			a.respond(f.ID, acp.PromptResult{StopReason: acp.StopRefusal})
			return
		}
	}

	var text strings.Builder
	for _, block := range params.Prompt {
		if block.Type == acp.BlockText {
			text.WriteString(block.Text)
		}
	}

	reply := fmt.Sprintf("echo: %s", text.String())
	for _, chunk := range splitChunks(reply, 16) {
		a.notify("session/update", acp.SessionNotification{
			SessionID: params.SessionID,
			Update: acp.SessionUpdate{
				SessionUpdate: acp.UpdateAgentMessageChunk,
				Content:       acp.TextBlock(chunk),
			},
		})
		time.Sleep(*chunkDelay)
	}

	a.respond(f.ID, acp.PromptResult{StopReason: acp.StopEndTurn})
}

// requestPermission runs one approval round-trip and returns the client's answer.
func (a *fakeAgent) requestPermission(sessionID string) acp.RequestPermissionResult {
	id := uuid.New().String()
	ch := make(chan frame, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	a.send(frame{
		JSONRPC: "2.0",
		ID:      mustMarshal(id),
		Method:  "session/request_permission",
		Params: mustMarshal(acp.RequestPermissionParams{
			SessionID: sessionID,
			ToolCall: acp.ToolCall{
				ToolCallID: uuid.New().String(),
				Title:      "echo the message back",
				Kind:       "other",
			},
			Options: []acp.PermissionOption{
				{OptionID: "allow-once", Name: "Allow", Kind: acp.OptionAllowOnce},
				{OptionID: "allow-always", Name: "Always allow", Kind: acp.OptionAllowAlways},
				{OptionID: "reject-once", Name: "Reject", Kind: acp.OptionRejectOnce},
			},
		}),
	})

	resp := <-ch
	var result acp.RequestPermissionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return acp.CancelledOutcome()
	}
	return result
}

func (a *fakeAgent) resolve(f frame) {
	var id string
	if err := json.Unmarshal(f.ID, &id); err != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (a *fakeAgent) respond(id json.RawMessage, result any) {
	a.send(frame{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)})
}

func (a *fakeAgent) notify(method string, params any) {
	a.send(frame{JSONRPC: "2.0", Method: method, Params: mustMarshal(params)})
}

func (a *fakeAgent) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("encoding frame: %v", err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.out.Write(data)
	a.out.WriteByte('\n')
	a.out.Flush()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func splitChunks(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
