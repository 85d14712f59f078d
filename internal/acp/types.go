// ABOUTME: Wire types for the agent protocol (ACP): content blocks, session, prompt and permission payloads.
// ABOUTME: Content blocks are a closed union of text and image; anything else is rejected at the boundary.

package acp

import "encoding/json"

// ProtocolVersion is the ACP protocol version this client speaks.
const ProtocolVersion = 1

// Content block type discriminators.
const (
	BlockText  = "text"
	BlockImage = "image"
)

// ContentBlock is one prompt or update content block. The bridge only
// produces and consumes the text and image variants.
type ContentBlock struct {
	Type string `json:"type"`

	// Text content (type == "text").
	Text string `json:"text,omitempty"`

	// Base64 image payload and MIME type (type == "image").
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from base64 data and a MIME type.
func ImageBlock(data, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, Data: data, MimeType: mimeType}
}

// InitializeParams is sent as the handshake request. Filesystem and
// terminal capabilities are declined: the bridge never serves them.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
}

// ClientCapabilities declares what the client offers to the agent.
type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// FSCapabilities declares filesystem access capabilities.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientInfo identifies the client in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the agent's handshake response.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         *AgentInfo        `json:"agentInfo,omitempty"`
}

// AgentCapabilities is the negotiated capability record, read-only after
// the handshake.
type AgentCapabilities struct {
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// PromptCapabilities reports what prompt content the agent accepts.
type PromptCapabilities struct {
	Image bool `json:"image"`
}

// AgentInfo identifies the agent in the handshake response.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// NewSessionParams asks the agent to open a new conversation.
type NewSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// NewSessionResult carries the agent-issued session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// PromptParams is one user turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult signals turn completion with a stop reason.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons the bridge cares about.
const (
	StopEndTurn   = "end_turn"
	StopRefusal   = "refusal"
	StopCancelled = "cancelled"
)

// CancelParams is the fire-and-forget cancellation notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// Session update discriminators.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionNotification is the payload of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed update. Only agent_message_chunk carries
// content the bridge accumulates; other kinds are logged and dropped.
type SessionUpdate struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content,omitempty"`
}

// ToolCall describes the operation the agent wants approved.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// Permission option kinds.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// PermissionOption is one selectable choice in a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// IsAlways reports whether selecting this option should be remembered
// for the rest of the session.
func (o PermissionOption) IsAlways() bool {
	return o.Kind == OptionAllowAlways || o.Kind == OptionRejectAlways
}

// RequestPermissionParams is the agent-initiated approval request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCall           `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// RequestPermissionResult answers a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either a selected option or a cancellation.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// SelectedOutcome builds a "selected" permission result.
func SelectedOutcome(optionID string) RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}}
}

// CancelledOutcome builds a "cancelled" (deny) permission result.
func CancelledOutcome() RequestPermissionResult {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeCancelled}}
}
