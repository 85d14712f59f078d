// Package acp implements the client side of the Agent Client Protocol:
// JSON-RPC 2.0 over newline-delimited JSON on a subprocess's stdio.
//
// # Overview
//
// The agent is a subprocess. The bridge writes requests to its stdin
// and reads responses, notifications, and agent-initiated requests from
// its stdout. Every frame is a single line of JSON.
//
// # Methods
//
// Client to agent:
//
//   - initialize: capability handshake
//   - session/new: open a conversation, returns a session id
//   - session/prompt: one user turn, returns a stop reason
//   - session/cancel: notification, no reply
//
// Agent to client:
//
//   - session/update: notification streaming turn content
//   - session/request_permission: request, must be answered
//
// # Conn
//
// Conn owns the read loop and correlates responses to pending calls by
// id. Inbound requests and notifications are delivered to a Handler.
// When the stream breaks, all pending calls fail with ErrConnClosed and
// the close hook runs exactly once with the cause.
//
// Conn is transport-only: session bookkeeping, reconnects, and turn
// semantics live in the agent package.
package acp
