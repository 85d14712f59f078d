// Package agent manages the agent subprocess and its protocol session.
//
// Connection spawns the process lazily, performs the initialize
// handshake, and exposes typed calls (NewSession, SendPrompt, Cancel).
// A dead process is detected via the connection close hook; the next
// EnsureReady respawns it, throttled by a minimum reconnect interval.
//
// Router implements the inbound half: it buffers streamed message
// chunks into the turn accumulator and forwards permission requests to
// the broker, denying requests for sessions it cannot map to a chat.
package agent
