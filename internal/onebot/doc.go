// Package onebot implements the gateway side of the bridge: a reverse
// WebSocket server speaking the OneBot 11 protocol with NapCat.
//
// # Overview
//
// NapCat runs as a reverse WebSocket client and connects to the bridge.
// The bridge accepts the connection, reads event frames, and writes
// action frames on the same socket. Only one gateway connection is
// active at a time; a newer connection replaces the older one.
//
// # Events
//
// Inbound frames with a post_type field are events. Message events are
// normalized into message.Incoming (see converter.go) and handed to the
// Dispatcher; meta events (heartbeat, lifecycle) are logged at debug
// and dropped. Frames with an echo field are action responses and are
// routed to the pending caller.
//
// # Actions
//
// Outbound sends use echo-correlated actions:
//
//	{"action": "send_private_msg", "params": {...}, "echo": "<uuid>"}
//
// The response carries the same echo. A non-zero retcode is an error.
// Callers block until the response arrives, the action times out, or
// the connection drops (pending channels are closed on disconnect).
//
// # Chat IDs
//
// Conversations are keyed by "private:<user_id>" or "group:<group_id>".
// ParseChatID maps the key back to the action target.
//
// # Deduplication
//
// NapCat may redeliver events after reconnects. Events are filtered
// through a dedupe.Cache keyed by chat id and message id before they
// reach the dispatcher.
//
// # Key Files
//
//   - server.go: WebSocket accept loop, frame routing, action calls
//   - event.go: OneBot wire types
//   - converter.go: event normalization and outbound segment rendering
//   - images.go: download-and-base64 image fetcher for prompts
package onebot
