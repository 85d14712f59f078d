// Package session maps chat conversations to agent sessions.
//
// The registry creates sessions lazily per chat, serializes creation
// per conversation, and supports reverse lookup from session id to
// chat. A pending working directory set by /new is consumed by the
// next session creation, confined to the configured base directory.
package session
