// Package permission brokers agent tool-approval requests to chat users.
//
// # Flow
//
//  1. The agent asks for permission mid-turn.
//  2. The broker formats a numbered prompt and sends it to the chat.
//  3. The user replies with the option number.
//  4. Resolve matches the reply to the pending slot and answers the agent.
//
// One request may be pending per chat; a second concurrent request is
// denied immediately. Unanswered requests auto-deny after a timeout.
// "Always" options are cached per session and tool kind so repeated
// calls skip the round-trip; the cache is cleared when the session is
// dropped.
package permission
