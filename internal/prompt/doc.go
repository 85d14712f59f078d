// Package prompt turns inbound chat messages into agent turns.
//
// Builder renders a message into prompt content blocks: a context
// header (chat kind, sender), the text, and inline images when the
// agent accepts them.
//
// Runner drives one turn per chat at a time: ensure the agent is up,
// get or create the session, send the prompt, then deliver whatever
// the turn accumulated. Cancelled turns deliver partial content
// silently; failed turns deliver partial content followed by a failure
// notice and drop the session. Thinking notices fire on timers armed
// at turn start and disarmed on every exit.
package prompt
