// Package dispatch routes inbound messages through the processing
// pipeline: filtering, the /send bypass, slash commands, pending
// permission replies, the busy check, and finally the prompt runner.
package dispatch
