// Package command implements slash commands: a pattern-matched registry
// plus the builtin /new, /stop and /help handlers. Unrecognized slash
// text falls through to the agent rather than erroring.
package command
