// Package turn accumulates streamed agent output per session until the
// turn completes and the content is delivered as one reply.
package turn
