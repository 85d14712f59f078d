// ABOUTME: Accumulates ordered content parts for one in-flight turn, keyed by agent session id.
// ABOUTME: Fragments arrive asynchronously from the protocol stream and are never reordered.

package turn

import (
	"log/slog"
	"sync"

	"github.com/nekobridge/nekobridge/internal/message"
)

// Accumulator collects streamed content fragments per session. At most
// one buffer is active per session; Start discards any stale leftovers
// from a previous turn.
type Accumulator struct {
	mu      sync.Mutex
	buffers map[string][]message.Part
	logger  *slog.Logger
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(logger *slog.Logger) *Accumulator {
	return &Accumulator{
		buffers: make(map[string][]message.Part),
		logger:  logger,
	}
}

// Start opens a fresh buffer for a turn on the given session. A stale
// unclaimed buffer from an earlier turn is cleared first.
func (a *Accumulator) Start(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if stale, ok := a.buffers[sessionID]; ok && len(stale) > 0 {
		a.logger.Warn("discarding stale turn buffer", "session_id", sessionID, "parts", len(stale))
	}
	a.buffers[sessionID] = nil
}

// Append adds a fragment in arrival order. Fragments for sessions with
// no open buffer are dropped; the agent is streaming for a turn the
// bridge no longer tracks.
func (a *Accumulator) Append(sessionID string, part message.Part) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[sessionID]
	if !ok {
		a.logger.Debug("dropping fragment for untracked session", "session_id", sessionID)
		return
	}
	a.buffers[sessionID] = append(buf, part)
}

// Drain returns a copy of the fragments accumulated so far without
// clearing the buffer. Used to flush partial content on failure.
func (a *Accumulator) Drain(sessionID string) []message.Part {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[sessionID]
	out := make([]message.Part, len(buf))
	copy(out, buf)
	return out
}

// TakeAll returns the accumulated fragments and closes the buffer.
// Used on normal turn completion.
func (a *Accumulator) TakeAll(sessionID string) []message.Part {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[sessionID]
	delete(a.buffers, sessionID)
	return buf
}

// Discard drops any buffer for the session without returning it. Used
// when the owning conversation is destroyed.
func (a *Accumulator) Discard(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, sessionID)
}
