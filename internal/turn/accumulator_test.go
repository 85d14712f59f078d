// ABOUTME: Tests for the turn accumulator: ordering, drain-vs-take semantics, stale buffer handling.

package turn

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nekobridge/nekobridge/internal/message"
)

func TestAppendPreservesArrivalOrder(t *testing.T) {
	a := NewAccumulator(slog.Default())
	a.Start("s1")

	a.Append("s1", message.TextPart("X"))
	a.Append("s1", message.ImagePart("aGk=", "image/png"))
	a.Append("s1", message.TextPart("Z"))

	got := a.TakeAll("s1")
	assert.Len(t, got, 3)
	assert.Equal(t, "X", got[0].Text)
	assert.Equal(t, message.PartImage, got[1].Kind)
	assert.Equal(t, "Z", got[2].Text)
}

func TestDrainKeepsBuffer(t *testing.T) {
	a := NewAccumulator(slog.Default())
	a.Start("s1")
	a.Append("s1", message.TextPart("A"))
	a.Append("s1", message.TextPart("B"))

	first := a.Drain("s1")
	assert.Len(t, first, 2)

	// Drain again: still there.
	second := a.Drain("s1")
	assert.Equal(t, first, second)

	// TakeAll clears.
	assert.Len(t, a.TakeAll("s1"), 2)
	assert.Empty(t, a.TakeAll("s1"))
}

func TestStartClearsStaleBuffer(t *testing.T) {
	a := NewAccumulator(slog.Default())
	a.Start("s1")
	a.Append("s1", message.TextPart("leftover"))

	a.Start("s1")
	assert.Empty(t, a.Drain("s1"))
}

func TestAppendWithoutStartIsDropped(t *testing.T) {
	a := NewAccumulator(slog.Default())
	a.Append("ghost", message.TextPart("nope"))
	assert.Empty(t, a.Drain("ghost"))
}

func TestBuffersAreIndependentPerSession(t *testing.T) {
	a := NewAccumulator(slog.Default())
	a.Start("s1")
	a.Start("s2")
	a.Append("s1", message.TextPart("one"))
	a.Append("s2", message.TextPart("two"))

	assert.Equal(t, "one", a.TakeAll("s1")[0].Text)
	assert.Equal(t, "two", a.TakeAll("s2")[0].Text)
}
