package mps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMessageKindsStartDisabled checks that a message of a kind nobody
// enabled is never queued, matching mps_message_type_enable's default-off
// behavior.
func TestMessageKindsStartDisabled(t *testing.T) {
	arena := NewArena(ArenaParams{})

	arena.enqueueMessage(&Message{kind: MessageFinalization, FinalizationRef: 0x42})

	_, ok := arena.MessagePoll(MessageFinalization)
	assert.False(t, ok, "a message kind that was never enabled must not be queued")
}

// TestMessagePollSkipsDiscarded checks that a discarded message is no
// longer returned by MessagePoll, and that polling again surfaces the next
// queued message of the same kind.
func TestMessagePollSkipsDiscarded(t *testing.T) {
	arena := NewArena(ArenaParams{})
	arena.MessageTypeEnable(MessageFinalization)

	arena.enqueueMessage(&Message{kind: MessageFinalization, FinalizationRef: 0x1})
	arena.enqueueMessage(&Message{kind: MessageFinalization, FinalizationRef: 0x2})

	first, ok := arena.MessagePoll(MessageFinalization)
	require.True(t, ok)
	assert.Equal(t, Address(0x1), first.FinalizationRef)
	first.Discard()

	second, ok := arena.MessagePoll(MessageFinalization)
	require.True(t, ok)
	assert.Equal(t, Address(0x2), second.FinalizationRef)
}

// TestMessageTypeDisableStopsDelivery checks that disabling a kind after
// having enabled it again drops further messages of that kind.
func TestMessageTypeDisableStopsDelivery(t *testing.T) {
	arena := NewArena(ArenaParams{})
	arena.MessageTypeEnable(MessageGCStart)
	arena.MessageTypeDisable(MessageGCStart)

	arena.enqueueMessage(&Message{kind: MessageGCStart, Reason: "condemn"})

	_, ok := arena.MessagePoll(MessageGCStart)
	assert.False(t, ok)
}

func TestMessageKindString(t *testing.T) {
	assert.Equal(t, "FINALIZATION", MessageFinalization.String())
	assert.Equal(t, "GC_START", MessageGCStart.String())
	assert.Equal(t, "GC_END", MessageGCEnd.String())
}
