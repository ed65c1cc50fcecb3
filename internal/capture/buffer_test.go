package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuffer_AppendDrain(t *testing.T) {
	b := NewEventBuffer()
	events, size := b.Drain()
	assert.Nil(t, events)
	assert.Zero(t, size)

	now := time.Now()
	var want int
	for i := 0; i < 3; i++ {
		ev := numberedEvent(i, now)
		want += ev.approxSize()
		assert.Equal(t, want, b.Append(ev))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, want, b.ApproxBytes())

	events, size = b.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, want, size)
	assert.Zero(t, b.Len())
	assert.Zero(t, b.ApproxBytes())
	for i, ev := range events {
		assert.Equal(t, numberedEvent(i, now), ev)
	}
}

func TestEventBuffer_RequeueGoesToFront(t *testing.T) {
	b := NewEventBuffer()
	now := time.Now()
	b.Append(numberedEvent(0, now))
	b.Append(numberedEvent(1, now))
	drained, _ := b.Drain()

	b.Append(numberedEvent(2, now))
	b.Requeue(drained)
	assert.Equal(t, 3, b.Len())

	events, size := b.Drain()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, numberedEvent(i, now), ev)
	}
	assert.Equal(t, 3*numberedEvent(0, now).approxSize(), size)
}

func TestEventBuffer_Drop(t *testing.T) {
	b := NewEventBuffer()
	b.Append(numberedEvent(0, time.Now()))
	b.Append(numberedEvent(1, time.Now()))
	assert.Equal(t, 2, b.Drop())
	assert.Zero(t, b.Len())
	assert.Zero(t, b.ApproxBytes())
	b.Requeue(nil)
	assert.Zero(t, b.Len())
}
