package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: BroadcastCreated, Data: BroadcastEvent{BroadcastID: "b1"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, BroadcastCreated, e.Type)
		assert.False(t, e.Time.IsZero())
		data, ok := e.Data.(BroadcastEvent)
		require.True(t, ok)
		assert.Equal(t, "b1", data.BroadcastID)
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: BroadcastStarted})
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, BroadcastStarted, (<-c).Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: BroadcastCompleted})
	}
	assert.Len(t, ch, 1)
}
