package events

import (
	"testing"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishFansOut(t *testing.T) {
	h := NewHub()
	id1, ch1, ok := h.subscribe()
	require.True(t, ok)
	_, ch2, ok := h.subscribe()
	require.True(t, ok)
	assert.Equal(t, 2, h.Subscribers())

	ev := fileapi.ChangeEvent{Op: fileapi.ChangePut, Path: "a.md"}
	h.Publish(ev)
	assert.Equal(t, ev, <-ch1)
	assert.Equal(t, ev, <-ch2)

	h.unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())

	h.wg.Done()
	h.wg.Done()
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	_, ch, ok := h.subscribe()
	require.True(t, ok)

	for range subscriberBuf + 10 {
		h.Publish(fileapi.ChangeEvent{Op: fileapi.ChangePut, Path: "a.md"})
	}
	assert.Len(t, ch, subscriberBuf)
	h.wg.Done()
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	_, ch, ok := h.subscribe()
	require.True(t, ok)
	h.wg.Done()

	h.Close()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	_, _, ok = h.subscribe()
	assert.False(t, ok, "subscribe after close")

	// publishing to a closed hub is a no-op
	h.Publish(fileapi.ChangeEvent{Op: fileapi.ChangeDelete, Path: "a.md"})
	h.Close()
}
