package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
	var zero T
	return zero
}

func assertEmpty[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("Unexpected value received: %v", v)
	default:
	}
}

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.replay)

	replaying := NewChannelEvent[int](true)
	require.NotNil(t, replaying)
	assert.True(t, replaying.replay)
}

func TestChannelEvent_NotifyAndUnregister(t *testing.T) {
	event := NewChannelEvent[float64](false)
	ch := make(chan float64, 4)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify(12.5)
	event.Notify(90)

	assert.Equal(t, 12.5, receive(t, ch))
	assert.Equal(t, 90.0, receive(t, ch))

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify(180)
	assertEmpty(t, ch)
}

func TestChannelEvent_MultipleListeners(t *testing.T) {
	event := NewChannelEvent[int](false)
	ch1 := make(chan int, 2)
	ch2 := make(chan int, 2)
	defer event.Listen(ch1)()
	defer event.Listen(ch2)()

	event.Notify(72)

	assert.Equal(t, 72, receive(t, ch1))
	assert.Equal(t, 72, receive(t, ch2))
}

func TestChannelEvent_ReplayBeforeFirstNotify(t *testing.T) {
	event := NewChannelEvent[string](true)
	ch := make(chan string, 1)
	defer event.Listen(ch)()

	assertEmpty(t, ch)
	_, ok := event.Last()
	assert.False(t, ok)
}

func TestChannelEvent_ReplayLastValue(t *testing.T) {
	event := NewChannelEvent[string](true)
	event.Notify("Requesting...")
	event.Notify("Monitoring HR")

	ch := make(chan string, 1)
	defer event.Listen(ch)()

	assert.Equal(t, "Monitoring HR", receive(t, ch))
	last, ok := event.Last()
	assert.True(t, ok)
	assert.Equal(t, "Monitoring HR", last)
}

func TestChannelEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewChannelEvent[int](false)
	event.Notify(1)

	ch := make(chan int, 1)
	defer event.Listen(ch)()
	assertEmpty(t, ch)

	_, ok := event.Last()
	assert.False(t, ok)
}

func TestChannelEvent_FullChannelDoesNotBlock(t *testing.T) {
	event := NewChannelEvent[int](false)
	ch := make(chan int, 1)
	defer event.Listen(ch)()

	done := make(chan struct{})
	go func() {
		event.Notify(1)
		event.Notify(2)
		event.Notify(3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full channel")
	}
	assert.Equal(t, 1, receive(t, ch))
	assertEmpty(t, ch)
}

func TestChannelEvent_ListenNilPanics(t *testing.T) {
	event := NewChannelEvent[int](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestChannelEvent_ListenLatestKeepsNewest(t *testing.T) {
	event := NewChannelEvent[int](true)
	ch := make(chan int, 1)
	defer event.ListenLatest(ch)()

	event.Notify(1)
	event.Notify(2)

	assert.Equal(t, 2, receive(t, ch))
	assertEmpty(t, ch)

	v, ok := event.Last()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestChannelEvent_ListenLatestReplaysOverStaleValue(t *testing.T) {
	event := NewChannelEvent[string](true)
	event.Notify("current")

	ch := make(chan string, 1)
	ch <- "stale"
	defer event.ListenLatest(ch)()

	assert.Equal(t, "current", receive(t, ch))
	assertEmpty(t, ch)
}

func TestChannelEvent_ListenLatestNilPanics(t *testing.T) {
	event := NewChannelEvent[int](true)
	assert.Panics(t, func() {
		event.ListenLatest(nil)
	})
}
