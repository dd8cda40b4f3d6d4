package wheel

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/actuator"
	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 12, 28, 8, 0, 0, 0, time.UTC)

func TestEstimator_Speed(t *testing.T) {
	e := NewEstimator(2.0, 3*time.Second)
	_, ok := e.Observe(10, t0)
	assert.False(t, ok)

	speed, ok := e.Observe(15, t0.Add(2*time.Second))
	assert.True(t, ok)
	assert.InDelta(t, 5.0, speed, 1e-9)

	speed, ok = e.Observe(16, t0.Add(3*time.Second))
	assert.True(t, ok)
	assert.InDelta(t, 2.0, speed, 1e-9)
}

func TestEstimator_ResetAndDegenerateInputs(t *testing.T) {
	e := NewEstimator(0, 0)
	assert.InDelta(t, DefaultCircumference, e.circumference, 1e-9)

	e.Observe(100, t0)
	speed, ok := e.Observe(100, t0.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0.0, speed)

	_, ok = e.Observe(101, t0)
	assert.False(t, ok)

	// firmware restarted
	_, ok = e.Observe(3, t0.Add(2*time.Second))
	assert.False(t, ok)
	speed, ok = e.Observe(4, t0.Add(3*time.Second))
	assert.True(t, ok)
	assert.InDelta(t, DefaultCircumference, speed, 1e-9)
}

func TestEstimator_Stale(t *testing.T) {
	e := NewEstimator(2.105, 3*time.Second)
	assert.False(t, e.Stale(t0))
	e.Observe(1, t0)
	assert.False(t, e.Stale(t0.Add(2*time.Second)))
	assert.True(t, e.Stale(t0.Add(4*time.Second)))
}

type fakeCycles struct {
	event *events.ChannelEvent[actuator.CycleCount]
}

func (f *fakeCycles) ListenToCycleCount(ch chan<- actuator.CycleCount) func() {
	return f.event.Listen(ch)
}

func TestTracker_FeedsSpeedAndStops(t *testing.T) {
	got := make(chan float64, 8)
	tracker := NewTracker(NewEstimator(2.0, time.Second), log.New(io.Discard, "", 0), func(v float64) {
		got <- v
	})
	clock := t0
	var clockMu sync.Mutex
	tracker.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	tracker.interval = 5 * time.Millisecond

	source := &fakeCycles{event: events.NewChannelEvent[actuator.CycleCount](false)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx, source)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	assert.Eventually(t, func() bool { return source.event.ListenerCount() == 1 }, time.Second, time.Millisecond)
	source.event.Notify(actuator.CycleCount{Count: 1, At: t0})
	source.event.Notify(actuator.CycleCount{Count: 4, At: t0.Add(time.Second)})

	select {
	case v := <-got:
		assert.InDelta(t, 6.0, v, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for speed")
	}

	clockMu.Lock()
	clock = t0.Add(5 * time.Second)
	clockMu.Unlock()
	select {
	case v := <-got:
		assert.Equal(t, 0.0, v)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for stop")
	}
}
