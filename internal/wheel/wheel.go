package wheel

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/actuator"
)

const DefaultCircumference = 2.105 // meters, 700x25c

// Estimator turns cumulative revolution counts into a speed in m/s.
type Estimator struct {
	circumference float64
	staleAfter    time.Duration

	mu        sync.Mutex
	hasLast   bool
	lastCount int
	lastAt    time.Time
	speed     float64
}

func NewEstimator(circumferenceM float64, staleAfter time.Duration) *Estimator {
	if circumferenceM <= 0 {
		circumferenceM = DefaultCircumference
	}
	return &Estimator{circumference: circumferenceM, staleAfter: staleAfter}
}

// Observe records a count. ok is false until two counts a positive time
// apart have been seen; a count going backwards (firmware reset) starts over.
func (e *Estimator) Observe(count int, at time.Time) (speed float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasLast || count < e.lastCount {
		e.hasLast = true
		e.lastCount = count
		e.lastAt = at
		e.speed = 0
		return 0, false
	}
	elapsed := at.Sub(e.lastAt)
	if elapsed <= 0 || count == e.lastCount {
		return e.speed, false
	}
	e.speed = float64(count-e.lastCount) * e.circumference / elapsed.Seconds()
	e.lastCount = count
	e.lastAt = at
	return e.speed, true
}

// Stale reports whether no revolution has been seen for staleAfter
func (e *Estimator) Stale(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staleAfter <= 0 || !e.hasLast {
		return false
	}
	return now.Sub(e.lastAt) > e.staleAfter
}

// CycleSource reports cumulative wheel revolutions.
type CycleSource interface {
	ListenToCycleCount(ch chan<- actuator.CycleCount) func()
}

// Tracker feeds speeds derived from a CycleSource into setSpeed and drops to
// zero when the wheel stops reporting.
type Tracker struct {
	estimator *Estimator
	logger    *log.Logger
	setSpeed  func(float64)
	now       func() time.Time
	interval  time.Duration
}

func NewTracker(estimator *Estimator, logger *log.Logger, setSpeed func(float64)) *Tracker {
	if estimator == nil {
		panic("WheelTracker: estimator cannot be nil")
	}
	if logger == nil {
		panic("WheelTracker: logger cannot be nil")
	}
	if setSpeed == nil {
		panic("WheelTracker: setSpeed cannot be nil")
	}
	return &Tracker{
		estimator: estimator,
		logger:    logger,
		setSpeed:  setSpeed,
		now:       time.Now,
		interval:  500 * time.Millisecond,
	}
}

// Run blocks until ctx is done
func (t *Tracker) Run(ctx context.Context, source CycleSource) {
	ch := make(chan actuator.CycleCount, 16)
	unregister := source.ListenToCycleCount(ch)
	defer unregister()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	moving := false
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-ch:
			if speed, ok := t.estimator.Observe(c.Count, c.At); ok {
				moving = speed > 0
				t.setSpeed(speed)
			}
		case <-ticker.C:
			if moving && t.estimator.Stale(t.now()) {
				t.logger.Println("WheelTracker: no revolutions, speed -> 0")
				moving = false
				t.setSpeed(0)
			}
		}
	}
}
