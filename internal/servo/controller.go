package servo

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/lowaak/smart-trainer/servo-dash/internal/dispatch"
	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

const (
	DebugHeartRateStart = 70
	DebugHeartRateStep  = 5
	DebugHeartRateFloor = 40
	SpeedStep           = 0.5
)

// Actuator moves the physical resistance servo.
type Actuator interface {
	SetAngle(degrees float64) error
}

// HeartRateFeed is the part of heartrate.Feed the controller observes.
type HeartRateFeed interface {
	State() heartrate.FeedState
	OnStateChange(callback func(heartrate.FeedState)) func()
}

// ControllerState is everything the dashboard reads.
type ControllerState struct {
	Speed            float64
	Mode             WorkoutMode
	DebugMode        bool
	DebugHeartRate   int
	LiveHeartRate    int
	DisplayHeartRate int
	Angle            float64
	FeedStatus       string
}

type Options struct {
	Mode      WorkoutMode
	DebugMode bool
}

// Controller recomputes the servo angle whenever speed, mode or the heart
// rate in use changes. In debug mode the heart rate comes from a manual
// value instead of the feed; the feed keeps running underneath.
type Controller struct {
	dispatcher *dispatch.Dispatcher
	logger     *log.Logger

	// owned by the dispatcher goroutine
	state          ControllerState
	lastCommanded  int
	hasCommanded   bool
	unregisterFeed func()
	closed         bool

	snapshotMu   sync.RWMutex
	snapshot     ControllerState
	stateEvent   *events.ChannelEvent[ControllerState]
	angleEvent   *events.ChannelEvent[float64]
	actuatorsMu  sync.Mutex
	actuators    []Actuator
	commandChan  chan float64
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewController(dispatcher *dispatch.Dispatcher, logger *log.Logger, opts Options) *Controller {
	if dispatcher == nil {
		panic("ServoController: dispatcher cannot be nil")
	}
	if logger == nil {
		panic("ServoController: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		dispatcher: dispatcher,
		logger:     logger,
		state: ControllerState{
			Mode:           opts.Mode,
			DebugMode:      opts.DebugMode,
			DebugHeartRate: DebugHeartRateStart,
			FeedStatus:     "Idle",
		},
		stateEvent:  events.NewChannelEvent[ControllerState](true),
		angleEvent:  events.NewChannelEvent[float64](true),
		commandChan: make(chan float64, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.state.DisplayHeartRate = c.displayHeartRate()
	c.state.Angle = ComputeAngle(float64(c.state.DisplayHeartRate), c.state.Speed, c.state.Mode)
	// no heart rate and no speed yet: the 70 BPM baseline at rest clamps to full resistance
	logger.Printf("ServoController: Starting angle %.0f (HR %d, speed %.1f m/s, %s)",
		c.state.Angle, c.state.DisplayHeartRate, c.state.Speed, c.state.Mode)
	c.snapshot = c.state
	c.stateEvent.Notify(c.state)
	c.angleEvent.Notify(c.state.Angle)

	go_func_utils.SafeGoWG(logger, &c.wg, c.runActuatorLoop)
	return c
}

// AttachFeed follows the feed's heart rate and status. It replaces any
// previously attached feed.
func (c *Controller) AttachFeed(feed HeartRateFeed) {
	if feed == nil {
		panic("ServoController: feed cannot be nil")
	}
	c.dispatcher.Post(func() {
		if c.closed {
			return
		}
		if c.unregisterFeed != nil {
			c.unregisterFeed()
		}
		c.unregisterFeed = feed.OnStateChange(c.onFeedState)
		c.onFeedState(feed.State())
	})
}

// AddActuator registers an output. It receives the current angle straight away.
func (c *Controller) AddActuator(actuator Actuator) {
	if actuator == nil {
		panic("ServoController: actuator cannot be nil")
	}
	c.actuatorsMu.Lock()
	c.actuators = append(c.actuators, actuator)
	c.actuatorsMu.Unlock()
	c.dispatcher.Post(func() {
		c.hasCommanded = false
		c.commandIfChanged()
	})
}

func (c *Controller) State() ControllerState {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.snapshot
}

// ListenToState registers a channel for state snapshots; the current one is
// sent first. An unread snapshot is replaced by a newer one.
func (c *Controller) ListenToState(ch chan ControllerState) func() {
	return c.stateEvent.ListenLatest(ch)
}

// ListenToAngle registers a channel for angle changes
func (c *Controller) ListenToAngle(ch chan<- float64) func() {
	return c.angleEvent.Listen(ch)
}

func (c *Controller) SetSpeed(metersPerSecond float64) {
	c.update(func() {
		c.state.Speed = math.Max(metersPerSecond, 0)
	})
}

// IncreaseSpeed adds one manual step; there is no decay
func (c *Controller) IncreaseSpeed() {
	c.update(func() {
		c.state.Speed += SpeedStep
	})
}

func (c *Controller) SetMode(mode WorkoutMode) {
	c.update(func() {
		c.state.Mode = mode
	})
}

func (c *Controller) ToggleMode() {
	c.update(func() {
		if c.state.Mode == HIIT {
			c.state.Mode = LongDistance
		} else {
			c.state.Mode = HIIT
		}
	})
}

// SetDebugMode switches the heart rate in use between the manual value and
// the live feed.
func (c *Controller) SetDebugMode(enabled bool) {
	c.update(func() {
		c.state.DebugMode = enabled
	})
}

func (c *Controller) ToggleDebugMode() {
	c.update(func() {
		c.state.DebugMode = !c.state.DebugMode
	})
}

func (c *Controller) IncreaseDebugHeartRate() {
	c.update(func() {
		if c.state.DebugHeartRate == 0 {
			c.state.DebugHeartRate = DebugHeartRateStart
		} else {
			c.state.DebugHeartRate += DebugHeartRateStep
		}
	})
}

func (c *Controller) DecreaseDebugHeartRate() {
	c.update(func() {
		c.state.DebugHeartRate = max(c.state.DebugHeartRate-DebugHeartRateStep, DebugHeartRateFloor)
	})
}

// ResetDebug zeroes speed and restores the manual heart rate
func (c *Controller) ResetDebug() {
	c.update(func() {
		c.state.Speed = 0
		c.state.DebugHeartRate = DebugHeartRateStart
	})
}

func (c *Controller) update(mutate func()) {
	c.dispatcher.Post(func() {
		if c.closed {
			return
		}
		mutate()
		c.recompute()
	})
}

func (c *Controller) onFeedState(feed heartrate.FeedState) {
	if c.closed {
		return
	}
	c.state.FeedStatus = feed.Status.String()
	c.state.LiveHeartRate = feed.HeartRate
	// in debug mode the live value is tracked but does not drive the angle
	c.recompute()
}

func (c *Controller) displayHeartRate() int {
	if c.state.DebugMode {
		return c.state.DebugHeartRate
	}
	return c.state.LiveHeartRate
}

func (c *Controller) recompute() {
	c.state.DisplayHeartRate = c.displayHeartRate()
	angle := ComputeAngle(float64(c.state.DisplayHeartRate), c.state.Speed, c.state.Mode)
	changed := angle != c.state.Angle
	c.state.Angle = angle
	c.publish()
	if changed {
		c.angleEvent.Notify(angle)
	}
	c.commandIfChanged()
}

// commandIfChanged forwards the angle when its whole-degree value moves
func (c *Controller) commandIfChanged() {
	degrees := int(math.Round(c.state.Angle))
	if c.hasCommanded && degrees == c.lastCommanded {
		return
	}
	c.hasCommanded = true
	c.lastCommanded = degrees
	// keep only the newest pending command
	select {
	case <-c.commandChan:
	default:
	}
	select {
	case c.commandChan <- float64(degrees):
	default:
	}
}

func (c *Controller) runActuatorLoop() {
	defer c.logger.Printf("ServoController: exiting actuator loop")
	for {
		select {
		case <-c.ctx.Done():
			return
		case degrees := <-c.commandChan:
			c.actuatorsMu.Lock()
			actuators := append([]Actuator(nil), c.actuators...)
			c.actuatorsMu.Unlock()
			for _, a := range actuators {
				if err := a.SetAngle(degrees); err != nil {
					c.logger.Printf("ServoController: actuator %T failed to set %.0f: %v", a, degrees, err)
				}
			}
		}
	}
}

func (c *Controller) publish() {
	state := c.state
	c.snapshotMu.Lock()
	c.snapshot = state
	c.snapshotMu.Unlock()
	c.stateEvent.Notify(state)
}

// Shutdown detaches from the feed and stops driving actuators
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Println("ServoController: Shutting down")
		teardown := func() {
			if c.unregisterFeed != nil {
				c.unregisterFeed()
				c.unregisterFeed = nil
			}
			c.closed = true
		}
		if !c.dispatcher.Sync(teardown) {
			teardown()
		}
		c.cancel()
		c.wg.Wait()
		c.logger.Println("ServoController: Shutdown complete")
	})
}
