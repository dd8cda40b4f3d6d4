package dashboard

import (
	"log"

	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

// Feed is the part of heartrate.Feed the dashboard uses
type Feed interface {
	State() heartrate.FeedState
	ListenToState(ch chan heartrate.FeedState) func()
	RequestAuthorization()
}

// Controller is the part of servo.Controller the dashboard uses
type Controller interface {
	State() servo.ControllerState
	ListenToState(ch chan servo.ControllerState) func()
	IncreaseSpeed()
	ToggleMode()
	SetDebugMode(enabled bool)
	ToggleDebugMode()
	IncreaseDebugHeartRate()
	DecreaseDebugHeartRate()
	ResetDebug()
}

// Actions turns key presses into feed and controller calls. None of them
// block: the work is posted to the dispatcher.
type Actions struct {
	feed       Feed
	controller Controller
	quit       func()
	logger     *log.Logger
}

func NewActions(feed Feed, controller Controller, quit func(), logger *log.Logger) *Actions {
	if feed == nil {
		panic("Actions: feed cannot be nil")
	}
	if controller == nil {
		panic("Actions: controller cannot be nil")
	}
	if logger == nil {
		panic("Actions: logger cannot be nil")
	}
	if quit == nil {
		quit = func() {}
	}
	return &Actions{feed: feed, controller: controller, quit: quit, logger: logger}
}

// RequestAuthorization leaves debug mode so the live heart rate drives the
// servo once it arrives
func (a *Actions) RequestAuthorization() {
	a.logger.Printf("UI: Request authorization")
	a.controller.SetDebugMode(false)
	a.feed.RequestAuthorization()
}

func (a *Actions) ToggleMode() {
	a.controller.ToggleMode()
}

func (a *Actions) ToggleDebug() {
	a.controller.ToggleDebugMode()
}

// IncreaseSpeed and the heart rate and reset actions below are simulator
// controls; they are ignored while debug mode is off.
func (a *Actions) IncreaseSpeed() {
	if a.inDebug("increase speed") {
		a.controller.IncreaseSpeed()
	}
}

func (a *Actions) IncreaseHeartRate() {
	if a.inDebug("increase heart rate") {
		a.controller.IncreaseDebugHeartRate()
	}
}

func (a *Actions) DecreaseHeartRate() {
	if a.inDebug("decrease heart rate") {
		a.controller.DecreaseDebugHeartRate()
	}
}

func (a *Actions) Reset() {
	if a.inDebug("reset") {
		a.controller.ResetDebug()
	}
}

func (a *Actions) inDebug(action string) bool {
	if a.controller.State().DebugMode {
		return true
	}
	a.logger.Printf("UI: %s ignored, debug mode is off", action)
	return false
}

func (a *Actions) Quit() {
	a.logger.Printf("UI: Quit requested")
	a.quit()
}
