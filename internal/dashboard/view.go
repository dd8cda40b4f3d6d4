package dashboard

import (
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

// View is the framework specific half of the dashboard
type View interface {
	// Initialize builds the widgets; actions handles user input
	Initialize(actions *Actions)

	// SetupKeyboardHandlers maps keys onto actions
	SetupKeyboardHandlers(actions *Actions)

	// Run starts the UI framework and blocks until it exits
	Run() error

	// Stop stops the UI framework
	Stop()

	// Draw refreshes/redraws the UI
	Draw() error

	// GetLogViewHeight returns the visible height of the log view
	GetLogViewHeight() int

	ClearLogView()

	WriteLogLine(line string) error

	UpdateController(state servo.ControllerState)

	UpdateFeed(state heartrate.FeedState)
}
