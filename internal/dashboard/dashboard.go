package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

const maxLogLines = 1000

// LogSource publishes formatted log lines
type LogSource interface {
	ListenToLines(ch chan<- string) func()
}

// Dashboard feeds a View from the controller, the feed and the log, and
// routes the View's input back through Actions
type Dashboard struct {
	view       View
	actions    *Actions
	feed       Feed
	controller Controller
	logs       LogSource
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Logger

	logMu    sync.RWMutex
	logLines []string
}

type NewDashboardArg struct {
	View       View
	Feed       Feed
	Controller Controller
	// Logs is optional; without it the log pane stays empty
	Logs   LogSource
	Quit   func()
	Logger *log.Logger
}

func NewDashboard(args NewDashboardArg) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.View == nil {
		panic("Dashboard: view cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		view:       args.View,
		actions:    NewActions(args.Feed, args.Controller, args.Quit, args.Logger),
		feed:       args.Feed,
		controller: args.Controller,
		logs:       args.Logs,
		ctx:        ctx,
		cancel:     cancel,
		logger:     args.Logger,
		logLines:   make([]string, 0, maxLogLines),
	}

	d.view.Initialize(d.actions)
	d.view.SetupKeyboardHandlers(d.actions)
	d.view.UpdateController(d.controller.State())
	d.view.UpdateFeed(d.feed.State())

	go_func_utils.SafeGoWG(d.logger, &d.wg, d.monitorLogResize)
	d.setupEventListeners()
	return d
}

// Actions is exposed for front ends without a keyboard
func (d *Dashboard) Actions() *Actions {
	return d.actions
}

func (d *Dashboard) setupEventListeners() {
	controllerChan := make(chan servo.ControllerState, 1)
	controllerUnregister := d.controller.ListenToState(controllerChan)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer controllerUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case state := <-controllerChan:
				d.view.UpdateController(state)
				d.draw()
			}
		}
	})

	feedChan := make(chan heartrate.FeedState, 1)
	feedUnregister := d.feed.ListenToState(feedChan)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer feedUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case state := <-feedChan:
				d.view.UpdateFeed(state)
				d.draw()
			}
		}
	})

	if d.logs == nil {
		return
	}
	logChan := make(chan string, 256)
	logUnregister := d.logs.ListenToLines(logChan)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer logUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case line := <-logChan:
				d.appendLog(line)
				d.updateLogDisplay()
				d.draw()
			}
		}
	})
}

func (d *Dashboard) appendLog(line string) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.logLines = append(d.logLines, line)
	if len(d.logLines) > maxLogLines {
		d.logLines = d.logLines[len(d.logLines)-maxLogLines:]
	}
}

// LogTail returns up to n of the newest log lines, oldest first
func (d *Dashboard) LogTail(n int) []string {
	d.logMu.RLock()
	defer d.logMu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(d.logLines)-n, 0)
	return append([]string(nil), d.logLines[start:]...)
}

func (d *Dashboard) updateLogDisplay() {
	height := d.view.GetLogViewHeight()
	if height <= 0 {
		return
	}
	d.view.ClearLogView()
	for _, line := range d.LogTail(height) {
		// no logger here: a failure would log, which lands back in this pane
		_ = d.view.WriteLogLine(line + "\n")
	}
}

func (d *Dashboard) draw() {
	_ = d.view.Draw()
}

func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			height := d.view.GetLogViewHeight()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.draw()
			}
		}
	}
}

// Run blocks in the view until it exits or ctx is cancelled
func (d *Dashboard) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go_func_utils.SafeGo(d.logger, func() {
		select {
		case <-ctx.Done():
			d.view.Stop()
		case <-stop:
		}
	})
	return d.view.Run()
}

// Shutdown stops all goroutines and waits for them to finish
func (d *Dashboard) Shutdown() {
	d.logger.Println("Dashboard: Shutting down")
	d.cancel()
	d.wg.Wait()
	d.logger.Println("Dashboard: Shutdown complete")
}
