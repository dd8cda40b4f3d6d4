package dashboard

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeFeed struct {
	*callLog
	event *events.ChannelEvent[heartrate.FeedState]
}

func newFakeFeed(calls *callLog) *fakeFeed {
	return &fakeFeed{callLog: calls, event: events.NewChannelEvent[heartrate.FeedState](true)}
}

func (f *fakeFeed) State() heartrate.FeedState { return heartrate.FeedState{} }
func (f *fakeFeed) ListenToState(ch chan heartrate.FeedState) func() {
	return f.event.ListenLatest(ch)
}
func (f *fakeFeed) RequestAuthorization() { f.record("RequestAuthorization") }

type fakeController struct {
	*callLog
	event *events.ChannelEvent[servo.ControllerState]
	debug bool
}

func newFakeController(calls *callLog) *fakeController {
	return &fakeController{callLog: calls, event: events.NewChannelEvent[servo.ControllerState](true)}
}

func (c *fakeController) State() servo.ControllerState {
	return servo.ControllerState{DebugMode: c.debug}
}
func (c *fakeController) ListenToState(ch chan servo.ControllerState) func() {
	return c.event.ListenLatest(ch)
}
func (c *fakeController) IncreaseSpeed() { c.record("IncreaseSpeed") }
func (c *fakeController) ToggleMode()    { c.record("ToggleMode") }
func (c *fakeController) SetDebugMode(enabled bool) {
	c.record(fmt.Sprintf("SetDebugMode(%v)", enabled))
}
func (c *fakeController) ToggleDebugMode()        { c.record("ToggleDebugMode") }
func (c *fakeController) IncreaseDebugHeartRate() { c.record("IncreaseDebugHeartRate") }
func (c *fakeController) DecreaseDebugHeartRate() { c.record("DecreaseDebugHeartRate") }
func (c *fakeController) ResetDebug()             { c.record("ResetDebug") }

type fakeView struct {
	mu          sync.Mutex
	controllers []servo.ControllerState
	feeds       []heartrate.FeedState
	logLines    []string
	height      int
	stopped     chan struct{}
	stopOnce    sync.Once

	// when set, the next UpdateController closes holdEntered and waits for holdRelease
	holdEntered chan struct{}
	holdRelease chan struct{}
}

func newFakeView(height int) *fakeView {
	return &fakeView{height: height, stopped: make(chan struct{})}
}

func (v *fakeView) Initialize(*Actions)            {}
func (v *fakeView) SetupKeyboardHandlers(*Actions) {}
func (v *fakeView) Run() error {
	<-v.stopped
	return nil
}
func (v *fakeView) Stop()       { v.stopOnce.Do(func() { close(v.stopped) }) }
func (v *fakeView) Draw() error { return nil }
func (v *fakeView) GetLogViewHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}
func (v *fakeView) ClearLogView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = nil
}
func (v *fakeView) WriteLogLine(line string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = append(v.logLines, line)
	return nil
}
func (v *fakeView) UpdateController(state servo.ControllerState) {
	v.mu.Lock()
	entered, release := v.holdEntered, v.holdRelease
	v.holdEntered, v.holdRelease = nil, nil
	v.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.controllers = append(v.controllers, state)
}
func (v *fakeView) UpdateFeed(state heartrate.FeedState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeds = append(v.feeds, state)
}

type fakeLogs struct {
	event *events.ChannelEvent[string]
}

func (l *fakeLogs) ListenToLines(ch chan<- string) func() {
	return l.event.Listen(ch)
}

func TestActions_AuthorizeLeavesDebugMode(t *testing.T) {
	calls := &callLog{}
	a := NewActions(newFakeFeed(calls), newFakeController(calls), nil, discardLogger())
	a.RequestAuthorization()
	assert.Equal(t, []string{"SetDebugMode(false)", "RequestAuthorization"}, calls.get())
}

func TestActions_SimulatorControlsNeedDebugMode(t *testing.T) {
	calls := &callLog{}
	controller := newFakeController(calls)
	a := NewActions(newFakeFeed(calls), controller, nil, discardLogger())

	a.IncreaseSpeed()
	a.IncreaseHeartRate()
	a.DecreaseHeartRate()
	a.Reset()
	assert.Empty(t, calls.get())

	controller.debug = true
	a.IncreaseSpeed()
	a.IncreaseHeartRate()
	a.DecreaseHeartRate()
	a.Reset()
	assert.Equal(t, []string{
		"IncreaseSpeed",
		"IncreaseDebugHeartRate",
		"DecreaseDebugHeartRate",
		"ResetDebug",
	}, calls.get())
}

func TestTviewView_KeyBindings(t *testing.T) {
	calls := &callLog{}
	quits := 0
	controller := newFakeController(calls)
	controller.debug = true
	actions := NewActions(newFakeFeed(calls), controller, func() { quits++ }, discardLogger())

	app := tview.NewApplication()
	view := NewTviewView(discardLogger(), app)
	view.Initialize(actions)
	view.SetupKeyboardHandlers(actions)
	capture := app.GetInputCapture()
	require.NotNil(t, capture)

	for _, r := range "amdsh+jr" {
		assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)), "key %q", r)
	}
	assert.Equal(t, []string{
		"SetDebugMode(false)", "RequestAuthorization",
		"ToggleMode",
		"ToggleDebugMode",
		"IncreaseSpeed",
		"IncreaseDebugHeartRate",
		"IncreaseSpeed",
		"DecreaseDebugHeartRate",
		"ResetDebug",
	}, calls.get())

	unhandled := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	assert.Same(t, unhandled, capture(unhandled))

	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone)))
	assert.Nil(t, capture(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)))
	assert.Equal(t, 2, quits)
}

func TestDashboard_ForwardsStateAndLogs(t *testing.T) {
	calls := &callLog{}
	feed := newFakeFeed(calls)
	controller := newFakeController(calls)
	logs := &fakeLogs{event: events.NewChannelEvent[string](false)}
	view := newFakeView(2)

	d := NewDashboard(NewDashboardArg{
		View:       view,
		Feed:       feed,
		Controller: controller,
		Logs:       logs,
		Logger:     discardLogger(),
	})
	defer d.Shutdown()

	controller.event.Notify(servo.ControllerState{Angle: 87})
	feed.event.Notify(heartrate.FeedState{HeartRate: 131})

	assert.Eventually(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()
		n := len(view.controllers)
		m := len(view.feeds)
		return n > 0 && view.controllers[n-1].Angle == 87 && m > 0 && view.feeds[m-1].HeartRate == 131
	}, time.Second, 5*time.Millisecond)

	// listener registration happens in NewDashboard, so these are not lost
	for i := 1; i <= 3; i++ {
		logs.event.Notify(fmt.Sprintf("line %d", i))
	}
	assert.Eventually(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()
		return len(view.logLines) == 2 && view.logLines[1] == "line 3\n"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"line 2", "line 3"}, d.LogTail(2))
	assert.Equal(t, []string{"line 1", "line 2", "line 3"}, d.LogTail(10))
	assert.Nil(t, d.LogTail(0))
}

func TestDashboard_ShowsNewestStateAfterBurst(t *testing.T) {
	calls := &callLog{}
	controller := newFakeController(calls)
	view := newFakeView(0)
	d := NewDashboard(NewDashboardArg{
		View:       view,
		Feed:       newFakeFeed(calls),
		Controller: controller,
		Logger:     discardLogger(),
	})
	defer d.Shutdown()

	entered, release := make(chan struct{}), make(chan struct{})
	view.mu.Lock()
	view.holdEntered, view.holdRelease = entered, release
	view.mu.Unlock()

	controller.event.Notify(servo.ControllerState{Angle: 10})
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for the view update")
	}

	// both arrive while the view is busy; only the last one matters
	controller.event.Notify(servo.ControllerState{Angle: 20})
	controller.event.Notify(servo.ControllerState{Angle: 30})
	close(release)

	assert.Eventually(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()
		n := len(view.controllers)
		return n > 0 && view.controllers[n-1].Angle == 30
	}, time.Second, 5*time.Millisecond)
}

func TestDashboard_LogTailBounded(t *testing.T) {
	d := &Dashboard{}
	for i := 0; i < maxLogLines+10; i++ {
		d.appendLog(fmt.Sprint(i))
	}
	tail := d.LogTail(maxLogLines + 100)
	assert.Len(t, tail, maxLogLines)
	assert.Equal(t, "10", tail[0])
}

func TestDashboard_RunStopsOnCancel(t *testing.T) {
	calls := &callLog{}
	view := newFakeView(0)
	d := NewDashboard(NewDashboardArg{
		View:       view,
		Feed:       newFakeFeed(calls),
		Controller: newFakeController(calls),
		Logger:     discardLogger(),
	})
	defer d.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dashboard did not stop")
	}
}

func TestFormatting(t *testing.T) {
	metrics := formatMetrics(servo.ControllerState{Speed: 2.5, Mode: servo.HIIT, Angle: 87.4})
	assert.Contains(t, metrics, "2.5")
	assert.Contains(t, metrics, "--")
	assert.Contains(t, metrics, "(live)")
	assert.Contains(t, metrics, "87°")
	assert.Contains(t, metrics, servo.HIIT.String())

	metrics = formatMetrics(servo.ControllerState{DebugMode: true, DisplayHeartRate: 75})
	assert.Contains(t, metrics, "75")
	assert.Contains(t, metrics, "(debug)")

	feed := formatFeed(heartrate.FeedState{
		Status:       heartrate.Status{Kind: heartrate.StatusSessionMirroring, Text: "Session: running"},
		SessionID:    "abc",
		SessionState: heartrate.SessionRunning,
	})
	assert.Contains(t, feed, "Session: running")
	assert.Contains(t, feed, "abc")
	assert.NotContains(t, feed, "Last:")

	assert.Contains(t, formatDebug(servo.ControllerState{DebugMode: true, DebugHeartRate: 70}), "Debug HR: 70")
	assert.Contains(t, formatDebug(servo.ControllerState{FeedStatus: "Idle"}), "Status: Idle")
}
