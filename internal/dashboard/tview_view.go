package dashboard

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

const keyHelp = "[yellow]a[white] Authorize  |  [yellow]m[white] Mode  |  [yellow]d[white] Debug  |  [yellow]q[white]/[yellow]Esc[white] Quit\n" +
	"Debug only: [yellow]s[white]/[yellow]+[white] Speed  |  [yellow]h[white]/[yellow]j[white] HR up/down  |  [yellow]r[white] Reset"

// TviewView renders the dashboard in the terminal
type TviewView struct {
	logger  *log.Logger
	app     *tview.Application
	running atomic.Bool

	mainFlex     *tview.Flex
	metricsPanel *tview.TextView
	feedPanel    *tview.TextView
	debugPanel   *tview.TextView
	logView      *tview.TextView
}

var _ View = (*TviewView)(nil)

func NewTviewView(logger *log.Logger, app *tview.Application) *TviewView {
	if logger == nil {
		panic("TviewView: logger cannot be nil")
	}
	if app == nil {
		panic("TviewView: app cannot be nil")
	}
	return &TviewView{logger: logger, app: app}
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func (ui *TviewView) Initialize(actions *Actions) {
	// widgets are redrawn by the dashboard listeners; a SetChangedFunc calling
	// app.Draw can hang during shutdown
	ui.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.metricsPanel = newPanel(" Workout ")
	ui.feedPanel = newPanel(" Heart Rate Feed ")
	ui.debugPanel = newPanel(" Debug ")

	instructions := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(keyHelp)

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructions, 2, 0, false).
		AddItem(ui.metricsPanel, 0, 2, true).
		AddItem(ui.feedPanel, 0, 1, false).
		AddItem(ui.debugPanel, 0, 1, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(ui.logView, 0, 1, false)
}

func (ui *TviewView) SetupKeyboardHandlers(actions *Actions) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			actions.Quit()
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch event.Rune() {
		case 'a':
			actions.RequestAuthorization()
		case 'm':
			actions.ToggleMode()
		case 'd':
			actions.ToggleDebug()
		case 's', '+', '=':
			actions.IncreaseSpeed()
		case 'h':
			actions.IncreaseHeartRate()
		case 'j':
			actions.DecreaseHeartRate()
		case 'r':
			actions.Reset()
		case 'q':
			actions.Quit()
		default:
			return event
		}
		return nil
	})
}

func (ui *TviewView) Run() error {
	ui.app.SetRoot(ui.mainFlex, true)
	ui.running.Store(true)
	defer ui.running.Store(false)
	return ui.app.Run()
}

func (ui *TviewView) Stop() {
	ui.running.Store(false)
	ui.app.Stop()
}

// Draw only queues a redraw while the application loop runs; queued updates
// pile up and block once it has exited
func (ui *TviewView) Draw() error {
	if ui.running.Load() {
		ui.app.Draw()
	}
	return nil
}

func (ui *TviewView) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *TviewView) ClearLogView() {
	ui.logView.Clear()
}

func (ui *TviewView) WriteLogLine(line string) error {
	_, err := fmt.Fprint(ui.logView, line)
	return err
}

func (ui *TviewView) UpdateController(state servo.ControllerState) {
	ui.metricsPanel.SetText(formatMetrics(state))
	ui.debugPanel.SetText(formatDebug(state))
}

func (ui *TviewView) UpdateFeed(state heartrate.FeedState) {
	ui.feedPanel.SetText(formatFeed(state))
}

func formatMetrics(state servo.ControllerState) string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [green]→[white] Speed:        [yellow]%.1f[white] m/s\n\n", state.Speed)
	source := "live"
	if state.DebugMode {
		source = "debug"
	}
	if state.DisplayHeartRate > 0 {
		fmt.Fprintf(&b, "  [red]♥[white] Heart Rate:   [yellow]%d[white] BPM [gray](%s)[white]\n\n", state.DisplayHeartRate, source)
	} else {
		fmt.Fprintf(&b, "  [red]♥[white] Heart Rate:   [gray]--[white] [gray](%s)[white]\n\n", source)
	}
	fmt.Fprintf(&b, "  [blue]⚙[white] Servo Angle:  [yellow]%.0f°[white]\n\n", state.Angle)
	fmt.Fprintf(&b, "  [cyan]●[white] Mode:         [yellow]%s[white]\n", state.Mode)
	return b.String()
}

func formatFeed(state heartrate.FeedState) string {
	var b strings.Builder
	b.WriteString("\n")
	color := "white"
	switch state.Status.Kind {
	case heartrate.StatusError, heartrate.StatusAuthorizationDenied:
		color = "red"
	case heartrate.StatusMonitoring:
		color = "green"
	}
	fmt.Fprintf(&b, "  Status:   [%s]%s[white]\n", color, state.Status.String())
	if !state.LastSample.Timestamp.IsZero() {
		fmt.Fprintf(&b, "  Last:     %d BPM at %s\n", state.LastSample.BPM, state.LastSample.Timestamp.Format("15:04:05"))
	}
	if state.SessionID != "" {
		fmt.Fprintf(&b, "  Session:  %s [gray](%s, %d data)[white]\n", state.SessionID, state.SessionState, state.SessionDataReceived)
	}
	return b.String()
}

func formatDebug(state servo.ControllerState) string {
	if !state.DebugMode {
		return fmt.Sprintf("\n  [gray]Debug mode off[white]\n  Live HR: %d BPM  |  Status: %s\n", state.LiveHeartRate, state.FeedStatus)
	}
	return fmt.Sprintf("\n  [yellow]Debug mode on[white]\n  Debug HR: %d BPM  |  Live HR: %d BPM\n", state.DebugHeartRate, state.LiveHeartRate)
}
