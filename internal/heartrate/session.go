package heartrate

import "time"

type SessionState int

const (
	SessionNotStarted SessionState = iota
	SessionPrepared
	SessionRunning
	SessionPaused
	SessionStopped
	SessionEnded
)

var sessionStateNames = map[SessionState]string{
	SessionNotStarted: "notStarted",
	SessionPrepared:   "prepared",
	SessionRunning:    "running",
	SessionPaused:     "paused",
	SessionStopped:    "stopped",
	SessionEnded:      "ended",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSessionState is the inverse of String
func ParseSessionState(name string) (SessionState, bool) {
	for state, n := range sessionStateNames {
		if n == name {
			return state, true
		}
	}
	return SessionNotStarted, false
}

// SessionDelegate receives events from a mirrored session, on any goroutine.
type SessionDelegate interface {
	SessionStateChanged(to SessionState, from SessionState, at time.Time)
	SessionFailed(err error)
	SessionReceivedData(data [][]byte)
}

// Session is a workout session started on a remote device and mirrored here.
type Session interface {
	ID() string
	State() SessionState
	// SetDelegate replaces the delegate; nil detaches it
	SetDelegate(delegate SessionDelegate)
}
