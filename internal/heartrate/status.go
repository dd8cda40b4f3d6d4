package heartrate

import "fmt"

type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusRequestingAuthorization
	StatusAuthorizationDenied
	StatusAuthorizationGranted
	StatusMonitoring
	StatusSessionMirroring
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "Idle"
	case StatusRequestingAuthorization:
		return "RequestingAuthorization"
	case StatusAuthorizationDenied:
		return "AuthorizationDenied"
	case StatusAuthorizationGranted:
		return "AuthorizationGranted"
	case StatusMonitoring:
		return "Monitoring"
	case StatusSessionMirroring:
		return "SessionMirroring"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is the feed's lifecycle state plus the line shown to the user.
// Err is set only for StatusError.
type Status struct {
	Kind StatusKind
	Text string
	Err  error
}

func (s Status) String() string {
	return s.Text
}

func idleStatus() Status {
	return Status{Kind: StatusIdle, Text: "Idle"}
}

func requestingStatus() Status {
	return Status{Kind: StatusRequestingAuthorization, Text: "Requesting..."}
}

func deniedStatus() Status {
	return Status{Kind: StatusAuthorizationDenied, Text: "Authorization denied"}
}

func grantedStatus() Status {
	return Status{Kind: StatusAuthorizationGranted, Text: "Ready for Mirroring"}
}

func monitoringStatus() Status {
	return Status{Kind: StatusMonitoring, Text: "Monitoring HR"}
}

func sampleStatus(bpm int) Status {
	return Status{Kind: StatusMonitoring, Text: fmt.Sprintf("HR Updated: %d BPM", bpm)}
}

func mirroringStatus(text string) Status {
	return Status{Kind: StatusSessionMirroring, Text: text}
}

func errorStatus(err error) Status {
	return Status{Kind: StatusError, Text: "Error: " + err.Error(), Err: err}
}
