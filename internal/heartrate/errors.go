package heartrate

import "errors"

var (
	ErrAuthorizationDenied = errors.New("heart rate authorization denied")
	ErrSourceUnavailable   = errors.New("heart rate source unavailable")
)

// AuthorizationError is a failed permission request.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return "authorization failed: " + e.Err.Error()
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// SubscriptionError is a failed sample query or delivery.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return "heart rate query failed: " + e.Err.Error()
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// SessionError is a failure reported by a mirrored session.
type SessionError struct {
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return "session " + e.SessionID + " failed: " + e.Err.Error()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
