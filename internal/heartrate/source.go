package heartrate

import (
	"context"
	"time"
)

// Sample is a single heart rate reading.
type Sample struct {
	BPM       int       `json:"bpm"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchHandler receives samples from a subscription. It may be called from
// any goroutine; a non-nil err reports a delivery failure for that batch.
type BatchHandler func(samples []Sample, err error)

// Subscription is a live query against a Source.
type Subscription interface {
	Cancel()
}

// Source is the biometric store the feed reads from. Both methods must return
// without blocking and report results through their callbacks.
type Source interface {
	// RequestAuthorization asks for read access to heart rate data. done is
	// called exactly once unless ctx is cancelled first.
	RequestAuthorization(ctx context.Context, done func(granted bool, err error))

	// Subscribe delivers samples timestamped at or after since as an initial
	// batch, then every newer sample as it arrives, until cancelled.
	Subscribe(since time.Time, handler BatchHandler) (Subscription, error)
}
