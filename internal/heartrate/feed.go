package heartrate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/dispatch"
	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
)

const DefaultRecentWindow = 10 * time.Second

type Options struct {
	// RecentWindow bounds how far back a new subscription reaches
	RecentWindow time.Duration
	Now          func() time.Time
}

// FeedState is a consistent snapshot of everything the feed exposes.
type FeedState struct {
	HeartRate           int
	LastSample          Sample
	Status              Status
	Authorized          bool
	Monitoring          bool
	SessionID           string
	SessionState        SessionState
	SessionDataReceived int
}

// Feed owns the authorization and subscription lifecycle against a Source
// and publishes the latest heart rate. Every mutation runs on the dispatcher;
// failures end up in Status and are never returned to callers.
type Feed struct {
	source     Source
	dispatcher *dispatch.Dispatcher
	logger     *log.Logger
	opts       Options
	ctx        context.Context
	cancel     context.CancelFunc

	// owned by the dispatcher goroutine
	state        FeedState
	subscription Subscription
	generation   uint64
	session      Session
	closed       bool

	snapshotMu   sync.RWMutex
	snapshot     FeedState
	stateEvent   *events.ChannelEvent[FeedState]
	changeEvent  *events.CallbackEvent[FeedState]
	shutdownOnce sync.Once
}

// NewFeed creates an idle feed. source may be nil, in which case every
// request ends in an error status and consumers fall back to simulated data.
func NewFeed(source Source, dispatcher *dispatch.Dispatcher, logger *log.Logger, opts Options) *Feed {
	if dispatcher == nil {
		panic("HeartRateFeed: dispatcher cannot be nil")
	}
	if logger == nil {
		panic("HeartRateFeed: logger cannot be nil")
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		source:      source,
		dispatcher:  dispatcher,
		logger:      logger,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		state:       FeedState{Status: idleStatus()},
		stateEvent:  events.NewChannelEvent[FeedState](true),
		changeEvent: events.NewCallbackEvent[FeedState](false),
	}
	f.snapshot = f.state
	f.stateEvent.Notify(f.state)
	return f
}

// State returns the last published snapshot
func (f *Feed) State() FeedState {
	f.snapshotMu.RLock()
	defer f.snapshotMu.RUnlock()
	return f.snapshot
}

// ListenToState registers a channel for state snapshots. The current state is
// sent on registration and an unread snapshot is replaced by a newer one.
func (f *Feed) ListenToState(ch chan FeedState) func() {
	return f.stateEvent.ListenLatest(ch)
}

// OnStateChange registers a callback run on the dispatcher goroutine after
// every state change.
func (f *Feed) OnStateChange(callback func(FeedState)) func() {
	return f.changeEvent.Listen(callback)
}

// RequestAuthorization asks the source for access. On grant the feed starts
// monitoring by itself.
func (f *Feed) RequestAuthorization() {
	f.dispatcher.Post(f.requestAuthorization)
}

// StartMonitoring opens a fresh subscription, replacing any existing one
func (f *Feed) StartMonitoring() {
	f.dispatcher.Post(f.startMonitoring)
}

// Stop cancels the active subscription. It is a no-op when there is none.
func (f *Feed) Stop() {
	f.dispatcher.Post(f.stop)
}

// AcceptMirroredSession attaches the feed as delegate of a remotely started
// session. Monitoring starts once the session is running.
func (f *Feed) AcceptMirroredSession(session Session) {
	if session == nil {
		panic("HeartRateFeed: session cannot be nil")
	}
	f.dispatcher.Post(func() { f.acceptMirroredSession(session) })
}

// Shutdown stops monitoring and detaches from any session. Callbacks that
// arrive afterwards are ignored.
func (f *Feed) Shutdown() {
	f.shutdownOnce.Do(func() {
		f.logger.Println("HeartRateFeed: Shutting down")
		teardown := func() {
			f.stop()
			if f.session != nil {
				f.session.SetDelegate(nil)
				f.session = nil
			}
			f.closed = true
		}
		if !f.dispatcher.Sync(teardown) {
			// dispatcher already gone, nothing else can touch the state
			teardown()
		}
		f.cancel()
		f.logger.Println("HeartRateFeed: Shutdown complete")
	})
}

func (f *Feed) requestAuthorization() {
	if f.closed {
		return
	}
	if f.source == nil {
		f.setStatus(errorStatus(&AuthorizationError{Err: ErrSourceUnavailable}))
		return
	}
	f.logger.Println("HeartRateFeed: Requesting authorization")
	f.setStatus(requestingStatus())
	f.source.RequestAuthorization(f.ctx, func(granted bool, err error) {
		f.dispatcher.Post(func() { f.onAuthorization(granted, err) })
	})
}

func (f *Feed) onAuthorization(granted bool, err error) {
	if f.closed {
		return
	}
	switch {
	case err != nil:
		f.logger.Printf("HeartRateFeed: Authorization error: %v", err)
		f.state.Authorized = false
		f.setStatus(errorStatus(&AuthorizationError{Err: err}))
	case !granted:
		f.logger.Println("HeartRateFeed: Authorization denied")
		f.state.Authorized = false
		f.setStatus(deniedStatus())
	default:
		f.logger.Println("HeartRateFeed: Authorization granted")
		f.state.Authorized = true
		f.setStatus(grantedStatus())
		f.startMonitoring()
	}
}

func (f *Feed) startMonitoring() {
	if f.closed {
		return
	}
	if f.source == nil {
		f.setStatus(errorStatus(&SubscriptionError{Err: ErrSourceUnavailable}))
		return
	}
	f.cancelSubscription()

	f.generation++
	generation := f.generation
	since := f.opts.Now().Add(-f.opts.RecentWindow)
	subscription, err := f.source.Subscribe(since, func(samples []Sample, err error) {
		f.dispatcher.Post(func() { f.onBatch(generation, samples, err) })
	})
	if err != nil {
		f.logger.Printf("HeartRateFeed: Subscribe failed: %v", err)
		f.state.Monitoring = false
		f.setStatus(errorStatus(&SubscriptionError{Err: err}))
		return
	}
	f.subscription = subscription
	f.state.Monitoring = true
	f.logger.Printf("HeartRateFeed: Monitoring samples since %s", since.Format(time.RFC3339))
	f.setStatus(monitoringStatus())
}

func (f *Feed) onBatch(generation uint64, samples []Sample, err error) {
	if f.closed || generation != f.generation || f.subscription == nil {
		// batch from a cancelled subscription
		return
	}
	if err != nil {
		f.logger.Printf("HeartRateFeed: Delivery error: %v", err)
		f.setStatus(errorStatus(&SubscriptionError{Err: err}))
		return
	}
	if len(samples) == 0 {
		return
	}
	f.onSample(samples[len(samples)-1])
}

// onSample applies the most recently delivered sample, whatever its timestamp
func (f *Feed) onSample(sample Sample) {
	if sample.BPM < 0 {
		f.logger.Printf("HeartRateFeed: Ignoring negative sample %d", sample.BPM)
		return
	}
	f.state.HeartRate = sample.BPM
	f.state.LastSample = sample
	f.setStatus(sampleStatus(sample.BPM))
}

func (f *Feed) stop() {
	if f.subscription == nil {
		return
	}
	f.logger.Println("HeartRateFeed: Stopping monitoring")
	f.cancelSubscription()
	f.state.Monitoring = false
	f.setStatus(idleStatus())
}

func (f *Feed) cancelSubscription() {
	if f.subscription == nil {
		return
	}
	f.subscription.Cancel()
	f.subscription = nil
	f.generation++
}

func (f *Feed) acceptMirroredSession(session Session) {
	if f.closed {
		return
	}
	if f.session != nil && f.session != session {
		f.logger.Printf("HeartRateFeed: Replacing mirrored session %s", f.session.ID())
		f.session.SetDelegate(nil)
	}
	f.logger.Printf("HeartRateFeed: Mirroring started for session %s", session.ID())
	f.session = session
	session.SetDelegate(&sessionDelegate{feed: f, session: session})
	f.state.SessionID = session.ID()
	f.state.SessionState = session.State()
	f.state.SessionDataReceived = 0
	f.setStatus(mirroringStatus("Mirroring Started"))
	if f.state.SessionState == SessionRunning {
		f.startMonitoring()
	}
}

func (f *Feed) onSessionStateChanged(session Session, to SessionState, from SessionState) {
	if f.closed || f.session != session {
		return
	}
	f.logger.Printf("HeartRateFeed: Session %s %s -> %s", session.ID(), from, to)
	f.state.SessionState = to
	f.setStatus(mirroringStatus("Session: " + to.String()))
	if to == SessionRunning {
		f.startMonitoring()
	}
}

func (f *Feed) onSessionFailed(session Session, err error) {
	if f.closed || f.session != session {
		return
	}
	f.logger.Printf("HeartRateFeed: Session %s failed: %v", session.ID(), err)
	f.setStatus(errorStatus(&SessionError{SessionID: session.ID(), Err: err}))
}

func (f *Feed) onSessionData(session Session, data [][]byte) {
	if f.closed || f.session != session {
		return
	}
	f.state.SessionDataReceived += len(data)
	f.publish()
}

func (f *Feed) setStatus(status Status) {
	f.state.Status = status
	f.publish()
}

func (f *Feed) publish() {
	state := f.state
	f.snapshotMu.Lock()
	f.snapshot = state
	f.snapshotMu.Unlock()
	f.stateEvent.Notify(state)
	f.changeEvent.Notify(state)
}

// sessionDelegate marshals session callbacks onto the dispatcher
type sessionDelegate struct {
	feed    *Feed
	session Session
}

func (d *sessionDelegate) SessionStateChanged(to SessionState, from SessionState, _ time.Time) {
	d.feed.dispatcher.Post(func() { d.feed.onSessionStateChanged(d.session, to, from) })
}

func (d *sessionDelegate) SessionFailed(err error) {
	d.feed.dispatcher.Post(func() { d.feed.onSessionFailed(d.session, err) })
}

func (d *sessionDelegate) SessionReceivedData(data [][]byte) {
	d.feed.dispatcher.Post(func() { d.feed.onSessionData(d.session, data) })
}
