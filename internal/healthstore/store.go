package healthstore

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

const DefaultCapacity = 512

var ErrNoMirroringHandler = errors.New("no mirroring start handler registered")

var _ heartrate.Source = (*Store)(nil)

// Store keeps the most recent heart rate samples in memory and serves them
// to subscribers. Writers (strap, simulator, mirrored session) call Append.
type Store struct {
	logger     *log.Logger
	authorizer Authorizer
	capacity   int

	mu               sync.Mutex
	samples          []heartrate.Sample
	authorized       bool
	subscriptions    map[uint64]*subscription
	nextID           uint64
	mirroringHandler func(heartrate.Session)
	closed           bool

	sampleEvent *events.ChannelEvent[heartrate.Sample]
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewStore(authorizer Authorizer, logger *log.Logger, capacity int) *Store {
	if authorizer == nil {
		panic("HealthStore: authorizer cannot be nil")
	}
	if logger == nil {
		panic("HealthStore: logger cannot be nil")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		logger:        logger,
		authorizer:    authorizer,
		capacity:      capacity,
		samples:       make([]heartrate.Sample, 0, capacity),
		subscriptions: make(map[uint64]*subscription),
		sampleEvent:   events.NewChannelEvent[heartrate.Sample](true),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RequestAuthorization runs the authorizer on its own goroutine. Every request
// reaches the authorizer, so a strap that dropped gets reconnected; a grant is
// remembered for Subscribe, denials and errors are not.
func (s *Store) RequestAuthorization(ctx context.Context, done func(granted bool, err error)) {
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		authCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		granted, err := s.authorizer.Authorize(authCtx)
		if authCtx.Err() != nil {
			s.logger.Printf("HealthStore: authorization abandoned: %v", authCtx.Err())
			return
		}
		if err == nil && granted {
			s.mu.Lock()
			s.authorized = true
			s.mu.Unlock()
		}
		s.logger.Printf("HealthStore: authorization granted=%v err=%v", granted, err)
		done(granted, err)
	})
}

// IsAuthorized reports whether a previous request was granted
func (s *Store) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Subscribe starts an anchored query: the first batch holds stored samples
// at or after since, later batches hold each appended sample.
func (s *Store) Subscribe(since time.Time, handler heartrate.BatchHandler) (heartrate.Subscription, error) {
	if handler == nil {
		panic("HealthStore: handler cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, heartrate.ErrSourceUnavailable
	}
	if !s.authorized {
		return nil, heartrate.ErrAuthorizationDenied
	}

	initial := make([]heartrate.Sample, 0)
	for _, sample := range s.samples {
		if !sample.Timestamp.Before(since) {
			initial = append(initial, sample)
		}
	}

	id := s.nextID
	s.nextID++
	sub := newSubscription(s, id, handler)
	s.subscriptions[id] = sub
	sub.enqueue(batch{samples: initial})
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		sub.run(s.ctx)
	})
	s.logger.Printf("HealthStore: subscription %d since %s (%d initial samples)", id, since.Format(time.RFC3339), len(initial))
	return sub, nil
}

// Append records a sample and forwards it to every subscription
func (s *Store) Append(sample heartrate.Sample) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.samples) >= s.capacity {
		copy(s.samples, s.samples[1:])
		s.samples = s.samples[:len(s.samples)-1]
	}
	s.samples = append(s.samples, sample)
	for _, sub := range s.subscriptions {
		sub.enqueue(batch{samples: []heartrate.Sample{sample}})
	}
	s.mu.Unlock()
	s.sampleEvent.Notify(sample)
}

// ReportError forwards a delivery failure to every subscription
func (s *Store) ReportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		sub.enqueue(batch{err: err})
	}
}

// Latest returns the newest stored sample
func (s *Store) Latest() (heartrate.Sample, bool) {
	return s.sampleEvent.Last()
}

// ListenToSamples registers a channel for appended samples
func (s *Store) ListenToSamples(ch chan<- heartrate.Sample) func() {
	return s.sampleEvent.Listen(ch)
}

// SubscriptionCount is the number of live subscriptions
func (s *Store) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// SetMirroringStartHandler registers the receiver of remotely started sessions
func (s *Store) SetMirroringStartHandler(handler func(heartrate.Session)) {
	s.mu.Lock()
	s.mirroringHandler = handler
	s.mu.Unlock()
}

// StartMirroring hands a remotely started session to the registered handler
func (s *Store) StartMirroring(session heartrate.Session) error {
	s.mu.Lock()
	handler := s.mirroringHandler
	s.mu.Unlock()
	if handler == nil {
		return ErrNoMirroringHandler
	}
	s.logger.Printf("HealthStore: mirroring session %s", session.ID())
	handler(session)
	return nil
}

func (s *Store) removeSubscription(id uint64) {
	s.mu.Lock()
	delete(s.subscriptions, id)
	s.mu.Unlock()
}

// Shutdown cancels all subscriptions and pending authorizations
func (s *Store) Shutdown() {
	s.logger.Println("HealthStore: Shutting down")
	s.mu.Lock()
	s.closed = true
	s.subscriptions = make(map[uint64]*subscription)
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.logger.Println("HealthStore: Shutdown complete")
}
