package healthstore

import (
	"context"
	"sync"

	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

type batch struct {
	samples []heartrate.Sample
	err     error
}

// subscription delivers batches to its handler in order on one goroutine
type subscription struct {
	store   *Store
	id      uint64
	handler heartrate.BatchHandler

	mu      sync.Mutex
	pending []batch
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(store *Store, id uint64, handler heartrate.BatchHandler) *subscription {
	return &subscription{
		store:   store,
		id:      id,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(b batch) {
	s.mu.Lock()
	s.pending = append(s.pending, b)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			pending := s.pending
			s.pending = nil
			s.mu.Unlock()
			for _, b := range pending {
				select {
				case <-s.done:
					return
				default:
				}
				s.handler(b.samples, b.err)
			}
		}
	}
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.store.removeSubscription(s.id)
	})
}
