package mirror

import (
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

// Session is a workout session driven by a remote client over a websocket
type Session struct {
	id  string
	now func() time.Time

	mu       sync.Mutex
	state    heartrate.SessionState
	delegate heartrate.SessionDelegate
}

var _ heartrate.Session = (*Session)(nil)

func newSession(id string, now func() time.Time) *Session {
	return &Session{id: id, now: now, state: heartrate.SessionNotStarted}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() heartrate.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetDelegate(delegate heartrate.SessionDelegate) {
	s.mu.Lock()
	s.delegate = delegate
	s.mu.Unlock()
}

// transition moves to state and tells the delegate. An ended session does
// not change again.
func (s *Session) transition(to heartrate.SessionState) bool {
	s.mu.Lock()
	from := s.state
	if from == to || from == heartrate.SessionEnded {
		s.mu.Unlock()
		return false
	}
	s.state = to
	delegate := s.delegate
	s.mu.Unlock()

	if delegate != nil {
		delegate.SessionStateChanged(to, from, s.now())
	}
	return true
}

func (s *Session) fail(err error) {
	if delegate := s.getDelegate(); delegate != nil {
		delegate.SessionFailed(err)
	}
}

func (s *Session) receive(data [][]byte) {
	if delegate := s.getDelegate(); delegate != nil {
		delegate.SessionReceivedData(data)
	}
}

func (s *Session) getDelegate() heartrate.SessionDelegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}
