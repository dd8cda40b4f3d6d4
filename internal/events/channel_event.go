package events

// ChannelEvent fans values out to registered channels.
// Sends never block. A channel registered with Listen misses values while its
// buffer is full; one registered with ListenLatest loses its oldest buffered
// value instead, so the newest always gets through.
type ChannelEvent[T any] struct {
	hub[channelListener[T], T]
}

type channelListener[T any] struct {
	send   chan<- T
	latest chan T // set by ListenLatest
}

// NewChannelEvent creates a ChannelEvent. With replay set, a new listener is
// sent the last notified value straight away.
func NewChannelEvent[T any](replay bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{hub: newHub[channelListener[T], T](replay)}
}

// Listen registers ch and returns its deregistration func
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return e.listen(channelListener[T]{send: ch})
}

// ListenLatest registers ch for state-like values where only the most recent
// one matters. A buffered value nobody has read yet is replaced.
func (e *ChannelEvent[T]) ListenLatest(ch chan T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return e.listen(channelListener[T]{send: ch, latest: ch})
}

func (e *ChannelEvent[T]) listen(l channelListener[T]) func() {
	id, last, replay := e.add(l)
	if replay {
		l.deliver(last)
	}
	return func() { e.remove(id) }
}

// Notify delivers value to every registered channel
func (e *ChannelEvent[T]) Notify(value T) {
	for _, l := range e.publish(value) {
		l.deliver(value)
	}
}

func (l channelListener[T]) deliver(value T) {
	if l.latest == nil {
		trySend(l.send, value)
		return
	}
	for {
		select {
		case l.latest <- value:
			return
		default:
		}
		// full: drop the stale value and retry
		select {
		case <-l.latest:
		default:
		}
	}
}

func trySend[T any](ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
	}
}
