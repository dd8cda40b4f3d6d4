package events

// CallbackEvent invokes registered callbacks synchronously on the notifying goroutine.
type CallbackEvent[T any] struct {
	hub[func(T), T]
}

// NewCallbackEvent creates a CallbackEvent. With replay set, a new listener is
// called with the last notified value before Listen returns.
func NewCallbackEvent[T any](replay bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{hub: newHub[func(T), T](replay)}
}

// Listen registers callback and returns its deregistration func
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last, replay := e.add(callback)
	if replay {
		callback(last)
	}
	return func() { e.remove(id) }
}

// Notify calls every registered callback with value
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.publish(value) {
		callback(value)
	}
}
