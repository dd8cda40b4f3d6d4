package dispatch

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
)

// Dispatcher runs posted funcs one at a time, in order, on a single goroutine.
// State owned by the feed and the servo controller is only touched from here.
type Dispatcher struct {
	logger       *log.Logger
	mu           sync.Mutex
	queue        []func()
	closed       bool
	wake         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(logger *log.Logger) *Dispatcher {
	if logger == nil {
		panic("Dispatcher: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go_func_utils.SafeGoWG(logger, &d.wg, d.run)
	return d
}

// Post queues fn and returns immediately. It reports false once the
// dispatcher has been shut down, in which case fn never runs.
func (d *Dispatcher) Post(fn func()) bool {
	if fn == nil {
		panic("Dispatcher: fn cannot be nil")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Printf("Dispatcher: post after shutdown ignored")
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync queues fn and waits for it to run. Calling Sync from a dispatched
// func deadlocks.
func (d *Dispatcher) Sync(fn func()) bool {
	done := make(chan struct{})
	if !d.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Flush waits until everything posted before the call has run
func (d *Dispatcher) Flush() {
	d.Sync(func() {})
}

func (d *Dispatcher) run() {
	defer d.logger.Printf("Dispatcher: exiting run loop")
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
			for {
				d.mu.Lock()
				batch := d.queue
				d.queue = nil
				d.mu.Unlock()
				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					if d.ctx.Err() != nil {
						return
					}
					fn()
				}
			}
		}
	}
}

// Shutdown stops the loop; queued funcs that have not started are dropped
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.queue = nil
		d.mu.Unlock()
		d.cancel()
		d.wg.Wait()
		d.logger.Println("Dispatcher: Shutdown complete")
	})
}
