package scheduler

import (
	"context"
	"sync"
)

// dispatcher delivers observer calls on one goroutine in push order. The queue is
// unbounded so pushing never blocks the scheduler's critical section.
type dispatcher struct {
	observer Observer

	mu      sync.Mutex
	pending []func(Observer)
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(observer Observer) *dispatcher {
	d := &dispatcher{
		observer: observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go d.loop()

	return d
}

func (d *dispatcher) push(fn func(Observer)) {
	if d.observer == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn(d.observer)
		}

		if len(batch) > 0 {
			continue
		}

		if closed {
			return
		}

		<-d.wake
	}
}

// close stops accepting calls and waits for the pending ones to be delivered.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.signal()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
