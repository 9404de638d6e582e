package bus

import (
	"context"
	"sync"
	"time"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
	"github.com/hpeXt/wasmkernel/internal/message"
)

// pending is a message sitting in an inbox together with the channel its
// sender is waiting on for a terminal outcome. A Send call does not
// return until its message is delivered, evicted, expired, or cancelled —
// the Bus queue wait is one of the two suspension points named in spec 9.
type pending struct {
	msg    message.Message
	result chan error
}

func (p *pending) resolve(err error) {
	select {
	case p.result <- err:
	default:
		// already resolved (e.g. cancellation raced with delivery)
	}
}

// inbox is one plugin's bounded inbound queue. It is a slice rather than
// a plain Go channel because Critical-priority admission must be able to
// inspect and evict an arbitrary element, not just the head.
type inbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	items    []*pending
	closed   bool
}

func newInbox(capacity int) *inbox {
	ib := &inbox{capacity: capacity}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	pending := ib.items
	ib.items = nil
	ib.mu.Unlock()
	ib.cond.Broadcast()
	for _, p := range pending {
		p.resolve(&kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin})
	}
}

// enqueue admits m per the priority backpressure policy (spec 4.5), then
// blocks until the message reaches a terminal outcome or ctx is done.
func (ib *inbox) enqueue(ctx context.Context, m message.Message, admissionDeadline time.Duration) error {
	p := &pending{msg: m, result: make(chan error, 1)}

	if err := ib.admit(ctx, p, admissionDeadline); err != nil {
		return err
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		ib.removeIfPresent(p)
		p.resolve(&kernelerr.BusError{Err: kernelerr.ErrCancelled})
		return &kernelerr.BusError{Err: kernelerr.ErrCancelled}
	}
}

// admit places p in the queue, applying the priority-specific backpressure
// policy when the queue is already at capacity.
func (ib *inbox) admit(ctx context.Context, p *pending, admissionDeadline time.Duration) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.closed {
		return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
	}

	if len(ib.items) < ib.capacity {
		ib.items = append(ib.items, p)
		ib.cond.Broadcast()
		return nil
	}

	switch p.msg.Priority {
	case message.Critical:
		if idx := ib.oldestEvictableLocked(); idx >= 0 {
			evicted := ib.items[idx]
			ib.items = append(ib.items[:idx], ib.items[idx+1:]...)
			ib.items = append(ib.items, p)
			ib.cond.Broadcast()
			evicted.resolve(&kernelerr.BusError{Err: kernelerr.ErrQueueFull})
			return nil
		}
		// No Low/Normal/High message to evict: behave as High.
		return ib.waitForSpaceLocked(ctx, p, nil)

	case message.High:
		return ib.waitForSpaceLocked(ctx, p, nil)

	default: // Low, Normal
		deadline := time.Now().Add(admissionDeadline)
		return ib.waitForSpaceLocked(ctx, p, &deadline)
	}
}

// oldestEvictableLocked returns the index of the earliest-queued message
// whose priority is lower than Critical (Low preferred, then Normal, then
// High), or -1 if every queued message is already Critical. Caller must
// hold ib.mu.
func (ib *inbox) oldestEvictableLocked() int {
	for _, target := range []message.Priority{message.Low, message.Normal, message.High} {
		for i, it := range ib.items {
			if it.msg.Priority == target {
				return i
			}
		}
	}
	return -1
}

// waitForSpaceLocked blocks on ib.cond until space frees, ctx is done, or
// (when deadline is non-nil) the deadline passes. Caller must hold ib.mu;
// it is released while waiting and re-acquired before returning.
func (ib *inbox) waitForSpaceLocked(ctx context.Context, p *pending, deadline *time.Time) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		if deadline != nil {
			d := time.Until(*deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
			defer timer.Stop()
		}
		select {
		case <-ctx.Done():
			ib.cond.Broadcast()
		case <-timerC:
			ib.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		if ib.closed {
			return &kernelerr.BusError{Err: kernelerr.ErrNoSuchPlugin}
		}
		if len(ib.items) < ib.capacity {
			ib.items = append(ib.items, p)
			ib.cond.Broadcast()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return &kernelerr.BusError{Err: kernelerr.ErrCancelled}
		}
		if deadline != nil && !time.Now().Before(*deadline) {
			return &kernelerr.BusError{Err: kernelerr.ErrQueueFull}
		}
		ib.cond.Wait()
	}
}

// removeIfPresent removes p from the queue if it has not yet been
// dequeued for delivery (used when a Send is cancelled).
func (ib *inbox) removeIfPresent(p *pending) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for i, it := range ib.items {
		if it == p {
			ib.items = append(ib.items[:i], ib.items[i+1:]...)
			return
		}
	}
}

// dequeue pops the earliest-queued message for delivery (FIFO), blocking
// until one is available or the inbox is closed.
func (ib *inbox) dequeue() (*pending, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for len(ib.items) == 0 {
		if ib.closed {
			return nil, false
		}
		ib.cond.Wait()
	}
	p := ib.items[0]
	ib.items = ib.items[1:]
	ib.cond.Broadcast()
	return p, true
}
