// Package driver holds the plumbing shared by the I/O interfaces: per-span
// event queues, waiter wakeup and the blocking read and readiness loops.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/flowpbx/openzap/internal/buffer"
	"github.com/flowpbx/openzap/internal/zap"
)

// Notifier wakes every goroutine waiting on it.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait returns a channel closed by the next Broadcast. Take it before
// checking the condition being waited for so no wakeup is lost.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

// Broadcast releases all current waiters.
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// EventQueue is the FIFO of events pending on one span.
type EventQueue struct {
	mu     sync.Mutex
	events []*zap.Event
	sig    Notifier
}

// Push appends ev and wakes pollers.
func (q *EventQueue) Push(ev *zap.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.sig.Broadcast()
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Next pops the oldest event or returns zap.ErrNoEvent.
func (q *EventQueue) Next() (*zap.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil, zap.ErrNoEvent
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, nil
}

// PendingFor reports whether an event for ch is queued.
func (q *EventQueue) PendingFor(ch *zap.Channel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range q.events {
		if ev.Channel == ch {
			return true
		}
	}
	return false
}

// Poll waits until an event is queued. A zero timeout polls once.
func (q *EventQueue) Poll(ctx context.Context, timeout time.Duration) error {
	_, err := Await(ctx, &q.sig, timeout, func() bool { return q.Len() > 0 })
	return err
}

// Queues maps spans to their event queues.
type Queues struct {
	mu sync.Mutex
	m  map[*zap.Span]*EventQueue
}

// Get returns the queue of span, creating it on first use.
func (qs *Queues) Get(span *zap.Span) *EventQueue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.m == nil {
		qs.m = make(map[*zap.Span]*EventQueue)
	}
	q, ok := qs.m[span]
	if !ok {
		q = &EventQueue{}
		qs.m[span] = q
	}
	return q
}

// Drop forgets span's queue.
func (qs *Queues) Drop(span *zap.Span) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.m, span)
}

// Await blocks until ready returns true, re-checking whenever sig fires.
// It returns zap.ErrTimeout after timeout, immediately when timeout is
// zero, and zap.ErrBreak when ctx ends.
func Await(ctx context.Context, sig *Notifier, timeout time.Duration, ready func() bool) (bool, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		wake := sig.Wait()
		if ready() {
			return true, nil
		}
		if timeout <= 0 {
			return false, zap.ErrTimeout
		}
		select {
		case <-wake:
		case <-expire:
			return false, zap.ErrTimeout
		case <-ctx.Done():
			return false, zap.ErrBreak
		}
	}
}

// ReadBuffer takes queued bytes from rx into buf, waiting up to timeout
// for the first byte.
func ReadBuffer(rx *buffer.Buffer, sig *Notifier, buf []byte, timeout time.Duration) (int, error) {
	var n int
	_, err := Await(context.Background(), sig, timeout, func() bool {
		n = rx.Read(buf)
		return n > 0
	})
	return n, err
}

// WriteBuffer queues p on rx, dropping the oldest bytes when rx is full,
// and wakes readers.
func WriteBuffer(rx *buffer.Buffer, sig *Notifier, p []byte) error {
	if err := rx.Write(p); err != nil {
		rx.Toss(len(p))
		if err := rx.Write(p); err != nil {
			return err
		}
	}
	sig.Broadcast()
	return nil
}

// Readiness computes the subset of flags that hold for a channel whose
// receive queue is rx and whose span events are in q. Writes are always
// ready.
func Readiness(flags zap.WaitFlag, rx *buffer.Buffer, q *EventQueue, ch *zap.Channel) zap.WaitFlag {
	ready := zap.WaitNone
	if flags&zap.WaitWrite != 0 {
		ready |= zap.WaitWrite
	}
	if flags&zap.WaitRead != 0 && rx.Inuse() > 0 {
		ready |= zap.WaitRead
	}
	if flags&zap.WaitEvent != 0 && q.PendingFor(ch) {
		ready |= zap.WaitEvent
	}
	return ready
}

// WaitChannel runs the IOInterface.Wait contract over Readiness.
func WaitChannel(ctx context.Context, sig *Notifier, flags zap.WaitFlag, timeout time.Duration, rx *buffer.Buffer, q *EventQueue, ch *zap.Channel) (zap.WaitFlag, error) {
	var ready zap.WaitFlag
	_, err := Await(ctx, sig, timeout, func() bool {
		ready = Readiness(flags, rx, q, ch)
		return ready != zap.WaitNone
	})
	if err != nil {
		return zap.WaitNone, err
	}
	return ready, nil
}
