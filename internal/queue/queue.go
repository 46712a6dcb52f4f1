// Package queue implements the bounded lock-free ring that carries
// encoded frames from emitting goroutines to a sink's worker. It is
// the Vyukov bounded-queue design: each slot carries a sequence
// number; producers claim positions with a CAS on the tail counter
// and publish by bumping the slot sequence; the consumer reads
// sequentially and recycles slots by advancing the sequence one full
// lap. The fast path takes no locks; parking for a blocked consumer
// or a block-producer overflow policy goes through notification
// channels only.
package queue

import (
	"runtime"
	"sync/atomic"
	"time"
)

// slot is one ring cell. The sequence field encodes the slot state:
// seq == pos means writable for the producer that claimed pos,
// seq == pos+1 means published and readable at pos,
// seq == pos+capacity means consumed and writable for the next lap.
type slot struct {
	seq   atomic.Uint64
	frame []byte
	// Pad to a cache line to keep neighbouring slots from false
	// sharing under concurrent producers.
	_ [32]byte
}

// Queue is a bounded multi-producer ring of owned frames with one
// primary consumer. TryDequeue is safe for concurrent use so a
// drop-oldest producer can reclaim the head slot; ordering for the
// worker remains the total order of successful enqueues.
type Queue struct {
	slots []slot
	mask  uint64

	_    [64]byte
	tail atomic.Uint64
	_    [64]byte
	head atomic.Uint64
	_    [64]byte

	closed atomic.Bool

	// notEmpty wakes the parked consumer; notFull wakes producers
	// parked by the block overflow policy. Both carry at most one
	// pending token.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// DefaultCapacity is the per-sink queue capacity when none is
// configured.
const DefaultCapacity = 65536

// New creates a queue with the given capacity, rounded up to a power
// of two. Capacities below 2 are raised to 2.
func New(capacity int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	cap64 := uint64(1)
	for cap64 < uint64(capacity) {
		cap64 <<= 1
	}
	q := &Queue{
		slots:    make([]slot, cap64),
		mask:     cap64 - 1,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.slots) }

// Len returns the approximate number of queued frames.
func (q *Queue) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail < head {
		return 0
	}
	n := tail - head
	if n > uint64(len(q.slots)) {
		n = uint64(len(q.slots))
	}
	return int(n)
}

// TryEnqueue publishes a frame. It returns false when the ring is
// full or the queue is closed; the caller applies its overflow
// policy. Producers are wait-free when uncontended and lock-free
// under contention.
func (q *Queue) TryEnqueue(frame []byte) bool {
	if q.closed.Load() {
		return false
	}
	pos := q.tail.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.frame = frame
				s.seq.Store(pos + 1)
				q.signal(q.notEmpty)
				return true
			}
			pos = q.tail.Load()
		case seq < pos:
			// The slot has not been consumed for a full lap: full.
			return false
		default:
			// Another producer claimed pos; move to the new tail.
			pos = q.tail.Load()
		}
	}
}

// TryDequeue removes the frame at the head, if one is published. The
// worker is the primary caller; a producer running the drop-oldest
// policy may also call it to reclaim space.
func (q *Queue) TryDequeue() ([]byte, bool) {
	pos := q.head.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if q.head.CompareAndSwap(pos, pos+1) {
				frame := s.frame
				s.frame = nil
				s.seq.Store(pos + uint64(len(q.slots)))
				q.signal(q.notFull)
				return frame, true
			}
			pos = q.head.Load()
		case seq <= pos:
			// Head slot not yet published: empty.
			return nil, false
		default:
			pos = q.head.Load()
		}
	}
}

// DequeueResult describes the outcome of a blocking dequeue.
type DequeueResult int

const (
	// Dequeued means a frame was returned.
	Dequeued DequeueResult = iota
	// TimedOut means the wait interval elapsed with no frame.
	TimedOut
	// Closed means the queue is closed and drained.
	Closed
)

// Dequeue removes the next frame, waiting up to timeout. It spins
// briefly before parking so bursts are consumed without scheduler
// round-trips. After Close, queued frames continue to drain; Closed
// is returned only once the ring is empty.
func (q *Queue) Dequeue(timeout time.Duration) ([]byte, DequeueResult) {
	for i := 0; i < 64; i++ {
		if frame, ok := q.TryDequeue(); ok {
			return frame, Dequeued
		}
		if q.closed.Load() {
			// Recheck once: a producer may have published between
			// the failed dequeue and the closed check.
			if frame, ok := q.TryDequeue(); ok {
				return frame, Dequeued
			}
			return nil, Closed
		}
		runtime.Gosched()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if frame, ok := q.TryDequeue(); ok {
			return frame, Dequeued
		}
		if q.closed.Load() {
			if frame, ok := q.TryDequeue(); ok {
				return frame, Dequeued
			}
			return nil, Closed
		}
		select {
		case <-q.notEmpty:
		case <-timer.C:
			return nil, TimedOut
		}
	}
}

// WaitNotFull parks the caller until a slot is freed, the timeout
// elapses, or the queue closes. Used by the block-producer overflow
// policy between enqueue attempts.
func (q *Queue) WaitNotFull(timeout time.Duration) bool {
	if q.closed.Load() {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notFull:
		return true
	case <-timer.C:
		return false
	}
}

// Close marks the queue closed. Producers fail fast afterwards; the
// consumer drains whatever was enqueued before the close.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.signal(q.notEmpty)
		q.signal(q.notFull)
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool { return q.closed.Load() }

func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
