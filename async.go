package loom

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/loom/internal/queue"
)

// OverflowPolicy selects what an emitter does when an async sink's
// queue is full.
type OverflowPolicy int

const (
	// OverflowDropNewest discards the record being enqueued. Default.
	OverflowDropNewest OverflowPolicy = iota
	// OverflowDropOldest reclaims the oldest queued frame to make
	// room for the new one.
	OverflowDropOldest
	// OverflowBlock parks the emitter until a slot frees up.
	OverflowBlock
)

// String returns the configuration spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowBlock:
		return "block"
	default:
		return "drop_newest"
	}
}

// ParseOverflowPolicy resolves a configuration spelling.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_newest":
		return OverflowDropNewest, true
	case "drop_oldest":
		return OverflowDropOldest, true
	case "block":
		return OverflowBlock, true
	}
	return OverflowDropNewest, false
}

// SinkStats is a point-in-time snapshot of an async sink's counters.
type SinkStats struct {
	Enqueued        uint64
	Written         uint64
	DroppedOverflow uint64
	DroppedShutdown uint64
}

// AsyncOptions configures an async sink wrapper.
type AsyncOptions struct {
	// QueueCapacity is rounded up to a power of two. Defaults to
	// queue.DefaultCapacity.
	QueueCapacity int
	// Overflow selects the policy applied when the queue is full.
	Overflow OverflowPolicy
	// MaxFrameSize caps one encoded frame. Defaults to
	// DefaultMaxFrameSize.
	MaxFrameSize int
	// DrainDeadline bounds the shutdown drain. Defaults to 5s.
	DrainDeadline time.Duration
}

// dequeueWait is the worker's wake interval, kept short so a latched
// shutdown is observed promptly.
const dequeueWait = 100 * time.Millisecond

// dropReportInterval coalesces overflow diagnostics.
const dropReportInterval = time.Second

// AsyncSink decouples a sink from its emitters with a bounded MPSC
// queue and a single worker goroutine. Records are encoded into owned
// frames on the emitting goroutine and decoded by the worker, so no
// borrowed storage crosses the thread boundary.
type AsyncSink struct {
	name          string
	inner         Sink
	q             *queue.Queue
	policy        OverflowPolicy
	maxFrame      int
	drainDeadline time.Duration

	enqueued        atomic.Uint64
	written         atomic.Uint64
	droppedOverflow atomic.Uint64
	droppedShutdown atomic.Uint64
	reportedDrops   atomic.Uint64
	lastDropReport  atomic.Int64

	abort  atomic.Bool
	done   chan struct{}
	closed atomic.Bool
}

// NewAsyncSink wraps inner with a queue and starts its worker. The
// sink registers with the termination coordinator so the queue drains
// before process exit.
func NewAsyncSink(name string, inner Sink, opts AsyncOptions) *AsyncSink {
	s := newAsyncSink(name, inner, opts)
	s.start()
	registerAsyncSink(s)
	return s
}

func newAsyncSink(name string, inner Sink, opts AsyncOptions) *AsyncSink {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = queue.DefaultCapacity
	}
	maxFrame := opts.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	deadline := opts.DrainDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &AsyncSink{
		name:          name,
		inner:         inner,
		q:             queue.New(capacity),
		policy:        opts.Overflow,
		maxFrame:      maxFrame,
		drainDeadline: deadline,
		done:          make(chan struct{}),
	}
}

func (s *AsyncSink) start() {
	go s.run()
}

// Name returns the sink's configured name.
func (s *AsyncSink) Name() string { return s.name }

// Inner returns the wrapped sink.
func (s *AsyncSink) Inner() Sink { return s.inner }

// Stats returns a snapshot of the sink's counters.
func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Enqueued:        s.enqueued.Load(),
		Written:         s.written.Load(),
		DroppedOverflow: s.droppedOverflow.Load(),
		DroppedShutdown: s.droppedShutdown.Load(),
	}
}

// MaybeAccepts defers to the wrapped sink's pre-filter.
func (s *AsyncSink) MaybeAccepts(sev Severity, logger string) bool {
	return s.inner.MaybeAccepts(sev, logger)
}

// WriteRecord encodes the live record into an owned frame and
// enqueues it. The record's borrowed storage is never referenced
// after this call returns.
func (s *AsyncSink) WriteRecord(r *Record) {
	var e encoder
	e.maxFrame = s.maxFrame
	frame := e.encode(r)
	s.enqueue(frame)
}

// WriteFrame enqueues a copy of an already-encoded frame. This path
// runs when an async sink is nested under another worker's dispatch.
func (s *AsyncSink) WriteFrame(fv *FrameView, loggerName string) {
	owned := framePool.get(len(fv.data))
	copy(owned, fv.data)
	s.enqueue(owned)
}

// enqueue publishes a frame, applying the overflow policy when the
// ring is full.
func (s *AsyncSink) enqueue(frame []byte) {
	if s.q.TryEnqueue(frame) {
		s.enqueued.Add(1)
		return
	}
	switch s.policy {
	case OverflowDropOldest:
		s.enqueueDroppingOldest(frame)
	case OverflowBlock:
		s.enqueueBlocking(frame)
	default:
		framePool.put(frame)
		s.droppedOverflow.Add(1)
	}
}

// enqueueDroppingOldest reclaims head frames until the new frame
// fits. The queue tolerates a second consumer, so producers may steal
// the head slot here.
func (s *AsyncSink) enqueueDroppingOldest(frame []byte) {
	for {
		if old, ok := s.q.TryDequeue(); ok {
			framePool.put(old)
			s.droppedOverflow.Add(1)
		}
		if s.q.TryEnqueue(frame) {
			s.enqueued.Add(1)
			return
		}
		if s.q.Closed() {
			framePool.put(frame)
			s.droppedOverflow.Add(1)
			return
		}
	}
}

// enqueueBlocking retries with bounded exponential backoff, then
// parks on the queue's not-full signal. Returns only once the frame
// is enqueued or the queue has closed.
func (s *AsyncSink) enqueueBlocking(frame []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = 0 // retry until enqueued or closed
	for {
		if s.q.TryEnqueue(frame) {
			s.enqueued.Add(1)
			return
		}
		if s.q.Closed() {
			framePool.put(frame)
			s.droppedOverflow.Add(1)
			return
		}
		wait := bo.NextBackOff()
		if wait > 100*time.Microsecond {
			s.q.WaitNotFull(wait)
			continue
		}
		time.Sleep(wait)
	}
}

// run is the worker loop: decode, decorate, filter, write, recycle.
func (s *AsyncSink) run() {
	defer close(s.done)
	for {
		if s.abort.Load() {
			s.discardRemaining()
			return
		}
		frame, res := s.q.Dequeue(dequeueWait)
		switch res {
		case queue.Dequeued:
			s.consume(frame)
			s.maybeReportDrops()
		case queue.TimedOut:
			s.maybeReportDrops()
		case queue.Closed:
			return
		}
	}
}

// consume writes one frame through the wrapped sink and returns its
// storage to the pool.
func (s *AsyncSink) consume(frame []byte) {
	fv, err := decodeFrame(frame)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.name, "dropping undecodable frame", err)
		framePool.put(frame)
		return
	}
	s.inner.WriteFrame(&fv, loggerNameByID(fv.loggerID))
	s.written.Add(1)
	framePool.put(frame)
}

// maybeReportDrops emits one coalesced overflow diagnostic per
// interval, as a WARNING on the wrapped sink.
func (s *AsyncSink) maybeReportDrops() {
	dropped := s.droppedOverflow.Load()
	reported := s.reportedDrops.Load()
	if dropped == reported {
		return
	}
	now := time.Now().UnixNano()
	last := s.lastDropReport.Load()
	if last != 0 && now-last < int64(dropReportInterval) {
		return
	}
	if !s.lastDropReport.CompareAndSwap(last, now) {
		return
	}
	s.reportedDrops.Store(dropped)
	n := dropped - reported

	var diag Record
	diag.severity = Warning
	diag.when = time.Now()
	diag.comps[0] = StringComponent("queue overflow: ")
	diag.comps[1] = IntComponent(int64(n))
	diag.comps[2] = StringComponent(" records dropped")
	diag.n = 3
	s.inner.WriteRecord(&diag)
}

// discardRemaining counts and frees whatever is still queued after
// the drain deadline fired.
func (s *AsyncSink) discardRemaining() {
	for {
		frame, ok := s.q.TryDequeue()
		if !ok {
			return
		}
		framePool.put(frame)
		s.droppedShutdown.Add(1)
	}
}

// Flush waits for the queue to empty, then flushes the wrapped sink.
// Intended for tests and explicit FlushAll calls, not the hot path.
func (s *AsyncSink) Flush() error {
	deadline := time.Now().Add(s.drainDeadline)
	for s.q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return s.inner.Flush()
}

// Close latches shutdown, drains the queue with the sink's deadline,
// then closes the wrapped sink. Frames still queued when the deadline
// fires are counted as dropped-at-shutdown. Close never deadlocks.
func (s *AsyncSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.q.Close()
	select {
	case <-s.done:
	case <-time.After(s.drainDeadline):
		s.abort.Store(true)
		// Give the worker one more interval to notice the abort; a
		// worker stuck in sink I/O must not stall process exit.
		select {
		case <-s.done:
		case <-time.After(dequeueWait * 2):
		}
	}
	if n := s.droppedShutdown.Load(); n > 0 {
		reportError(ErrCodeShutdownTimeout, "drain", s.name,
			"records lost at shutdown", errors.Errorf("%d frames undrained", n))
	}
	if err := s.inner.Flush(); err != nil {
		reportError(ErrCodeSinkFlush, "flush", s.name, "flush on close failed", err)
	}
	return s.inner.Close()
}
