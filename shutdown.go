package loom

import (
	"sync"
	"sync/atomic"
	"time"
)

// The termination coordinator decouples worker goroutines from the
// application's natural shutdown: workers never hold the process
// open, yet every record enqueued before the last application logic
// finished is drained before the sinks close. The host acquires the
// coordinator with Init as near the process entry point as possible
// and releases it with Shutdown after user code has relinquished
// control:
//
//	func main() {
//		loom.Init()
//		defer loom.Shutdown()
//		...
//	}
var coordinator struct {
	initOnce sync.Once
	initNS   atomic.Int64

	mu     sync.Mutex
	asyncs []*AsyncSink
	owned  []Sink
	shut   bool
}

// Init acquires the process-wide coordinator. Calling it more than
// once is harmless; the library also initializes lazily on first use.
func Init() {
	coordinator.initOnce.Do(func() {
		coordinator.initNS.Store(time.Now().UnixNano())
	})
}

// initInstantNS returns the init timestamp, initializing lazily so
// scope_elapsed has a base even when the host skips Init.
func initInstantNS() int64 {
	Init()
	return coordinator.initNS.Load()
}

// registerAsyncSink tracks an async sink for the final drain.
func registerAsyncSink(s *AsyncSink) {
	Init()
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	coordinator.asyncs = append(coordinator.asyncs, s)
}

// adoptSink transfers ownership of a top-level sink to the
// coordinator, which closes it exactly once at Shutdown.
func adoptSink(s Sink) {
	Init()
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	coordinator.owned = append(coordinator.owned, s)
}

// Shutdown releases the coordinator: it latches shutdown on every
// async sink, waits for each queue to drain within that sink's
// deadline, then closes every owned sink. Frames still queued when a
// deadline fires are counted and reported, never waited on
// indefinitely; Shutdown does not deadlock. Calling Shutdown twice is
// a no-op.
func Shutdown() {
	coordinator.mu.Lock()
	if coordinator.shut {
		coordinator.mu.Unlock()
		return
	}
	coordinator.shut = true
	asyncs := coordinator.asyncs
	owned := coordinator.owned
	coordinator.mu.Unlock()

	// Drain workers first so owned sinks still accept their writes.
	for _, s := range asyncs {
		if err := s.Close(); err != nil {
			reportError(ErrCodeSinkClose, "close", s.Name(), "", err)
		}
	}
	for _, s := range owned {
		if err := s.Close(); err != nil {
			reportError(ErrCodeSinkClose, "close", s.Name(), "", err)
		}
	}
}

// FlushAll flushes every tracked sink. Safe for concurrent use with
// emission.
func FlushAll() {
	coordinator.mu.Lock()
	asyncs := make([]*AsyncSink, len(coordinator.asyncs))
	copy(asyncs, coordinator.asyncs)
	owned := make([]Sink, len(coordinator.owned))
	copy(owned, coordinator.owned)
	coordinator.mu.Unlock()

	for _, s := range asyncs {
		if err := s.Flush(); err != nil {
			reportError(ErrCodeSinkFlush, "flush", s.Name(), "", err)
		}
	}
	for _, s := range owned {
		if err := s.Flush(); err != nil {
			reportError(ErrCodeSinkFlush, "flush", s.Name(), "", err)
		}
	}
}
