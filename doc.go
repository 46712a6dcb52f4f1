// Package loom is a high-rate structured logging pipeline with
// per-logger thresholds, typed record components, and configurable
// multi-sink output.
//
// The hot path is built around three ideas:
//
//   - A discarded record costs almost nothing. Logger.At returns the
//     absorbing nil record when the severity is below the logger's
//     effective threshold, and every builder method on a nil record
//     is a single-branch no-op.
//
//   - Capture is allocation-free. Components are small value types
//     holding borrowed views of the caller's strings and byte
//     slices; nothing is formatted or copied until a sink needs it.
//
//   - Ownership transfers at the async boundary. When a record is
//     bound for an asynchronous sink it is encoded into a
//     self-contained frame, published through a bounded lock-free
//     MPSC ring, and decoded by the sink's single worker goroutine.
//
// A minimal host looks like:
//
//	func main() {
//		loom.Init()
//		defer loom.Shutdown()
//
//		if err := loom.ReloadConfig(configText); err != nil {
//			log.Fatal(err)
//		}
//
//		lg := loom.GetLogger("app.server")
//		lg.InfoMsg("listening on ").Str(addr).Log()
//	}
//
// Shutdown drains every async sink's queue within its configured
// deadline before closing the sinks; it never blocks process exit
// indefinitely.
package loom
