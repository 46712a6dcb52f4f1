package loom

import (
	"io"
	"os"
	"sync"
)

// Sink is an output endpoint. A sink may be shared by several loggers
// and, when wrapped asynchronously, by exactly one worker; it is
// closed once, by the coordinator, after every worker referencing it
// has drained.
type Sink interface {
	// Name identifies the sink in configuration and diagnostics.
	Name() string

	// MaybeAccepts is the cheap pre-filter run before any capture or
	// encode work for this sink. It must not run the full filter
	// predicate.
	MaybeAccepts(sev Severity, logger string) bool

	// WriteRecord consumes a live record on the emitting goroutine.
	// The record's borrowed components are only valid for the
	// duration of the call.
	WriteRecord(r *Record)

	// WriteFrame consumes a decoded frame view on a worker
	// goroutine. loggerName is resolved by the worker from the
	// frame's logger id.
	WriteFrame(fv *FrameView, loggerName string)

	// Flush forces buffered output down to the underlying handle.
	Flush() error

	// Close releases the sink. Closing twice is a no-op.
	Close() error
}

// writerSink is the shared core of the terminal sinks: it composes a
// view, applies the per-sink filter, renders the configured format
// and writes the result to an io.Writer under the sink's write lock.
// Concrete sinks embed it and provide the writer plumbing.
type writerSink struct {
	name     string
	format   *Format
	filter   Predicate
	minLevel Severity

	mu     sync.Mutex
	out    io.Writer
	closed bool
}

func newWriterSink(name string, out io.Writer, format *Format, filter Predicate, minLevel Severity) *writerSink {
	if format == nil {
		format, _ = ParseFormat(DefaultFormat)
	}
	return &writerSink{
		name:     name,
		format:   format,
		filter:   filter,
		minLevel: minLevel,
		out:      out,
	}
}

// Name returns the sink's configured name.
func (s *writerSink) Name() string { return s.name }

// MaybeAccepts rejects below the sink's severity floor without
// touching the record.
func (s *writerSink) MaybeAccepts(sev Severity, logger string) bool {
	return sev >= s.minLevel
}

// WriteRecord renders a live record inline on the emitting goroutine.
func (s *writerSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.writeView(v)
	v.release()
}

// WriteFrame renders a decoded frame on the worker goroutine.
func (s *writerSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		reportError(ErrCodeFrameDecode, "decode", s.name, "dropping undecodable frame", err)
		return
	}
	s.writeView(v)
	v.release()
}

// writeView applies the filter, formats, and writes. Formatting runs
// before the write lock is taken; the lock covers only the write.
func (s *writerSink) writeView(v *View) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	buf := getScratch()
	s.format.Render(v, buf)

	s.mu.Lock()
	if !s.closed {
		if _, err := s.out.Write(buf.Bytes()); err != nil {
			s.mu.Unlock()
			putScratch(buf)
			reportError(ErrCodeSinkWrite, "write", s.name, "record dropped", err)
			return
		}
	}
	s.mu.Unlock()
	putScratch(buf)
}

// Flush is a no-op for unbuffered writers; buffered sinks override.
func (s *writerSink) Flush() error { return nil }

// Close marks the sink closed. The underlying writer is not owned.
func (s *writerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ConsoleSink writes formatted records to an arbitrary io.Writer,
// typically stderr or stdout.
type ConsoleSink struct {
	writerSink
}

// NewConsoleSink creates a console sink over out.
func NewConsoleSink(name string, out io.Writer, format *Format, filter Predicate, minLevel Severity) *ConsoleSink {
	return &ConsoleSink{writerSink: *newWriterSink(name, out, format, filter, minLevel)}
}

// NewStderrSink creates a console sink over the process stderr.
func NewStderrSink(name string, format *Format) *ConsoleSink {
	return NewConsoleSink(name, os.Stderr, format, nil, 0)
}

// NewStdoutSink creates a console sink over the process stdout.
func NewStdoutSink(name string, format *Format) *ConsoleSink {
	return NewConsoleSink(name, os.Stdout, format, nil, 0)
}
