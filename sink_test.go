package loom

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

// stubSink records every write so tests can assert on ordering and
// content. It formats through the regular pipeline like a real sink.
type stubSink struct {
	name     string
	format   *Format
	filter   Predicate
	minLevel Severity

	mu      sync.Mutex
	lines   []string
	flushes int
	closes  int
}

func newStubSink(t *testing.T, name, format string) *stubSink {
	t.Helper()
	f, err := ParseFormat(format)
	if err != nil {
		t.Fatalf("parsing format %q: %v", format, err)
	}
	return &stubSink{name: name, format: f}
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) MaybeAccepts(sev Severity, logger string) bool {
	return sev >= s.minLevel
}

func (s *stubSink) WriteRecord(r *Record) {
	v := viewFromRecord(r)
	s.writeView(v)
	v.release()
}

func (s *stubSink) WriteFrame(fv *FrameView, loggerName string) {
	v, err := viewFromFrame(fv, loggerName)
	if err != nil {
		return
	}
	s.writeView(v)
	v.release()
}

func (s *stubSink) writeView(v *View) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	var buf bytes.Buffer
	s.format.Render(v, &buf)
	s.mu.Lock()
	s.lines = append(s.lines, buf.String())
	s.mu.Unlock()
}

func (s *stubSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *stubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *stubSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *stubSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func TestSyncSingleSinkFormatting(t *testing.T) {
	sink := newStubSink(t, "stub", "{severity} {msg}")
	lg := newTestLogger(t, "syncfmt", Trace)
	lg.setSinks([]Sink{sink})

	lg.At(Warning, "hello ").Int(42).Log()

	lines := sink.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 write, got %d", len(lines))
	}
	if lines[0] != "WARNING hello 42\n" {
		t.Fatalf("write = %q, want %q", lines[0], "WARNING hello 42\n")
	}
}

func TestThresholdDiscardReachesNoSink(t *testing.T) {
	sink := newStubSink(t, "stub", "{msg}")
	lg := newTestLogger(t, "discard", Info)
	lg.setSinks([]Sink{sink})

	lg.At(Debug, "x=").Int(1).Log()

	if lines := sink.snapshot(); len(lines) != 0 {
		t.Fatalf("discarded record reached the sink: %q", lines)
	}
}

func TestSinkPreFilterSkipsWrite(t *testing.T) {
	low := newStubSink(t, "low", "{msg}")
	high := newStubSink(t, "high", "{msg}")
	high.minLevel = Error
	lg := newTestLogger(t, "prefilter", Trace)
	lg.setSinks([]Sink{low, high})

	lg.At(Warning, "only low").Log()

	if len(low.snapshot()) != 1 {
		t.Error("low sink should have received the record")
	}
	if len(high.snapshot()) != 0 {
		t.Error("high sink pre-filter should have rejected the record")
	}
}

func TestConsoleSinkWritesFormattedLine(t *testing.T) {
	var out lockedBuffer
	f, _ := ParseFormat("{severity} {msg}")
	sink := NewConsoleSink("console", &out, f, nil, 0)
	lg := newTestLogger(t, "console", Trace)
	lg.setSinks([]Sink{sink})

	lg.At(Error, "boom: ").Str("disk full").Log()

	got := out.String()
	if got != "ERROR boom: disk full\n" {
		t.Fatalf("console wrote %q", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Error("line must end with newline")
	}
}

// lockedBuffer is a minimal concurrency-safe writer for tests.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
