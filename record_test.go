package loom

import (
	"testing"
	"time"
)

func TestEmptyRecordIsAbsorbing(t *testing.T) {
	var r *Record
	r = r.Int(1)
	if r != nil {
		t.Fatal("Int on empty record should return the empty record")
	}
	r = r.Str("x").Float(1.5).Bool(true).Bytes([]byte("b")).Instant(time.Now())
	if r != nil {
		t.Fatal("chained extends on empty record should stay empty")
	}
	// Log on the empty record must be a no-op.
	r.Log()
}

func TestRecordSaturation(t *testing.T) {
	lg := newTestLogger(t, "saturate", Trace)
	r := lg.At(Info, "m")
	if r == nil {
		t.Fatal("record unexpectedly discarded")
	}
	for i := 0; i < MaxComponents+10; i++ {
		r = r.Int(int64(i))
	}
	if r.Len() != MaxComponents {
		t.Fatalf("expected exactly %d components, got %d", MaxComponents, r.Len())
	}
	last := r.Component(MaxComponents - 1)
	if last.Str() != overflowMarker {
		t.Fatalf("expected last component to be %q, got %q", overflowMarker, last.Str())
	}
	// The slot before the marker holds the last accepted component.
	if got := r.Component(MaxComponents - 2).Int64(); got != int64(MaxComponents-3) {
		t.Fatalf("unexpected component before marker: %d", got)
	}
	r.release()
}

func TestRecordComponentValues(t *testing.T) {
	lg := newTestLogger(t, "values", Trace)
	now := time.Now()
	r := lg.At(Warning, "msg").
		Int(-42).
		Float(2.5).
		Bool(true).
		Str("text").
		Bytes([]byte{0xde, 0xad}).
		Instant(now)
	defer r.release()

	if r.Component(0).Str() != "msg" {
		t.Errorf("component 0 = %q, want msg", r.Component(0).Str())
	}
	if r.Component(1).Int64() != -42 {
		t.Errorf("component 1 = %d, want -42", r.Component(1).Int64())
	}
	if r.Component(2).Float64() != 2.5 {
		t.Errorf("component 2 = %v, want 2.5", r.Component(2).Float64())
	}
	if !r.Component(3).Bool() {
		t.Error("component 3 should be true")
	}
	if r.Component(4).Str() != "text" {
		t.Errorf("component 4 = %q, want text", r.Component(4).Str())
	}
	if string(r.Component(5).Bytes()) != "\xde\xad" {
		t.Errorf("component 5 = %x", r.Component(5).Bytes())
	}
	if got := r.Component(6).Instant().UnixNano(); got != now.UnixNano() {
		t.Errorf("component 6 = %d, want %d", got, now.UnixNano())
	}
	if r.Severity() != Warning {
		t.Errorf("severity = %v, want WARNING", r.Severity())
	}
}

func TestDiscardedEmissionDoesNotAllocate(t *testing.T) {
	lg := newTestLogger(t, "noalloc", Info)
	allocs := testing.AllocsPerRun(1000, func() {
		lg.At(Debug, "x=").Int(1).Log()
	})
	if allocs != 0 {
		t.Fatalf("discard path allocated %.1f times per emission", allocs)
	}
}

func TestDisabledLoggerHandleDiscards(t *testing.T) {
	var lg *Logger
	allocs := testing.AllocsPerRun(100, func() {
		lg.At(Critical, "never").Str("x").Log()
	})
	if allocs != 0 {
		t.Fatalf("nil logger emission allocated %.1f times", allocs)
	}
}

// newTestLogger creates a logger with a unique name and an explicit
// threshold, detached from any sinks unless the test attaches some.
func newTestLogger(t *testing.T, name string, threshold Severity) *Logger {
	t.Helper()
	full := "test." + t.Name() + "." + name
	SetThreshold(full, threshold)
	return GetLogger(full)
}
