package loom

import (
	"io"
	"testing"
)

func BenchmarkDiscardedEmission(b *testing.B) {
	SetThreshold("bench.discard", Warning)
	lg := GetLogger("bench.discard")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lg.At(Debug, "x=").Int(int64(i)).Log()
	}
}

func BenchmarkDiscardedEmissionParallel(b *testing.B) {
	SetThreshold("bench.discardp", Warning)
	lg := GetLogger("bench.discardp")
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			lg.At(Debug, "x=").Int(1).Log()
		}
	})
}

func BenchmarkSyncEmission(b *testing.B) {
	f, _ := ParseFormat("{severity} {msg}")
	sink := NewConsoleSink("bench", io.Discard, f, nil, 0)
	SetThreshold("bench.sync", Trace)
	lg := GetLogger("bench.sync")
	lg.setSinks([]Sink{sink})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lg.At(Info, "n=").Int(int64(i)).Log()
	}
}

func BenchmarkEncodeFrame(b *testing.B) {
	SetThreshold("bench.encode", Trace)
	lg := GetLogger("bench.encode")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := lg.At(Info, "n=").Int(int64(i)).Str(" of ").Int(1000)
		var e encoder
		e.maxFrame = DefaultMaxFrameSize
		frame := e.encode(r)
		framePool.put(frame)
		r.release()
	}
}

func BenchmarkAsyncEmission(b *testing.B) {
	sink := NewConsoleSink("bench", io.Discard, nil, nil, 0)
	async := newAsyncSink("bench.q", sink, AsyncOptions{
		QueueCapacity: 1 << 16,
		Overflow:      OverflowBlock,
	})
	async.start()
	defer async.Close()

	SetThreshold("bench.async", Trace)
	lg := GetLogger("bench.async")
	lg.setSinks([]Sink{async})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lg.At(Info, "n=").Int(int64(i)).Log()
	}
}
