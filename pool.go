package loom

import (
	"bytes"
	"math/bits"
	"sync"
)

// framePool hands out frame buffers from power-of-two size buckets so
// the encoder performs exactly one allocation per frame in the steady
// state. Buffers above the largest bucket are allocated directly and
// never pooled.
type frameBucketPool struct {
	buckets [frameBucketCount]sync.Pool
}

const (
	frameMinBucket   = 256
	frameMaxBucket   = 64 * 1024
	frameBucketCount = 9 // 256 .. 64KiB inclusive
)

var framePool frameBucketPool

// bucketFor returns the bucket index for a requested size, or -1 when
// the size exceeds the largest bucket.
func bucketFor(size int) int {
	if size <= frameMinBucket {
		return 0
	}
	if size > frameMaxBucket {
		return -1
	}
	return bits.Len(uint(size-1)) - 8
}

// get returns a buffer with capacity for size bytes and length size.
func (p *frameBucketPool) get(size int) []byte {
	idx := bucketFor(size)
	if idx < 0 {
		return make([]byte, size)
	}
	if v := p.buckets[idx].Get(); v != nil {
		buf := *(v.(*[]byte))
		return buf[:size]
	}
	return make([]byte, size, frameMinBucket<<idx)
}

// put returns a frame buffer to its bucket. Oversize buffers are left
// to the garbage collector.
func (p *frameBucketPool) put(buf []byte) {
	c := cap(buf)
	if c < frameMinBucket || c > frameMaxBucket || c&(c-1) != 0 {
		return
	}
	idx := bits.Len(uint(c)) - 9
	full := buf[:c]
	p.buckets[idx].Put(&full)
}

// scratchPool provides byte buffers for the worker's format path.
var scratchPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

func getScratch() *bytes.Buffer {
	buf := scratchPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putScratch(buf *bytes.Buffer) {
	// Oversize buffers are dropped rather than pooled.
	if buf.Cap() > 32*1024 {
		return
	}
	scratchPool.Put(buf)
}
