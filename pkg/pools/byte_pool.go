// Package pools provides size-class based buffer pooling for the block
// encode/decode and WAL framing paths.
package pools

import "sync"

// Buffer size classes for efficient reuse
const (
	SmallSize  = 256       // Key buffers, WAL record headers
	MediumSize = 4096      // One block at the default block size
	LargeSize  = 64 * 1024 // Compressed block staging
	MaxPool    = 1 << 20   // Don't pool buffers larger than this
)

// BytePool provides size-class based pooling for byte slices.
// This reduces GC pressure by reusing buffers of appropriate sizes.
type BytePool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// NewBytePool creates a new byte pool.
func NewBytePool() *BytePool {
	return &BytePool{
		small: sync.Pool{
			New: func() any {
				b := make([]byte, 0, SmallSize)
				return &b
			},
		},
		medium: sync.Pool{
			New: func() any {
				b := make([]byte, 0, MediumSize)
				return &b
			},
		},
		large: sync.Pool{
			New: func() any {
				b := make([]byte, 0, LargeSize)
				return &b
			},
		},
	}
}

// Get returns a byte slice with length 0 and at least the requested capacity.
func (p *BytePool) Get(size int) []byte {
	var pool *sync.Pool
	switch {
	case size <= SmallSize:
		pool = &p.small
	case size <= MediumSize:
		pool = &p.medium
	case size <= LargeSize:
		pool = &p.large
	default:
		return make([]byte, 0, size)
	}

	bp := pool.Get().(*[]byte)
	b := (*bp)[:0]
	if cap(b) < size {
		return make([]byte, 0, size)
	}
	return b
}

// Put returns a buffer to the pool. Oversized buffers are dropped.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c == 0 || c > MaxPool {
		return
	}
	b = b[:0]
	switch {
	case c >= LargeSize:
		p.large.Put(&b)
	case c >= MediumSize:
		p.medium.Put(&b)
	case c >= SmallSize:
		p.small.Put(&b)
	}
}

// Default is a process-wide pool shared by the engine's hot paths.
var Default = NewBytePool()
