package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte slices between producers that copy
// payloads off the wire and consumers that hand them back after use.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of slices of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a slice at the pool's full size. Callers reslice down to
// the bytes they copied in and pass the same slice back to Put.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a slice to the pool with its full length restored.
// Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
