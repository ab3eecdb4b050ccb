package engine

import (
	"sync"
	"sync/atomic"
)

// DefaultChunkSize is the number of bytes moved per read/write cycle. It also
// bounds how long a cancelled job keeps writing before it notices.
const DefaultChunkSize = 1 << 20

// BufferPool hands out chunk buffers of one fixed size. A running job holds
// exactly one, so InUse follows the number of busy workers.
type BufferPool struct {
	size  int
	pool  sync.Pool
	inUse atomic.Int64
}

// NewBufferPool creates a pool of size-byte chunks. If size is <= 0,
// DefaultChunkSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of every buffer handed out by the pool.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get checks a chunk out of the pool. It must be returned with Put.
func (bp *BufferPool) Get() *[]byte {
	bp.inUse.Add(1)
	return bp.pool.Get().(*[]byte)
}

// Put returns a chunk obtained from Get. Buffers of another size are
// dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.inUse.Add(-1)
	bp.pool.Put(b)
}

// InUse reports how many chunks are checked out.
func (bp *BufferPool) InUse() int64 {
	return bp.inUse.Load()
}
