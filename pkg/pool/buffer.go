package pool

import (
	"io"
	"sync"
	"sync/atomic"
)

// BufferPool hands out fixed-size copy buffers shared by concurrent transfers
type BufferPool struct {
	pool  sync.Pool
	size  int
	inUse atomic.Int64
}

// NewBufferPool creates a pool of bufferSize byte buffers
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{size: bufferSize}
	bp.pool.New = func() interface{} {
		buf := make([]byte, bufferSize)
		return &buf
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() *[]byte {
	bp.inUse.Add(1)
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != bp.size {
		return
	}
	bp.inUse.Add(-1)
	bp.pool.Put(buf)
}

// Copy is io.Copy through a pooled buffer
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// InUse returns the number of buffers currently checked out
func (bp *BufferPool) InUse() int64 {
	return bp.inUse.Load()
}
