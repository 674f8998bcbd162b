package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkSize is the unit in which media bodies are copied to clients and cache files.
const ChunkSize = 8 * 1024

// BufferPool hands out fixed-size byte slices backed by valyala/bytebufferpool.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers have length bufferSize.
// A non-positive size falls back to ChunkSize.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = ChunkSize
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length Size().
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	} else {
		buf.B = buf.B[:bp.bufferSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size is the length of buffers returned by Get.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
