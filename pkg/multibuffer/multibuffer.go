// Package multibuffer contains a pool of reusable buffers.
package multibuffer

import (
	"sync/atomic"
)

// inUse counts checked-out buffers across all pools; tests use it to
// assert that every buffer is returned.
var inUse int64

// InUse returns the number of buffers currently checked out.
func InUse() int64 {
	return atomic.LoadInt64(&inUse)
}

// MultiBuffer implements software multi buffering, that allows to
// reuse existing buffers without creating new ones. The audio pump
// takes its sample scratch buffer from one.
type MultiBuffer struct {
	count   uint64
	buffers [][]byte
	cur     uint64
}

// New allocates a MultiBuffer with the given number of buffers, each
// of the given size.
func New(count uint64, size uint64) *MultiBuffer {
	buffers := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		buffers[i] = make([]byte, size)
	}

	return &MultiBuffer{
		count:   count,
		buffers: buffers,
	}
}

// Next gets the current buffer and sets the next buffer as the current
// one. The buffer must be handed back with Done before it cycles
// around.
func (mb *MultiBuffer) Next() []byte {
	ret := mb.buffers[mb.cur%mb.count]
	mb.cur++
	atomic.AddInt64(&inUse, 1)
	return ret
}

// Done returns a buffer obtained with Next.
func (mb *MultiBuffer) Done([]byte) {
	atomic.AddInt64(&inUse, -1)
}
