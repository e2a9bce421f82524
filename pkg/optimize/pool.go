package optimize

import (
	"sync"
)

// BytePool recycles fixed-size buffers.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size is the length of buffers returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put drops buffers too small to satisfy a later Get.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
