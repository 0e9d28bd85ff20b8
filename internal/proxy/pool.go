package proxy

import (
	"sync"
)

// relayBufferSize matches io.Copy's default.
const relayBufferSize = 32 * 1024

var relayBuffers = newBufferPool(relayBufferSize)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}
