package usb

import (
	"sort"
	"sync"
)

const (
	minBufferSize  = 16 * 1024
	maxPoolBuffers = 64
)

// bufferPool is a free list of transfer buffers ordered by capacity.
// A buffer handed out by get is owned by exactly one transfer until put.
type bufferPool struct {
	mu   sync.Mutex
	free [][]byte
}

// get returns a buffer of length size, reusing the smallest free buffer that fits.
func (p *bufferPool) get(size int) []byte {
	p.mu.Lock()
	i := sort.Search(len(p.free), func(i int) bool { return cap(p.free[i]) >= size })
	if i < len(p.free) {
		buf := p.free[i]
		p.free = append(p.free[:i], p.free[i+1:]...)
		p.mu.Unlock()
		return buf[:size]
	}
	p.mu.Unlock()
	return make([]byte, size, max(size, minBufferSize))
}

func (p *bufferPool) put(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= maxPoolBuffers {
		return
	}
	i := sort.Search(len(p.free), func(i int) bool { return cap(p.free[i]) >= cap(buf) })
	p.free = append(p.free, nil)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = buf
}

func (p *bufferPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
