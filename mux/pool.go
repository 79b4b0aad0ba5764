package mux

import (
	"sort"
	"sync"
)

// pool is a free list of buffers ordered by capacity. get hands out the
// smallest idle buffer that fits.
type pool struct {
	mu   sync.Mutex
	free [][]byte
	max  int
}

func newPool(max int) *pool {
	return &pool{max: max}
}

// slack is added to fresh buffers so slightly larger chunks can reuse them.
const slack = 1000

func (p *pool) get(n int) []byte {
	p.mu.Lock()
	i := sort.Search(len(p.free), func(i int) bool {
		return cap(p.free[i]) >= n
	})
	if i < len(p.free) {
		b := p.free[i]
		p.free = append(p.free[:i], p.free[i+1:]...)
		p.mu.Unlock()
		return b[:n]
	}
	p.mu.Unlock()
	return make([]byte, n, n+slack)
}

func (p *pool) put(b []byte) {
	if cap(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.max {
		return
	}
	i := sort.Search(len(p.free), func(i int) bool {
		return cap(p.free[i]) >= cap(b)
	})
	p.free = append(p.free, nil)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = b[:0]
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *pool) clear() {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}
