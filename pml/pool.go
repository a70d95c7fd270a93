package pml

import "sync/atomic"

// RequestPool recycles Request values between posts. It never blocks: Acquire allocates when the
// pool is empty and Release drops requests once the pool is full or closed.
type RequestPool struct {
	pool      chan *Request
	closed    atomic.Bool
	allocated atomic.Uint64
	reused    atomic.Uint64
}

// NewRequestPool constructs a pool holding at most capacity idle requests.
func NewRequestPool(capacity int) *RequestPool {
	if capacity < 0 {
		capacity = 0
	}
	return &RequestPool{pool: make(chan *Request, capacity)}
}

// Acquire returns a zeroed request.
func (p *RequestPool) Acquire() *Request {
	if p == nil || p.closed.Load() {
		return &Request{}
	}
	select {
	case r := <-p.pool:
		p.reused.Add(1)
		*r = Request{}
		return r
	default:
		p.allocated.Add(1)
		return &Request{}
	}
}

// Release returns r to the pool for reuse.
func (p *RequestPool) Release(r *Request) {
	if p == nil || r == nil || p.closed.Load() {
		return
	}
	select {
	case p.pool <- r:
	default:
	}
}

// Len reports the number of idle requests held by the pool.
func (p *RequestPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pool)
}

// Counts reports how many requests were freshly allocated and how many were reused.
func (p *RequestPool) Counts() (allocated, reused uint64) {
	if p == nil {
		return 0, 0
	}
	return p.allocated.Load(), p.reused.Load()
}

// Close drops all idle requests and disables pooling.
func (p *RequestPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-p.pool:
		default:
			return
		}
	}
}
