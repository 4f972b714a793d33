// Package rudpbuf provides a pooled byte-slice allocator for datagram
// buffers, so the receive thread doesn't allocate on every inbound packet.
package rudpbuf

import "sync"

// Pool hands out byte slices sized to at least the requested length and
// takes them back once the caller is done. Slices returned by Get must not
// be retained past the matching Put.
type Pool struct {
	pool sync.Pool
}

// New creates a Pool whose slices default to defaultSize capacity.
func New(defaultSize int) *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		b := make([]byte, defaultSize)
		return &b
	}
	return p
}

// GetSize returns a slice with length size, reusing pooled capacity when
// possible.
func (p *Pool) GetSize(size int) []byte {
	b := p.pool.Get().(*[]byte)
	if cap(*b) < size {
		*b = make([]byte, size)
		return *b
	}
	*b = (*b)[:size]
	return *b
}

// Put returns a buffer to the pool. Passing a nil or zero-capacity slice is
// a no-op.
func (p *Pool) Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	p.pool.Put(&b)
}
