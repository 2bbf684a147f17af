package transport

import (
	"context"
	"sync"

	"github.com/zcproxy/zcproxy/internal/constants"
	"github.com/zcproxy/zcproxy/internal/errors"
)

// DialFunc establishes a fresh data channel to the server.
type DialFunc func(ctx context.Context) (*Conn, error)

// Pool keeps idle data channels for reuse, FIFO, bounded at
// constants.MaxPoolSize. Borrowing from an empty pool dials a new
// connection. Safe for concurrent use.
type Pool struct {
	dial DialFunc

	mu     sync.Mutex
	idle   []*Conn
	max    int
	closed bool
}

// NewPool creates a pool that dials through dial when empty. maxSize <= 0
// uses the default cap.
func NewPool(dial DialFunc, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = constants.MaxPoolSize
	}
	return &Pool{dial: dial, max: maxSize}
}

// Get returns an idle data channel, oldest first, or dials a new one.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}
	for len(p.idle) > 0 {
		c := p.idle[0]
		p.idle = p.idle[1:]
		if c.Closed() {
			continue
		}
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Wrap("pool.dial", errors.ErrDialFailed, err)
	}
	return c, nil
}

// Put returns a data channel to the pool. Bindings are cleared; if the pool
// is full or closed the channel is closed instead. A channel already idle is
// left alone, so racing return paths cannot list it twice.
func (p *Pool) Put(c *Conn) {
	if c == nil || c.Closed() {
		return
	}
	c.ClearBindings()

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.max {
		p.mu.Unlock()
		c.Close()
		return
	}
	for _, pc := range p.idle {
		if pc == c {
			p.mu.Unlock()
			return
		}
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Remove drops a specific channel from the idle list, if present. Used when
// a pooled connection fails.
func (p *Pool) Remove(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pc := range p.idle {
		if pc == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// Size returns the number of idle channels.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes the pool and every idle channel.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
}
