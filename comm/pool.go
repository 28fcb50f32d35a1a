package comm

import (
	"io"
	"net"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // idle time after which pooled connections are closed
	conns   chan io.ReadWriteCloser // connections not on lease
	maker   CreationFunc

	timer *time.Timer
	mu    sync.Mutex
}

// NewPool creates a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  Return it with Put or ReturnWithError.  If the error from Get is not
// nil there is nothing to return.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	if p.onLease < p.maxSize {
		c, err := p.maker()
		if err == nil {
			p.onLease++
		}
		p.mu.Unlock()
		return c, err
	}
	p.mu.Unlock()

	// all are out; wait for one to come back
	c := <-p.conns
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return c, nil
}

// Put restores a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.conns <- rw.(io.ReadWriteCloser)
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy closes a connection that has gone bad instead of returning it
func (p *Pool) Destroy(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	rw.(io.ReadWriteCloser).Close()
}

// ReturnWithError returns rw with Put when err is nil or a device level
// error, and with Destroy when err came from the connection itself
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil {
		p.Put(rw)
		return
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		p.Destroy(rw)
		return
	}
	if _, ok := err.(net.Error); ok {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// reclaim closes every idle connection
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 {
		return
	}
	for {
		select {
		case c := <-p.conns:
			c.Close()
		default:
			p.timer = nil
			return
		}
	}
}
