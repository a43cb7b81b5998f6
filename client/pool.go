package client

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// pool is the connection pool of one server.
type pool struct {
	addr           string
	conns          *puddle.Pool[*Conn]
	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64
}

func newPool(addr string, constructor func(ctx context.Context) (*Conn, error), maxSize int32) (*pool, error) {
	p := &pool{addr: addr}

	conns, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			conn, err := constructor(ctx)
			if err == nil {
				p.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Conn) {
			p.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.conns = conns
	return p, nil
}

func (p *pool) acquire(ctx context.Context) (*puddle.Resource[*Conn], error) {
	return p.conns.Acquire(ctx)
}

func (p *pool) acquireAllIdle() []*puddle.Resource[*Conn] {
	return p.conns.AcquireAllIdle()
}

func (p *pool) close() {
	p.conns.Close()
}

// stats maps the puddle counters to PoolStats.
func (p *pool) stats() PoolStats {
	s := p.conns.Stat()

	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      p.createdConns.Load(),
		DestroyedConns:    p.destroyedConns.Load(),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}
