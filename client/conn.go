package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pior/memcached/binprot"
)

var (
	ErrConnectionClosed = errors.New("memcached: connection closed")
	ErrOpaqueMismatch   = errors.New("memcached: response does not match any request")
)

// Conn is a single connection to a memcached server.
// It is safe for concurrent use; requests are serialized.
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	mu     sync.Mutex
	opaque uint32
	closed bool
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Do sends req and returns its response. A non-zero status is returned as
// a response, not as an error; see binprot.Response.Err.
//
// Quiet requests go through Pipeline: the response is nil when the server
// suppressed it.
func (c *Conn) Do(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	if req.Opcode.IsQuiet() {
		resps, err := c.Pipeline(ctx, []*binprot.Request{req})
		if err != nil {
			return nil, err
		}
		return resps[0], nil
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx); err != nil {
		return nil, err
	}

	opaque := c.nextOpaque(1)
	sent := *req
	sent.Opaque = opaque

	if err := c.write(&sent); err != nil {
		return nil, err
	}
	if err := c.flush(); err != nil {
		return nil, err
	}

	resp, err := c.read()
	if err != nil {
		return nil, err
	}
	if resp.Opaque != opaque {
		return nil, c.desync(resp)
	}
	return resp, nil
}

// Pipeline sends reqs followed by a noop in one write and collects the
// responses up to the noop. The result has one entry per request, nil for
// quiet requests whose response was suppressed.
//
// Commands answering with several packets (stat) keep their first packet;
// use Stats for those.
func (c *Conn) Pipeline(ctx context.Context, reqs []*binprot.Request) ([]*binprot.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := validate(reqs...); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx); err != nil {
		return nil, err
	}

	base := c.nextOpaque(uint32(len(reqs)) + 1)
	for i, req := range reqs {
		sent := *req
		sent.Opaque = base + uint32(i)
		if err := c.write(&sent); err != nil {
			return nil, err
		}
	}
	end := base + uint32(len(reqs))
	if err := c.write(binprot.NewRequest(binprot.OpNoop, nil, nil, nil).WithOpaque(end)); err != nil {
		return nil, err
	}
	if err := c.flush(); err != nil {
		return nil, err
	}

	resps := make([]*binprot.Response, len(reqs))
	for {
		resp, err := c.read()
		if err != nil {
			return nil, err
		}
		if resp.Opaque == end && resp.Opcode == binprot.OpNoop {
			return resps, nil
		}

		i := resp.Opaque - base
		if resp.Opaque < base || i >= uint32(len(reqs)) {
			return nil, c.desync(resp)
		}
		if resps[i] == nil {
			resps[i] = resp
		}
	}
}

// Stats runs a stat command and returns the statistics of group ("" for
// the general statistics).
func (c *Conn) Stats(ctx context.Context, group string) (map[string]string, error) {
	if err := validate(binprot.NewRequest(binprot.OpStat, []byte(group), nil, nil)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx); err != nil {
		return nil, err
	}

	opaque := c.nextOpaque(1)
	if err := c.write(binprot.NewRequest(binprot.OpStat, []byte(group), nil, nil).WithOpaque(opaque)); err != nil {
		return nil, err
	}
	if err := c.flush(); err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for {
		resp, err := c.read()
		if err != nil {
			return nil, err
		}
		if resp.Opaque != opaque {
			return nil, c.desync(resp)
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		if len(resp.Key) == 0 {
			return stats, nil
		}
		stats[string(resp.Key)] = string(resp.Data)
	}
}

// IsClosed reports whether the connection was closed, either explicitly or
// after an error that left the stream unusable.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// begin checks the connection and applies the context deadline.
// Must be called with the lock held.
func (c *Conn) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return ErrConnectionClosed
	}

	deadline, _ := ctx.Deadline()
	if err := c.nc.SetDeadline(deadline); err != nil {
		return c.fatal(err)
	}
	return nil
}

func (c *Conn) nextOpaque(n uint32) uint32 {
	// Skip the wrap so that a batch is a contiguous range.
	if c.opaque > ^uint32(0)-n {
		c.opaque = 0
	}
	base := c.opaque
	c.opaque += n
	return base
}

// validate rejects requests the server would not be able to frame, before
// any byte of the batch is written.
func validate(reqs ...*binprot.Request) error {
	for _, req := range reqs {
		if len(req.Key) > binprot.MaxKeyLength {
			return binprot.NewError(binprot.StatusInvalidArguments, "key exceeds maximum length of 250 bytes")
		}
	}
	return nil
}

func (c *Conn) write(req *binprot.Request) error {
	if err := binprot.WriteRequest(c.w, req); err != nil {
		return c.fatal(err)
	}
	return nil
}

func (c *Conn) flush() error {
	if err := c.w.Flush(); err != nil {
		return c.fatal(err)
	}
	return nil
}

func (c *Conn) read() (*binprot.Response, error) {
	resp, err := binprot.ReadResponse(c.r)
	if err != nil {
		return nil, c.fatal(err)
	}
	return resp, nil
}

func (c *Conn) desync(resp *binprot.Response) error {
	return c.fatal(fmt.Errorf("%w: opcode=%s opaque=%d", ErrOpaqueMismatch, resp.Opcode, resp.Opaque))
}

// fatal closes the connection after an error that leaves the stream out of
// sync. Must be called with the lock held.
func (c *Conn) fatal(err error) error {
	if !c.closed {
		c.closed = true
		_ = c.nc.Close()
	}
	return err
}

// keepalive is a cheap round trip used by the health check.
func (c *Conn) keepalive(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.Do(ctx, binprot.NewRequest(binprot.OpNoop, nil, nil, nil))
	if err != nil {
		return err
	}
	return resp.Err()
}
