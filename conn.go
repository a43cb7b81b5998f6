package memcached

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pior/memcached/binprot"
)

// conn is the server side of one client connection.
//
// A single goroutine reads and decodes, then calls handlers in request
// order. Pending outcomes are awaited on one goroutine each. Responses go
// through the pipeline.
type conn struct {
	srv *Server
	rwc net.Conn
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dec  *binprot.Decoder
	pipe *pipeline
	sem  *semaphore.Weighted

	closeOnce sync.Once
	done      chan struct{}

	waiters sync.WaitGroup
}

func newConn(srv *Server, rwc net.Conn) *conn {
	ctx, cancel := context.WithCancel(srv.baseCtx)
	ctx = context.WithValue(ctx, serverContextKey{}, srv)

	c := &conn{
		srv:    srv,
		rwc:    rwc,
		log:    srv.log.With().Str("remote", rwc.RemoteAddr().String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		dec:    binprot.NewDecoder(srv.config.MaxBodyLength),
		done:   make(chan struct{}),
	}
	c.pipe = newPipeline(c, bufio.NewWriterSize(rwc, srv.config.WriteBufferSize))

	if srv.config.MaxPendingRequests > 0 {
		c.sem = semaphore.NewWeighted(srv.config.MaxPendingRequests)
	}

	return c
}

// serve runs the read loop until the connection closes.
func (c *conn) serve() {
	defer func() {
		c.close()
		c.waiters.Wait()
		c.pipe.discard()
	}()

	c.log.Debug().Msg("connection opened")

	buf := make([]byte, c.srv.config.ReadBufferSize)
	for {
		if c.srv.config.IdleTimeout > 0 {
			c.rwc.SetReadDeadline(time.Now().Add(c.srv.config.IdleTimeout))
		}

		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.srv.stats.recordRead(n)

			reqs, derr := c.dec.Feed(buf[:n])
			for _, req := range reqs {
				if !c.dispatch(req) {
					return
				}
			}
			if derr != nil {
				c.srv.stats.recordFramingError()
				c.log.Warn().Err(derr).Msg("framing violation, dropping connection")
				return
			}
		}

		if err != nil {
			switch {
			case isTimeout(err) && c.pipe.outstanding() > 0:
				continue
			case errors.Is(err, io.EOF):
				c.log.Debug().Int("outstanding", c.pipe.outstanding()).Msg("client closed its side")
				c.drainAfterEOF()
			case c.isClosed():
			default:
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// drainAfterEOF waits for the outstanding responses of a client that closed
// its side, for at most Config.DrainTimeout.
func (c *conn) drainAfterEOF() {
	ctx := c.ctx
	if d := c.srv.config.DrainTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if !c.pipe.waitDrained(ctx) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.log.Warn().Int("outstanding", c.pipe.outstanding()).Msg("responses not drained after client hung up, closing")
	}
}

// dispatch appends the slot of req and runs its handler. It returns false
// once the connection is closed.
func (c *conn) dispatch(req *binprot.Request) bool {
	if c.sem != nil {
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			return false
		}
	}

	c.srv.stats.recordRequest()
	s := c.pipe.push(req, time.Now())

	out, err := c.invoke(req)
	c.settle(s, out, err)

	return !c.isClosed()
}

func (c *conn) invoke(req *binprot.Request) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()

	return c.srv.handlers[req.Opcode].ServeBinary(c.ctx, req)
}

// settle turns a handler result into a slot resolution, waiting on the
// future of a pending outcome.
func (c *conn) settle(s *slot, out Outcome, err error) {
	if err != nil {
		classified, ok := Classify(err)
		if !ok {
			c.fail(s, err)
			return
		}
		out = classified
	}

	if out.kind == kindPending {
		if out.future == nil {
			c.fail(s, errors.New("memcached: pending outcome without future"))
			return
		}
		c.waiters.Add(1)
		go c.await(s, out.future)
		return
	}

	c.complete(s, out, false)
}

func (c *conn) await(s *slot, f *Future) {
	defer c.waiters.Done()

	select {
	case <-f.Done():
		out, err := f.Result()
		c.settle(s, out, err)
	case <-c.done:
	}
}

// fail applies the failure policy to an unclassified handler error.
func (c *conn) fail(s *slot, err error) {
	c.srv.stats.recordHandlerFailure()

	ev := c.log.Error().Err(err).
		Str("opcode", s.req.Opcode.String()).
		Uint32("opaque", s.req.Opaque).
		Str("policy", c.srv.config.FailurePolicy.String())
	var perr *PanicError
	if errors.As(err, &perr) {
		ev = ev.Bytes("stack", perr.Stack)
	}
	ev.Msg("handler failed")

	c.srv.observe(s, "failure")

	switch c.srv.config.FailurePolicy {
	case FailureStall:
		// The slot stays unresolved.
	case FailureRespond:
		c.pipe.resolve(s, FailWith(binprot.ErrInternal), false)
	default:
		c.pipe.resolve(s, FailWith(binprot.ErrInternal), true)
	}
}

func (c *conn) complete(s *slot, out Outcome, closeAfter bool) {
	c.srv.observe(s, outcomeStatus(out))
	c.pipe.resolve(s, out, closeAfter)
}

// slotDone is called once per slot leaving the queue.
func (c *conn) slotDone() {
	c.srv.stats.recordSlotDone()
	if c.sem != nil {
		c.sem.Release(1)
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if err := c.rwc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close failed")
		}
		c.log.Debug().Msg("connection closed")
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
