package memcached

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/pior/memcached/binprot"
)

// slot holds the outcome of one dispatched request until it is written.
type slot struct {
	req   *binprot.Request
	start time.Time

	resolved   bool
	outcome    Outcome
	closeAfter bool
}

// pipeline is the ordered response queue of a connection.
//
// Slots are appended in dispatch order and resolved in any order. Every
// resolution drains the queue from the front while the head is resolved,
// so responses leave in request order. The queue, the writer and the
// decision to close are only touched with mu held.
type pipeline struct {
	c *conn

	mu      sync.Mutex
	queue   []*slot
	w       *bufio.Writer
	drained chan struct{}
}

func newPipeline(c *conn, w *bufio.Writer) *pipeline {
	return &pipeline{c: c, w: w}
}

// push appends the slot of a request about to be dispatched.
func (p *pipeline) push(req *binprot.Request, start time.Time) *slot {
	s := &slot{req: req, start: start}

	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()

	return s
}

// resolve records the final outcome of s and writes whatever became
// writable. Resolutions after the connection closed are ignored.
func (p *pipeline) resolve(s *slot, o Outcome, closeAfter bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.resolved || p.c.isClosed() {
		return
	}
	s.resolved = true
	s.outcome = o
	s.closeAfter = closeAfter

	p.drain()
}

// drain writes the resolved prefix of the queue and flushes once.
func (p *pipeline) drain() {
	wrote := false

	for len(p.queue) > 0 && p.queue[0].resolved {
		if p.c.isClosed() {
			return
		}

		s := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.c.slotDone()

		if s.outcome.kind == kindTerminate {
			p.flush()
			p.c.srv.stats.recordTermination()
			p.c.log.Debug().Str("opcode", s.req.Opcode.String()).Msg("connection terminated by request")
			p.c.close()
			return
		}

		if err := p.write(s); err != nil {
			p.c.log.Debug().Err(err).Msg("write failed")
			p.c.close()
			return
		}
		wrote = true

		if s.closeAfter {
			p.flush()
			p.c.close()
			return
		}
	}

	if wrote {
		if !p.flush() {
			return
		}
	}

	if len(p.queue) == 0 {
		p.queue = nil
		if p.drained != nil {
			close(p.drained)
			p.drained = nil
		}
	}
}

func (p *pipeline) flush() bool {
	if err := p.w.Flush(); err != nil {
		p.c.log.Debug().Err(err).Msg("flush failed")
		p.c.close()
		return false
	}
	return true
}

func (p *pipeline) write(s *slot) error {
	req := s.req
	o := s.outcome

	switch o.kind {
	case kindSilent:
		return nil

	case kindAck:
		return p.send(&binprot.Response{
			Opcode: req.Opcode,
			Opaque: req.Opaque,
			CAS:    o.cas,
		})

	case kindReply, kindReplies:
		if len(o.resps) > 0 && o.resps[0] != nil && o.resps[0].Status != binprot.StatusOK {
			p.c.srv.stats.recordProtocolError()
		}
		for _, r := range o.resps {
			if r == nil {
				continue
			}
			resp := *r
			resp.Opcode = req.Opcode
			resp.Opaque = req.Opaque
			if err := p.send(&resp); err != nil {
				return err
			}
		}
		return nil

	case kindFail:
		perr := o.err
		if perr == nil {
			perr = binprot.ErrInternal
		}
		p.c.srv.stats.recordProtocolError()
		return p.send(binprot.ErrorResponse(req, perr))
	}

	// Pending never reaches the queue; treat anything else as an empty ack.
	return p.send(&binprot.Response{Opcode: req.Opcode, Opaque: req.Opaque})
}

func (p *pipeline) send(resp *binprot.Response) error {
	if err := binprot.WriteResponse(p.w, resp); err != nil {
		return err
	}
	p.c.srv.stats.recordResponse()
	p.c.srv.stats.recordWritten(binprot.HeaderLen + int(resp.Header().BodyLen))
	return nil
}

// outstanding returns the number of slots not yet written.
func (p *pipeline) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// waitDrained blocks until every slot is written. It returns false if ctx
// ends or the connection closes first.
func (p *pipeline) waitDrained(ctx context.Context) bool {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return true
	}
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	drained := p.drained
	p.mu.Unlock()

	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	case <-p.c.done:
		return false
	}
}

// discard drops the slots left after the connection closed.
func (p *pipeline) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.queue {
		p.c.slotDone()
	}
	p.queue = nil
}
