package memcached

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/internal/testutils"
)

// deferredHandler answers every request with a Future the test resolves.
type deferredHandler struct {
	mu      sync.Mutex
	futures map[uint32]*Future
	calls   atomic.Int32
}

func newDeferredHandler() *deferredHandler {
	return &deferredHandler{futures: make(map[uint32]*Future)}
}

func (d *deferredHandler) ServeBinary(_ context.Context, req *binprot.Request) (Outcome, error) {
	f := NewFuture()
	d.mu.Lock()
	d.futures[req.Opaque] = f
	d.mu.Unlock()
	d.calls.Add(1)
	return Pending(f), nil
}

func (d *deferredHandler) future(t *testing.T, opaque uint32) *Future {
	t.Helper()
	var f *Future
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		f = d.futures[opaque]
		return f != nil
	}, 2*time.Second, time.Millisecond, "no request with opaque %d", opaque)
	return f
}

const (
	opDeferred binprot.Opcode = 0x40
	opFailing  binprot.Opcode = 0x41
	opPanic    binprot.Opcode = 0x42
)

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.HandleFunc(binprot.OpNoop, func(context.Context, *binprot.Request) (Outcome, error) {
		return Ack(), nil
	})
	reg.HandleFunc(binprot.OpQuit, func(context.Context, *binprot.Request) (Outcome, error) {
		return Terminate(), nil
	})
	reg.HandleFunc(binprot.OpSetQ, func(context.Context, *binprot.Request) (Outcome, error) {
		return Silent(), nil
	})
	reg.HandleFunc(opFailing, func(context.Context, *binprot.Request) (Outcome, error) {
		return Outcome{}, errors.New("disk on fire")
	})
	reg.HandleFunc(opPanic, func(context.Context, *binprot.Request) (Outcome, error) {
		panic("boom")
	})
	return reg
}

func newTestServer(t *testing.T, reg *Registry, configure func(*Config)) *Server {
	t.Helper()

	config := Config{Registry: reg}
	if configure != nil {
		configure(&config)
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func serveMock(t *testing.T, srv *Server) *testutils.ConnectionMock {
	t.Helper()

	mock := testutils.NewConnectionMock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(mock)
	}()
	t.Cleanup(func() {
		mock.Close()
		<-done
	})
	return mock
}

func send(t *testing.T, mock *testutils.ConnectionMock, reqs ...*binprot.Request) {
	t.Helper()
	var b []byte
	for _, req := range reqs {
		b = binprot.AppendRequest(b, req)
	}
	require.NoError(t, mock.Send(b))
}

func parseResponses(b []byte) []*binprot.Response {
	r := bytes.NewReader(b)
	var resps []*binprot.Response
	for r.Len() > 0 {
		resp, err := binprot.ReadResponse(r)
		if err != nil {
			break
		}
		resps = append(resps, resp)
	}
	return resps
}

func waitResponses(t *testing.T, mock *testutils.ConnectionMock, n int) []*binprot.Response {
	t.Helper()
	var resps []*binprot.Response
	require.Eventually(t, func() bool {
		resps = parseResponses(mock.Written())
		return len(resps) >= n
	}, 2*time.Second, time.Millisecond, "expected %d responses", n)
	return resps
}

func waitClosed(t *testing.T, mock *testutils.ConnectionMock) {
	t.Helper()
	select {
	case <-mock.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
}

func opaques(resps []*binprot.Response) []uint32 {
	out := make([]uint32, len(resps))
	for i, r := range resps {
		out[i] = r.Opaque
	}
	return out
}

func noop(opaque uint32) *binprot.Request {
	return binprot.NewRequest(binprot.OpNoop, nil, nil, nil).WithOpaque(opaque)
}

func deferred(opaque uint32) *binprot.Request {
	return binprot.NewRequest(opDeferred, nil, nil, nil).WithOpaque(opaque)
}

func TestNewServerRequiresRegistry(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)

	_, err = NewServer(Config{Registry: NewRegistry(), MaxPendingRequests: -1})
	require.Error(t, err)
}

func TestUnknownOpcode(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	send(t, mock, binprot.NewRequest(0x55, []byte("k"), nil, nil).WithOpaque(0xaabbccdd).WithCAS(7))

	resps := waitResponses(t, mock, 1)
	resp := resps[0]
	assert.Equal(t, binprot.Opcode(0x55), resp.Opcode)
	assert.Equal(t, binprot.StatusUnknownCommand, resp.Status)
	assert.Equal(t, uint32(0xaabbccdd), resp.Opaque)
	assert.Equal(t, uint64(7), resp.CAS)
	assert.Equal(t, "Unknown command", string(resp.Data))
	assert.False(t, mock.IsClosed())
}

func TestReservedSASLOpcodesAreUnknown(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	send(t, mock,
		binprot.NewRequest(binprot.OpSASLListMechs, nil, nil, nil).WithOpaque(1),
		binprot.NewRequest(binprot.OpSASLAuth, []byte("PLAIN"), nil, []byte("x")).WithOpaque(2),
	)

	resps := waitResponses(t, mock, 2)
	for _, resp := range resps {
		assert.Equal(t, binprot.StatusUnknownCommand, resp.Status)
	}
}

func TestBadMagicClosesWithoutWriting(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	b := binprot.AppendRequest(nil, noop(1))
	b[0] = 0x81
	require.NoError(t, mock.Send(b))

	waitClosed(t, mock)
	assert.Empty(t, mock.Written())
	assert.Equal(t, uint64(1), srv.Stats().FramingErrors)
}

func TestNegativeValueLengthClosesConnection(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	require.NoError(t, mock.Send(binprot.AppendHeader(nil, binprot.Header{
		Magic:    binprot.MagicRequest,
		Opcode:   binprot.OpSet,
		KeyLen:   4,
		ExtraLen: 8,
		BodyLen:  2,
	})))

	waitClosed(t, mock)
	assert.Empty(t, mock.Written())
}

func TestMaxBodyLength(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), func(c *Config) {
		c.MaxBodyLength = 16
	})
	mock := serveMock(t, srv)

	send(t, mock, binprot.NewRequest(binprot.OpNoop, nil, nil, make([]byte, 17)))

	waitClosed(t, mock)
	assert.Empty(t, mock.Written())
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	permutations := func(n int) [][]int {
		var out [][]int
		var rec func(prefix []int, rest []int)
		rec = func(prefix []int, rest []int) {
			if len(rest) == 0 {
				out = append(out, append([]int(nil), prefix...))
				return
			}
			for i := range rest {
				next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
				rec(append(prefix, rest[i]), next)
			}
		}
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		rec(nil, idx)
		return out
	}

	for _, perm := range permutations(4) {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			d := newDeferredHandler()
			reg := newTestRegistry()
			reg.Handle(opDeferred, d)

			srv := newTestServer(t, reg, nil)
			mock := serveMock(t, srv)

			send(t, mock, deferred(0), deferred(1), deferred(2), deferred(3))

			for _, i := range perm {
				d.future(t, uint32(i)).Resolve(Reply(&binprot.Response{Data: []byte{byte(i)}}))
			}

			resps := waitResponses(t, mock, 4)
			require.Equal(t, []uint32{0, 1, 2, 3}, opaques(resps))
			for i, resp := range resps {
				assert.Equal(t, []byte{byte(i)}, resp.Data)
				assert.Equal(t, opDeferred, resp.Opcode)
			}
		})
	}
}

func TestResponsesFollowRequestOrderReversed(t *testing.T) {
	const n = 50

	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	var reqs []*binprot.Request
	var want []uint32
	for i := range n {
		reqs = append(reqs, deferred(uint32(i)))
		want = append(want, uint32(i))
	}
	send(t, mock, reqs...)

	for i := n - 1; i > 0; i-- {
		d.future(t, uint32(i)).Resolve(Ack())
	}

	// Everything waits behind the head.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, mock.Written())

	d.future(t, 0).Resolve(Ack())

	resps := waitResponses(t, mock, n)
	require.Equal(t, want, opaques(resps))
}

func TestResolvedPrefixIsWrittenInOneFlush(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, deferred(1), noop(2), noop(3))
	require.Eventually(t, func() bool {
		return srv.Stats().Requests == 3
	}, time.Second, time.Millisecond)
	assert.Zero(t, mock.WriteCount())

	d.future(t, 1).Resolve(Ack())

	resps := waitResponses(t, mock, 3)
	assert.Equal(t, []uint32{1, 2, 3}, opaques(resps))
	assert.Equal(t, 1, mock.WriteCount())
}

func TestQuietMissesThenNoop(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(binprot.OpGetQ, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock,
		binprot.NewRequest(binprot.OpGetQ, []byte("x"), nil, nil).WithOpaque(1),
		binprot.NewRequest(binprot.OpGetQ, []byte("y"), nil, nil).WithOpaque(2),
		noop(3),
	)

	d.future(t, 2).Resolve(Reply(&binprot.Response{Extras: binprot.GetResponseExtras(0), Data: []byte("Y")}))
	d.future(t, 1).Resolve(Reply(&binprot.Response{Extras: binprot.GetResponseExtras(0), Data: []byte("X")}))

	resps := waitResponses(t, mock, 3)
	require.Equal(t, []uint32{1, 2, 3}, opaques(resps))
	assert.Equal(t, "X", string(resps[0].Data))
	assert.Equal(t, "Y", string(resps[1].Data))
	assert.Equal(t, binprot.OpNoop, resps[2].Opcode)
}

func TestSilentWritesNothing(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	send(t, mock,
		binprot.NewRequest(binprot.OpSetQ, []byte("k"), binprot.StoreExtras{}.Bytes(), []byte("v")).WithOpaque(1),
		noop(2),
	)

	resps := waitResponses(t, mock, 1)
	require.Len(t, resps, 1)
	assert.Equal(t, uint32(2), resps[0].Opaque)
}

func TestTerminateFlushesEarlierResponses(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	send(t, mock,
		noop(1),
		binprot.NewRequest(binprot.OpQuit, nil, nil, nil).WithOpaque(2),
		noop(3),
	)

	waitClosed(t, mock)
	resps := parseResponses(mock.Written())
	require.Len(t, resps, 1)
	assert.Equal(t, uint32(1), resps[0].Opaque)
	assert.Equal(t, uint64(1), srv.Stats().Terminations)
}

func TestTerminateWaitsForPendingHead(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, deferred(1), binprot.NewRequest(binprot.OpQuit, nil, nil, nil).WithOpaque(2))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, mock.IsClosed())

	d.future(t, 1).Resolve(Ack())

	waitClosed(t, mock)
	resps := parseResponses(mock.Written())
	require.Len(t, resps, 1)
	assert.Equal(t, uint32(1), resps[0].Opaque)
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus binprot.Status
		wantData   string
		wantClosed bool
	}{
		{
			name:       "protocol error",
			err:        binprot.ErrNotFound,
			wantStatus: binprot.StatusKeyNotFound,
			wantData:   "Not found",
		},
		{
			name:       "wrapped protocol error",
			err:        fmt.Errorf("lookup: %w", binprot.NewError(binprot.StatusKeyExists, "Data exists for key.")),
			wantStatus: binprot.StatusKeyExists,
			wantData:   "Data exists for key.",
		},
		{
			name:       "wrapped terminate",
			err:        fmt.Errorf("bye: %w", ErrTerminate),
			wantClosed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry()
			reg.HandleFunc(opDeferred, func(context.Context, *binprot.Request) (Outcome, error) {
				return Outcome{}, tt.err
			})

			srv := newTestServer(t, reg, nil)
			mock := serveMock(t, srv)

			send(t, mock, deferred(9).WithCAS(3))

			if tt.wantClosed {
				waitClosed(t, mock)
				assert.Empty(t, mock.Written())
				return
			}

			resps := waitResponses(t, mock, 1)
			assert.Equal(t, tt.wantStatus, resps[0].Status)
			assert.Equal(t, tt.wantData, string(resps[0].Data))
			assert.Equal(t, uint32(9), resps[0].Opaque)
			assert.Equal(t, uint64(3), resps[0].CAS)
			assert.Equal(t, uint64(1), srv.Stats().ProtocolErrors)
		})
	}
}

func TestFailurePolicy(t *testing.T) {
	for _, op := range []binprot.Opcode{opFailing, opPanic} {
		t.Run(op.String()+"/close", func(t *testing.T) {
			srv := newTestServer(t, newTestRegistry(), nil)
			mock := serveMock(t, srv)

			send(t, mock, noop(1), binprot.NewRequest(op, nil, nil, nil).WithOpaque(2), noop(3))

			waitClosed(t, mock)
			resps := parseResponses(mock.Written())
			require.Equal(t, []uint32{1, 2}, opaques(resps))
			assert.Equal(t, binprot.StatusInternalError, resps[1].Status)
			assert.Equal(t, uint64(1), srv.Stats().HandlerFailures)
		})

		t.Run(op.String()+"/respond", func(t *testing.T) {
			srv := newTestServer(t, newTestRegistry(), func(c *Config) {
				c.FailurePolicy = FailureRespond
			})
			mock := serveMock(t, srv)

			send(t, mock, binprot.NewRequest(op, nil, nil, nil).WithOpaque(2), noop(3))

			resps := waitResponses(t, mock, 2)
			require.Equal(t, []uint32{2, 3}, opaques(resps))
			assert.Equal(t, binprot.StatusInternalError, resps[0].Status)
			assert.Equal(t, "Internal error", string(resps[0].Data))
			assert.False(t, mock.IsClosed())
		})

		t.Run(op.String()+"/stall", func(t *testing.T) {
			srv := newTestServer(t, newTestRegistry(), func(c *Config) {
				c.FailurePolicy = FailureStall
			})
			mock := serveMock(t, srv)

			send(t, mock, noop(1), binprot.NewRequest(op, nil, nil, nil).WithOpaque(2), noop(3))

			require.Eventually(t, func() bool {
				return srv.Stats().HandlerFailures == 1 && srv.Stats().Requests == 3
			}, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)

			resps := parseResponses(mock.Written())
			require.Equal(t, []uint32{1}, opaques(resps))
			assert.False(t, mock.IsClosed())
		})
	}
}

func TestFutureFailureIsClassified(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, func(c *Config) {
		c.FailurePolicy = FailureRespond
	})
	mock := serveMock(t, srv)

	send(t, mock, deferred(1), deferred(2), deferred(3))

	d.future(t, 3).Fail(errors.New("lost"))
	d.future(t, 2).Fail(binprot.ErrNotStored)
	d.future(t, 1).Resolve(AckCAS(77))

	resps := waitResponses(t, mock, 3)
	require.Equal(t, []uint32{1, 2, 3}, opaques(resps))
	assert.Equal(t, uint64(77), resps[0].CAS)
	assert.Equal(t, binprot.StatusItemNotStored, resps[1].Status)
	assert.Equal(t, binprot.StatusInternalError, resps[2].Status)
}

func TestGoOutcome(t *testing.T) {
	release := make(chan struct{})

	reg := newTestRegistry()
	reg.HandleFunc(opDeferred, func(ctx context.Context, req *binprot.Request) (Outcome, error) {
		return Go(ctx, func(ctx context.Context) (Outcome, error) {
			<-release
			return Reply(&binprot.Response{Data: req.Key}), nil
		}), nil
	})

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, binprot.NewRequest(opDeferred, []byte("slow"), nil, nil).WithOpaque(1), noop(2))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, mock.Written())

	close(release)

	resps := waitResponses(t, mock, 2)
	require.Equal(t, []uint32{1, 2}, opaques(resps))
	assert.Equal(t, "slow", string(resps[0].Data))
}

func TestRepliesOutcome(t *testing.T) {
	reg := newTestRegistry()
	reg.HandleFunc(binprot.OpStat, func(context.Context, *binprot.Request) (Outcome, error) {
		return Replies(
			&binprot.Response{Key: []byte("pid"), Data: []byte("1")},
			&binprot.Response{Key: []byte("uptime"), Data: []byte("2")},
			&binprot.Response{},
		), nil
	})

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, binprot.NewRequest(binprot.OpStat, nil, nil, nil).WithOpaque(5), noop(6))

	resps := waitResponses(t, mock, 4)
	require.Equal(t, []uint32{5, 5, 5, 6}, opaques(resps))
	assert.Equal(t, "pid", string(resps[0].Key))
	assert.Equal(t, "uptime", string(resps[1].Key))
	assert.Empty(t, resps[2].Key)
	assert.Equal(t, binprot.OpStat, resps[2].Opcode)
}

func TestMaxPendingRequests(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, func(c *Config) {
		c.MaxPendingRequests = 2
	})
	mock := serveMock(t, srv)

	send(t, mock, deferred(1), deferred(2), deferred(3))

	require.Eventually(t, func() bool { return d.calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), d.calls.Load(), "third request waits for a free slot")

	d.future(t, 1).Resolve(Ack())

	require.Eventually(t, func() bool { return d.calls.Load() == 3 }, time.Second, time.Millisecond)
	d.future(t, 3).Resolve(Ack())
	d.future(t, 2).Resolve(Ack())

	resps := waitResponses(t, mock, 3)
	assert.Equal(t, []uint32{1, 2, 3}, opaques(resps))
}

func TestEOFWaitsForOutstandingResponses(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, deferred(1))
	f := d.future(t, 1)
	mock.CloseInput()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, mock.IsClosed())

	f.Resolve(Ack())

	waitClosed(t, mock)
	assert.Equal(t, []uint32{1}, opaques(parseResponses(mock.Written())))
}

func TestEOFDrainTimeout(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, func(c *Config) {
		c.DrainTimeout = 50 * time.Millisecond
	})
	mock := serveMock(t, srv)

	send(t, mock, noop(1), deferred(2))
	d.future(t, 2)
	mock.CloseInput()

	waitClosed(t, mock)
	assert.Equal(t, []uint32{1}, opaques(parseResponses(mock.Written())))
	require.Eventually(t, func() bool {
		return srv.Stats().CurrConnections == 0
	}, time.Second, time.Millisecond)
}

func TestHandlerContextCancelledOnClose(t *testing.T) {
	ctxs := make(chan context.Context, 1)

	reg := newTestRegistry()
	reg.HandleFunc(opDeferred, func(ctx context.Context, req *binprot.Request) (Outcome, error) {
		assert.NotNil(t, ServerFromContext(ctx))
		ctxs <- ctx
		return Pending(NewFuture()), nil
	})

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, deferred(1))
	ctx := <-ctxs

	mock.Close()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("handler context not cancelled")
	}
}

func TestReplyWithErrorStatus(t *testing.T) {
	reg := newTestRegistry()
	reg.HandleFunc(binprot.OpGet, func(context.Context, *binprot.Request) (Outcome, error) {
		return Reply(&binprot.Response{Status: binprot.StatusKeyNotFound}), nil
	})

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, binprot.NewRequest(binprot.OpGet, []byte("k"), nil, nil).WithOpaque(4).WithCAS(9))

	resps := waitResponses(t, mock, 1)
	assert.Equal(t, binprot.StatusKeyNotFound, resps[0].Status)
	assert.Equal(t, uint32(4), resps[0].Opaque)
	assert.Empty(t, resps[0].Data)
	assert.Equal(t, uint64(1), srv.Stats().ProtocolErrors)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	mock := serveMock(t, srv)

	send(t, mock, noop(1), binprot.NewRequest(0x66, nil, nil, nil).WithOpaque(2))
	waitResponses(t, mock, 2)

	st := srv.Stats()
	assert.Equal(t, uint64(1), st.TotalConnections)
	assert.Equal(t, int64(1), st.CurrConnections)
	assert.Equal(t, uint64(2), st.Requests)
	assert.Equal(t, uint64(2), st.Responses)
	assert.Equal(t, uint64(1), st.ProtocolErrors)
	assert.Equal(t, int64(0), st.PendingRequests)
	assert.Equal(t, uint64(2*binprot.HeaderLen), st.BytesRead)
	assert.Equal(t, uint64(2*binprot.HeaderLen+len("Unknown command")), st.BytesWritten)

	mock.Close()
	require.Eventually(t, func() bool {
		return srv.Stats().CurrConnections == 0
	}, time.Second, time.Millisecond)
}

func startTCPServer(t *testing.T, srv *Server) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	t.Cleanup(func() {
		srv.Close()
		require.ErrorIs(t, <-errCh, ErrServerClosed)
	})

	return l.Addr().String()
}

func TestServeTCP(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	addr := startTCPServer(t, srv)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, binprot.WriteRequest(nc, noop(42)))

	resp, err := binprot.ReadResponse(nc)
	require.NoError(t, err)
	assert.Equal(t, binprot.OpNoop, resp.Opcode)
	assert.Equal(t, uint32(42), resp.Opaque)
	assert.True(t, resp.IsSuccess())

	require.Len(t, srv.Addrs(), 1)
}

func TestIdleTimeout(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), func(c *Config) {
		c.IdleTimeout = 50 * time.Millisecond
	})
	addr := startTCPServer(t, srv)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, isTimeout(err), "server closed the connection before the client deadline")
}

func TestShutdownDrainsConnections(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	addr := startTCPServer(t, srv)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, binprot.WriteRequest(nc, deferred(1)))
	f := d.future(t, 1)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- srv.Shutdown(t.Context()) }()

	time.Sleep(20 * time.Millisecond)
	f.Resolve(Ack())

	resp, err := binprot.ReadResponse(nc)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.Opaque)

	require.NoError(t, <-shutdownErr)

	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
}

func TestShutdownDeadline(t *testing.T) {
	d := newDeferredHandler()
	reg := newTestRegistry()
	reg.Handle(opDeferred, d)

	srv := newTestServer(t, reg, nil)
	mock := serveMock(t, srv)

	send(t, mock, deferred(1))
	d.future(t, 1)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	waitClosed(t, mock)
}

func TestServeAfterClose(t *testing.T) {
	srv := newTestServer(t, newTestRegistry(), nil)
	require.NoError(t, srv.Close())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(l), ErrServerClosed)
	require.ErrorIs(t, srv.ListenAndServe("127.0.0.1:0"), ErrServerClosed)
}
