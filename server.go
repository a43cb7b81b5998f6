package memcached

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type serverContextKey struct{}

// ServerFromContext returns the server running the handler that received
// ctx, or nil.
func ServerFromContext(ctx context.Context) *Server {
	srv, _ := ctx.Value(serverContextKey{}).(*Server)
	return srv
}

// Server serves the memcached binary protocol.
type Server struct {
	config   Config
	handlers [256]Handler
	log      zerolog.Logger

	stats   *statsCollector
	metrics atomic.Pointer[metrics]

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closing   atomic.Bool
	connWG    sync.WaitGroup
}

// NewServer creates a server with the given configuration. The registry is
// frozen: handlers bound afterwards panic.
func NewServer(config Config) (*Server, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("memcached: no registry provided")
	}
	if config.MaxPendingRequests < 0 {
		return nil, fmt.Errorf("memcached: negative MaxPendingRequests %d", config.MaxPendingRequests)
	}
	config.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:     config,
		handlers:   config.Registry.freeze(),
		log:        *config.Logger,
		stats:      newStatsCollector(),
		baseCtx:    ctx,
		cancelBase: cancel,
		listeners:  make(map[net.Listener]struct{}),
		conns:      make(map[*conn]struct{}),
	}, nil
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	if s.closing.Load() {
		return ErrServerClosed
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("memcached: listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l and serves each on its own goroutine.
// It always returns a non-nil error; ErrServerClosed after Shutdown or
// Close.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	s.log.Info().Str("addr", l.Addr().String()).Msg("serving")

	var tempDelay time.Duration
	for {
		rwc, err := l.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = max(5*time.Millisecond, min(2*tempDelay, time.Second))
				s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("memcached: accept: %w", err)
		}
		tempDelay = 0

		c := newConn(s, rwc)
		if !s.trackConn(c, true) {
			c.close()
			continue
		}
		go func() {
			defer s.trackConn(c, false)
			c.serve()
		}()
	}
}

// ServeConn serves a single connection and returns when it is closed.
func (s *Server) ServeConn(rwc net.Conn) {
	c := newConn(s, rwc)
	if !s.trackConn(c, true) {
		c.close()
		return
	}
	defer s.trackConn(c, false)
	c.serve()
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.closing.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.closing.Load() {
			return false
		}
		s.conns[c] = struct{}{}
		s.connWG.Add(1)
		s.stats.recordConnOpen()
	} else {
		delete(s.conns, c)
		s.connWG.Done()
		s.stats.recordConnClose()
	}
	return true
}

// Addrs returns the addresses of the active listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Shutdown stops accepting connections, lets every connection write the
// responses it owes, then closes it. If ctx ends first the remaining
// connections are closed immediately and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	conns := s.stop()

	for _, c := range conns {
		go func() {
			c.pipe.waitDrained(ctx)
			c.close()
		}()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		s.log.Info().Msg("server stopped")
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close closes the listeners and every connection immediately.
func (s *Server) Close() error {
	conns := s.stop()
	s.cancelBase()
	for _, c := range conns {
		c.close()
	}
	return nil
}

// stop closes the listeners and returns the open connections.
func (s *Server) stop() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing.Store(true)

	for l := range s.listeners {
		l.Close()
	}

	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}
