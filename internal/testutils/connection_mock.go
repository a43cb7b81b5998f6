// Package testutils holds test doubles shared by the package tests.
package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is an in-memory net.Conn seen from the server side.
//
// The test plays the client: Send delivers bytes to the server's Read,
// CloseInput makes the next Read return io.EOF, Written returns what the
// server wrote. It is safe for concurrent use.
type ConnectionMock struct {
	in  *io.PipeReader
	out *io.PipeWriter

	mu     sync.Mutex
	buf    bytes.Buffer
	writes int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnectionMock creates a connection whose input is fed with Send.
func NewConnectionMock() *ConnectionMock {
	r, w := io.Pipe()
	return &ConnectionMock{
		in:     r,
		out:    w,
		closed: make(chan struct{}),
	}
}

// Send delivers p to the server as one read. It blocks until the server
// consumed it and fails once the connection is closed.
func (m *ConnectionMock) Send(p []byte) error {
	_, err := m.out.Write(p)
	return err
}

// CloseInput ends the client's side of the stream.
func (m *ConnectionMock) CloseInput() {
	m.out.Close()
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	return m.in.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	return m.buf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.in.CloseWithError(net.ErrClosed)
	})
	return nil
}

// Closed is closed once the server closed the connection.
func (m *ConnectionMock) Closed() <-chan struct{} {
	return m.closed
}

// IsClosed reports whether the server closed the connection.
func (m *ConnectionMock) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every byte written by the server so far.
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.buf.Bytes())
}

// WriteCount returns the number of Write calls made by the server.
func (m *ConnectionMock) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }
