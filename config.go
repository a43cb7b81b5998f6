package memcached

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FailurePolicy decides what happens to a request whose handler failed
// with an unclassified error or a panic.
type FailurePolicy int

const (
	// FailureCloseConnection answers with an internal error (status 0x84)
	// and closes the connection once that response is written.
	FailureCloseConnection FailurePolicy = iota

	// FailureRespond answers with an internal error and keeps the
	// connection open.
	FailureRespond

	// FailureStall never resolves the request: it and every later response
	// of the connection stay unwritten until the connection closes. A client
	// that hung up still holds its connection for Config.DrainTimeout.
	FailureStall
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureCloseConnection:
		return "close"
	case FailureRespond:
		return "respond"
	case FailureStall:
		return "stall"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses the name returned by FailurePolicy.String.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "close":
		return FailureCloseConnection, nil
	case "respond":
		return FailureRespond, nil
	case "stall":
		return FailureStall, nil
	default:
		return 0, fmt.Errorf("memcached: unknown failure policy %q", s)
	}
}

// Config holds configuration for the server.
type Config struct {
	// Registry holds the handlers. It is frozen by NewServer.
	// Required.
	Registry *Registry

	// Logger receives connection lifecycle events, framing violations and
	// handler failures.
	// If nil, logging is disabled.
	Logger *zerolog.Logger

	// MaxPendingRequests bounds the requests of one connection that are
	// dispatched but not yet written. When reached, the connection stops
	// reading until the oldest one is written.
	// Zero means no limit.
	MaxPendingRequests int64

	// MaxBodyLength is the largest request body accepted. A larger announced
	// body is a framing violation.
	// Default: binprot.DefaultMaxBodyLength (32 MiB)
	MaxBodyLength uint32

	// ReadBufferSize is the size of one socket read.
	// Default: 16 KiB
	ReadBufferSize int

	// WriteBufferSize is the size of the response buffer, flushed once per
	// drain of the response queue.
	// Default: 16 KiB
	WriteBufferSize int

	// FailurePolicy applies to unclassified handler failures.
	// Default: FailureCloseConnection
	FailurePolicy FailurePolicy

	// IdleTimeout closes a connection that sent nothing for this long while
	// no response is outstanding.
	// Zero means no timeout.
	IdleTimeout time.Duration

	// DrainTimeout bounds how long a connection whose client closed its
	// side keeps waiting for outstanding responses before it is closed.
	// Negative means no bound.
	// Default: 30s
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 16 * 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 16 * 1024
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}
