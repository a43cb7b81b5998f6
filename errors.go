package memcached

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/pior/memcached/binprot"
)

var (
	// ErrTerminate, returned by a handler (possibly wrapped), closes the
	// connection like Terminate().
	ErrTerminate = errors.New("memcached: terminate connection")

	// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown
	// or Close.
	ErrServerClosed = errors.New("memcached: server closed")

	// ErrRegistryFrozen is the panic value of Registry.Handle once a server
	// was built from the registry.
	ErrRegistryFrozen = errors.New("memcached: registry is frozen")
)

// PanicError is the unclassified failure recorded for a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("memcached: handler panic: %v", e.Value)
}

// Classify maps a handler error to the outcome it stands for.
//
// A *binprot.Error anywhere in the chain is a declared protocol error and
// ErrTerminate is a termination. Anything else is an unclassified failure:
// ok is false and the server applies its FailurePolicy.
func Classify(err error) (o Outcome, ok bool) {
	if err == nil {
		return Ack(), true
	}

	if errors.Is(err, ErrTerminate) {
		return Terminate(), true
	}

	var perr *binprot.Error
	if errors.As(err, &perr) {
		return FailWith(perr), true
	}

	return Outcome{}, false
}
