package memcached

import (
	"context"
	"sync"

	"github.com/pior/memcached/binprot"
)

// Handler serves one opcode.
//
// ServeBinary is called on the connection's read goroutine, in request
// order, and must not block: long work returns Pending (see Go). The
// context is cancelled when the connection closes.
//
// A returned error is classified by Classify: a *binprot.Error becomes an
// error response, ErrTerminate closes the connection, anything else is an
// unclassified failure handled by Config.FailurePolicy.
type Handler interface {
	ServeBinary(ctx context.Context, req *binprot.Request) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *binprot.Request) (Outcome, error)

func (f HandlerFunc) ServeBinary(ctx context.Context, req *binprot.Request) (Outcome, error) {
	return f(ctx, req)
}

// unknownCommand answers every opcode without a handler.
var unknownCommand = HandlerFunc(func(context.Context, *binprot.Request) (Outcome, error) {
	return FailWith(binprot.ErrUnknownCommand), nil
})

// Registry maps opcodes to handlers.
//
// It is filled before the server starts; NewServer freezes it and takes a
// copy of the table, so the server never sees a later change.
type Registry struct {
	mu       sync.Mutex
	handlers [256]Handler
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Handle binds h to op, replacing a previous binding.
// It panics if h is nil or if the registry is frozen.
func (r *Registry) Handle(op binprot.Opcode, h Handler) {
	if h == nil {
		panic("memcached: nil handler for opcode " + op.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(ErrRegistryFrozen)
	}
	r.handlers[op] = h
}

// HandleFunc binds f to op.
func (r *Registry) HandleFunc(op binprot.Opcode, f func(ctx context.Context, req *binprot.Request) (Outcome, error)) {
	r.Handle(op, HandlerFunc(f))
}

// Lookup returns the handler bound to op, or nil.
func (r *Registry) Lookup(op binprot.Opcode) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[op]
}

// Opcodes returns the bound opcodes in ascending order.
func (r *Registry) Opcodes() []binprot.Opcode {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ops []binprot.Opcode
	for op, h := range r.handlers {
		if h != nil {
			ops = append(ops, binprot.Opcode(op))
		}
	}
	return ops
}

// freeze stops further bindings and returns the dispatch table, with
// unbound opcodes answering "unknown command".
func (r *Registry) freeze() [256]Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true

	table := r.handlers
	for op := range table {
		if table[op] == nil {
			table[op] = unknownCommand
		}
	}
	return table
}
