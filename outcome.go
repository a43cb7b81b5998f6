package memcached

import (
	"context"
	"sync"

	"github.com/pior/memcached/binprot"
)

type outcomeKind uint8

const (
	kindAck outcomeKind = iota
	kindReply
	kindReplies
	kindFail
	kindSilent
	kindTerminate
	kindPending
)

func (k outcomeKind) String() string {
	switch k {
	case kindAck:
		return "ack"
	case kindReply:
		return "reply"
	case kindReplies:
		return "replies"
	case kindFail:
		return "fail"
	case kindSilent:
		return "silent"
	case kindTerminate:
		return "terminate"
	case kindPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Outcome is what a handler produced for one request.
//
// The zero value is Ack(). Responses carried by an outcome get the opcode
// and opaque of their request when written; handlers only fill status, CAS,
// key, extras and data.
type Outcome struct {
	kind   outcomeKind
	cas    uint64
	resps  []*binprot.Response
	err    *binprot.Error
	future *Future
}

// Ack is a successful response with no body.
func Ack() Outcome {
	return Outcome{kind: kindAck}
}

// AckCAS is a successful response with no body carrying cas.
func AckCAS(cas uint64) Outcome {
	return Outcome{kind: kindAck, cas: cas}
}

// Reply is a single response.
func Reply(resp *binprot.Response) Outcome {
	return Outcome{kind: kindReply, resps: []*binprot.Response{resp}}
}

// Replies is a sequence of responses to one request, written back to back
// in order (stat uses it).
func Replies(resps ...*binprot.Response) Outcome {
	return Outcome{kind: kindReplies, resps: resps}
}

// Fail is a declared protocol error. An empty msg uses the status text.
func Fail(status binprot.Status, msg string) Outcome {
	return Outcome{kind: kindFail, err: binprot.NewError(status, msg)}
}

// FailWith is Fail for an existing protocol error.
func FailWith(err *binprot.Error) Outcome {
	return Outcome{kind: kindFail, err: err}
}

// Silent resolves the request without writing anything: quiet commands use
// it on success.
func Silent() Outcome {
	return Outcome{kind: kindSilent}
}

// Terminate closes the connection once every earlier response is written.
// Nothing is written for the terminating request.
func Terminate() Outcome {
	return Outcome{kind: kindTerminate}
}

// Pending defers the outcome to f. Later requests keep being dispatched
// while f is unresolved; their responses wait behind it.
func Pending(f *Future) Outcome {
	return Outcome{kind: kindPending, future: f}
}

// IsPending reports whether o waits on a Future.
func (o Outcome) IsPending() bool {
	return o.kind == kindPending
}

func (o Outcome) String() string {
	return o.kind.String()
}

// Future is an outcome that becomes known later.
//
// Exactly one of Resolve or Fail takes effect; later calls are ignored.
// A Future may be resolved from any goroutine.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
	err     error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes f with o. It reports whether this call completed f.
func (f *Future) Resolve(o Outcome) bool {
	return f.complete(o, nil)
}

// Fail completes f with a handler error, classified like an error returned
// by Handler.ServeBinary.
func (f *Future) Fail(err error) bool {
	return f.complete(Outcome{}, err)
}

func (f *Future) complete(o Outcome, err error) bool {
	completed := false
	f.once.Do(func() {
		f.outcome = o
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

// Done is closed once f is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome of a completed future. It must not be called
// before Done is closed.
func (f *Future) Result() (Outcome, error) {
	return f.outcome, f.err
}

// Go runs fn on its own goroutine and returns the Pending outcome it will
// resolve. A panic in fn fails the future.
func Go(ctx context.Context, fn func(ctx context.Context) (Outcome, error)) Outcome {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(newPanicError(r))
			}
		}()
		o, err := fn(ctx)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Resolve(o)
	}()
	return Pending(f)
}
