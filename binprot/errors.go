package binprot

import (
	"errors"
	"fmt"
)

// Error is a declared protocol error: a non-zero status answered to the
// client with a human readable message as the response body.
//
// Servers return it from handlers, clients receive it for every response
// carrying a non-zero status. The connection stays usable.
type Error struct {
	Status  Status
	Message string
}

// NewError returns an Error for status with the default message when msg is empty.
func NewError(status Status, msg string) *Error {
	if msg == "" {
		msg = status.Text()
	}
	return &Error{Status: status, Message: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("memcached: %s (status 0x%02x)", e.Message, uint16(e.Status))
}

// Is matches any *Error with the same status, so callers can test a
// received error against the sentinels regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Status == e.Status
}

// ShouldCloseConnection returns false - a status error leaves the stream in sync.
func (e *Error) ShouldCloseConnection() bool {
	return false
}

// Sentinels for the common statuses.
var (
	ErrNotFound       = NewError(StatusKeyNotFound, "")
	ErrExists         = NewError(StatusKeyExists, "")
	ErrTooLarge       = NewError(StatusValueTooLarge, "")
	ErrInvalid        = NewError(StatusInvalidArguments, "")
	ErrNotStored      = NewError(StatusItemNotStored, "")
	ErrNonNumeric     = NewError(StatusNonNumeric, "")
	ErrUnknownCommand = NewError(StatusUnknownCommand, "")
	ErrOutOfMemory    = NewError(StatusOutOfMemory, "")
	ErrNotSupported   = NewError(StatusNotSupported, "")
	ErrInternal       = NewError(StatusInternalError, "")
)

// Framing violations. These are never answered; the connection is dropped.
var (
	ErrBadMagic      = errors.New("bad magic byte")
	ErrBodyLength    = errors.New("body length smaller than extras and key")
	ErrFrameTooLarge = errors.New("body length exceeds limit")
	ErrShortHeader   = errors.New("short header")
)

// FrameError reports a transport level violation found while decoding.
// The byte stream cannot be resynchronized after it.
type FrameError struct {
	Err    error
	Header Header
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("memcached: framing violation: %v (magic=0x%02x opcode=%s bodylen=%d)",
		e.Err, uint8(e.Header.Magic), e.Header.Opcode, e.Header.BodyLen)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - framing errors desynchronize the stream.
func (e *FrameError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is implemented by the errors of this package.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown errors (I/O failures included) are treated as fatal.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
