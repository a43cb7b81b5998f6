package binprot

import "fmt"

// Magic identifies the direction of a packet.
type Magic uint8

const (
	// MagicRequest is the first byte of every request header.
	MagicRequest Magic = 0x80

	// MagicResponse is the first byte of every response header.
	MagicResponse Magic = 0x81
)

// HeaderLen is the size of the fixed header. Request and response headers
// share the same size and layout.
const HeaderLen = 24

// Opcode identifies the requested operation.
type Opcode uint8

// Command opcodes.
//
// The quiet variants (suffix Q) suppress the response on success, except
// OpGetQ and OpGetKQ which suppress it on a miss. A client pipelines quiet
// commands and terminates the batch with OpNoop to collect the responses.
const (
	OpGet      Opcode = 0x00
	OpSet      Opcode = 0x01
	OpAdd      Opcode = 0x02
	OpReplace  Opcode = 0x03
	OpDelete   Opcode = 0x04
	OpIncr     Opcode = 0x05
	OpDecr     Opcode = 0x06
	OpQuit     Opcode = 0x07
	OpFlush    Opcode = 0x08
	OpGetQ     Opcode = 0x09
	OpNoop     Opcode = 0x0a
	OpVersion  Opcode = 0x0b
	OpGetK     Opcode = 0x0c
	OpGetKQ    Opcode = 0x0d
	OpAppend   Opcode = 0x0e
	OpPrepend  Opcode = 0x0f
	OpStat     Opcode = 0x10
	OpSetQ     Opcode = 0x11
	OpAddQ     Opcode = 0x12
	OpReplaceQ Opcode = 0x13
	OpDeleteQ  Opcode = 0x14
	OpIncrQ    Opcode = 0x15
	OpDecrQ    Opcode = 0x16
	OpQuitQ    Opcode = 0x17
	OpFlushQ   Opcode = 0x18
	OpAppendQ  Opcode = 0x19
	OpPrependQ Opcode = 0x1a

	// SASL negotiation is reserved. No handler is bound to these opcodes,
	// so they answer with StatusUnknownCommand.
	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22
)

var opcodeNames = map[Opcode]string{
	OpGet:           "get",
	OpSet:           "set",
	OpAdd:           "add",
	OpReplace:       "replace",
	OpDelete:        "delete",
	OpIncr:          "incr",
	OpDecr:          "decr",
	OpQuit:          "quit",
	OpFlush:         "flush",
	OpGetQ:          "getq",
	OpNoop:          "noop",
	OpVersion:       "version",
	OpGetK:          "getk",
	OpGetKQ:         "getkq",
	OpAppend:        "append",
	OpPrepend:       "prepend",
	OpStat:          "stat",
	OpSetQ:          "setq",
	OpAddQ:          "addq",
	OpReplaceQ:      "replaceq",
	OpDeleteQ:       "deleteq",
	OpIncrQ:         "incrq",
	OpDecrQ:         "decrq",
	OpQuitQ:         "quitq",
	OpFlushQ:        "flushq",
	OpAppendQ:       "appendq",
	OpPrependQ:      "prependq",
	OpSASLListMechs: "sasl_list_mechs",
	OpSASLAuth:      "sasl_auth",
	OpSASLStep:      "sasl_step",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(op))
}

// quietOf maps each quiet opcode to its loud counterpart.
var quietOf = map[Opcode]Opcode{
	OpGetQ:     OpGet,
	OpGetKQ:    OpGetK,
	OpSetQ:     OpSet,
	OpAddQ:     OpAdd,
	OpReplaceQ: OpReplace,
	OpDeleteQ:  OpDelete,
	OpIncrQ:    OpIncr,
	OpDecrQ:    OpDecr,
	OpQuitQ:    OpQuit,
	OpFlushQ:   OpFlush,
	OpAppendQ:  OpAppend,
	OpPrependQ: OpPrepend,
}

// IsQuiet reports whether op is a quiet variant.
func (op Opcode) IsQuiet() bool {
	_, ok := quietOf[op]
	return ok
}

// Loud returns the non-quiet counterpart of op, or op itself.
func (op Opcode) Loud() Opcode {
	if loud, ok := quietOf[op]; ok {
		return loud
	}
	return op
}

// Status is the response status code. Zero means success.
type Status uint16

const (
	StatusOK               Status = 0x00
	StatusKeyNotFound      Status = 0x01
	StatusKeyExists        Status = 0x02
	StatusValueTooLarge    Status = 0x03
	StatusInvalidArguments Status = 0x04
	StatusItemNotStored    Status = 0x05
	StatusNonNumeric       Status = 0x06
	StatusAuthError        Status = 0x20
	StatusAuthContinue     Status = 0x21
	StatusUnknownCommand   Status = 0x81
	StatusOutOfMemory      Status = 0x82
	StatusNotSupported     Status = 0x83
	StatusInternalError    Status = 0x84
	StatusBusy             Status = 0x85
	StatusTemporaryFailure Status = 0x86
)

var statusText = map[Status]string{
	StatusOK:               "No error",
	StatusKeyNotFound:      "Not found",
	StatusKeyExists:        "Exists",
	StatusValueTooLarge:    "Too large",
	StatusInvalidArguments: "Invalid arguments",
	StatusItemNotStored:    "Not stored",
	StatusNonNumeric:       "Non-numeric server-side value for incr or decr",
	StatusAuthError:        "Auth failure",
	StatusAuthContinue:     "Auth continue",
	StatusUnknownCommand:   "Unknown command",
	StatusOutOfMemory:      "Out of memory",
	StatusNotSupported:     "Not supported",
	StatusInternalError:    "Internal error",
	StatusBusy:             "Busy",
	StatusTemporaryFailure: "Temporary failure",
}

// Text returns the default human readable message for s.
func (s Status) Text() string {
	if txt, ok := statusText[s]; ok {
		return txt
	}
	return fmt.Sprintf("Unknown status 0x%02x", uint16(s))
}

func (s Status) String() string {
	return s.Text()
}

// Extras sizes of the request formats.
const (
	// StoreExtrasLen is the extras size of set/add/replace: flags, expiration.
	StoreExtrasLen = 8

	// ArithExtrasLen is the extras size of incr/decr: delta, initial, expiration.
	ArithExtrasLen = 20

	// FlushExtrasLen is the extras size of flush when a delay is given.
	FlushExtrasLen = 4

	// GetResponseExtrasLen is the extras size of a get response: flags.
	GetResponseExtrasLen = 4

	// ArithResponseLen is the body size of an incr/decr response.
	ArithResponseLen = 8
)

// NoAutoCreate is the incr/decr expiration that disables creating a missing
// counter from its initial value.
const NoAutoCreate uint32 = 0xffffffff

// Limits
const (
	// MaxKeyLength is the maximum key length accepted by the reference handlers.
	MaxKeyLength = 250

	// DefaultMaxBodyLength bounds the body a decoder accepts by default.
	DefaultMaxBodyLength = 32 * 1024 * 1024
)
