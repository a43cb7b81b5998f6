package binprot

// Request is a decoded request packet.
// It is a plain data container; a Request handed out by the Decoder owns its
// byte slices and must be treated as immutable.
type Request struct {
	Header

	// Extras holds the command specific fixed fields (see the *Extras types).
	Extras []byte

	// Key may be empty.
	Key []byte

	// Value is the payload: bodylen - extralen - keylen bytes.
	Value []byte
}

// NewRequest builds a request with a consistent header.
func NewRequest(op Opcode, key, extras, value []byte) *Request {
	return &Request{
		Header: Header{
			Magic:    MagicRequest,
			Opcode:   op,
			KeyLen:   uint16(len(key)),
			ExtraLen: uint8(len(extras)),
			BodyLen:  uint32(len(extras) + len(key) + len(value)),
		},
		Extras: extras,
		Key:    key,
		Value:  value,
	}
}

// WithOpaque sets the opaque token and returns r.
func (r *Request) WithOpaque(opaque uint32) *Request {
	r.Opaque = opaque
	return r
}

// WithCAS sets the compare-and-swap value and returns r.
func (r *Request) WithCAS(cas uint64) *Request {
	r.CAS = cas
	return r
}
