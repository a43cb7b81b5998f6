package binprot

// Response is a response packet.
// Opcode and Opaque are copied from the originating request.
type Response struct {
	Opcode Opcode
	Status Status
	Opaque uint32
	CAS    uint64
	Key    []byte
	Extras []byte
	Data   []byte
}

// Header returns the wire header of r.
func (r *Response) Header() Header {
	return Header{
		Magic:    MagicResponse,
		Opcode:   r.Opcode,
		KeyLen:   uint16(len(r.Key)),
		ExtraLen: uint8(len(r.Extras)),
		Status:   r.Status,
		BodyLen:  uint32(len(r.Extras) + len(r.Key) + len(r.Data)),
		Opaque:   r.Opaque,
		CAS:      r.CAS,
	}
}

// IsSuccess reports a zero status.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusOK
}

// Err returns the declared protocol error carried by r, or nil on success.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return NewError(r.Status, string(r.Data))
}

// Flags returns the client flags of a get response, or 0 when absent.
func (r *Response) Flags() uint32 {
	if len(r.Extras) < GetResponseExtrasLen {
		return 0
	}
	return ParseGetResponseExtras(r.Extras)
}

// ErrorResponse builds the response for a declared protocol error.
func ErrorResponse(req *Request, err *Error) *Response {
	return &Response{
		Opcode: req.Opcode,
		Status: err.Status,
		Opaque: req.Opaque,
		CAS:    req.CAS,
		Data:   []byte(err.Message),
	}
}
