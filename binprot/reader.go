package binprot

import (
	"errors"
	"io"
)

// ReadResponse reads one response packet from r.
//
// Go errors returned indicate I/O or framing failures and leave the stream
// unusable (see ShouldCloseConnection). A non-zero status is not a Go error
// here; use Response.Err.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if h.Magic != MagicResponse {
		return nil, &FrameError{Err: ErrBadMagic, Header: h}
	}
	if h.ValueLen() < 0 {
		return nil, &FrameError{Err: ErrBodyLength, Header: h}
	}
	if h.BodyLen > DefaultMaxBodyLength {
		return nil, &FrameError{Err: ErrFrameTooLarge, Header: h}
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	extraEnd := int(h.ExtraLen)
	keyEnd := extraEnd + int(h.KeyLen)

	return &Response{
		Opcode: h.Opcode,
		Status: h.Status,
		Opaque: h.Opaque,
		CAS:    h.CAS,
		Extras: span(body, 0, extraEnd),
		Key:    span(body, extraEnd, keyEnd),
		Data:   span(body, keyEnd, len(body)),
	}, nil
}
