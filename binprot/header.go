package binprot

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 24-byte packet header. All integers are big-endian.
//
//	offset  field       width
//	0       magic       1
//	1       opcode      1
//	2       key length  2
//	4       extras len  1
//	5       data type   1
//	6       status      2  (reserved in requests)
//	8       body length 4
//	12      opaque      4
//	16      cas         8
type Header struct {
	Magic    Magic
	Opcode   Opcode
	KeyLen   uint16
	ExtraLen uint8
	DataType uint8
	Status   Status
	BodyLen  uint32
	Opaque   uint32
	CAS      uint64
}

// ValueLen returns the length of the value that follows extras and key.
// It is negative when the header is corrupt.
func (h Header) ValueLen() int64 {
	return int64(h.BodyLen) - int64(h.ExtraLen) - int64(h.KeyLen)
}

// PutHeader encodes h into the first HeaderLen bytes of b.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderLen-1]
	b[0] = byte(h.Magic)
	b[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.KeyLen)
	b[4] = h.ExtraLen
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(b[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.CAS)
}

// AppendHeader appends the encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	var b [HeaderLen]byte
	PutHeader(b[:], h)
	return append(dst, b[:]...)
}

// DecodeHeader parses a header. It does not validate the magic byte.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:    Magic(b[0]),
		Opcode:   Opcode(b[1]),
		KeyLen:   binary.BigEndian.Uint16(b[2:4]),
		ExtraLen: b[4],
		DataType: b[5],
		Status:   Status(binary.BigEndian.Uint16(b[6:8])),
		BodyLen:  binary.BigEndian.Uint32(b[8:12]),
		Opaque:   binary.BigEndian.Uint32(b[12:16]),
		CAS:      binary.BigEndian.Uint64(b[16:24]),
	}, nil
}
