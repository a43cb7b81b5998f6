package binprot

import (
	"bufio"
	"io"

	"github.com/pior/memcached/internal"
)

// A typical packet is a header plus a short key and value.
var bufferPool = internal.NewBufferPool(256)

// AppendResponse appends the wire form of resp to dst: header, extras, key,
// data.
func AppendResponse(dst []byte, resp *Response) []byte {
	dst = AppendHeader(dst, resp.Header())
	dst = append(dst, resp.Extras...)
	dst = append(dst, resp.Key...)
	dst = append(dst, resp.Data...)
	return dst
}

// WriteResponse writes resp to w as one write.
//
// A bufio.Writer is written to directly and is not flushed; the caller
// decides when a batch of responses goes out.
func WriteResponse(w io.Writer, resp *Response) error {
	if bw, ok := w.(*bufio.Writer); ok {
		var hdr [HeaderLen]byte
		PutHeader(hdr[:], resp.Header())
		bw.Write(hdr[:])
		bw.Write(resp.Extras)
		bw.Write(resp.Key)
		_, err := bw.Write(resp.Data)
		return err
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	buf.Write(AppendResponse(buf.AvailableBuffer(), resp))
	_, err := w.Write(buf.Bytes())
	return err
}

// AppendRequest appends the wire form of req to dst: header, extras, key,
// value. The header lengths are derived from the slices.
func AppendRequest(dst []byte, req *Request) []byte {
	h := req.Header
	h.Magic = MagicRequest
	h.KeyLen = uint16(len(req.Key))
	h.ExtraLen = uint8(len(req.Extras))
	h.BodyLen = uint32(len(req.Extras) + len(req.Key) + len(req.Value))

	dst = AppendHeader(dst, h)
	dst = append(dst, req.Extras...)
	dst = append(dst, req.Key...)
	dst = append(dst, req.Value...)
	return dst
}

// WriteRequest writes req to w. A bufio.Writer is not flushed.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Key) > MaxKeyLength {
		return NewError(StatusInvalidArguments, "key exceeds maximum length of 250 bytes")
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	buf.Write(AppendRequest(buf.AvailableBuffer(), req))
	_, err := w.Write(buf.Bytes())
	return err
}
