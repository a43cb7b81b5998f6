package binprot

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendResponseGet(t *testing.T) {
	resp := &Response{
		Opcode: OpGet,
		Opaque: 0x01020304,
		CAS:    1,
		Extras: GetResponseExtras(0xdeadbeef),
		Data:   []byte("World"),
	}

	b := AppendResponse(nil, resp)
	require.Equal(t, []byte{
		0x81, 0x00, 0x00, 0x00,
		0x04, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x09,
		0x01, 0x02, 0x03, 0x04,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
		0xde, 0xad, 0xbe, 0xef,
		'W', 'o', 'r', 'l', 'd',
	}, b)
}

func TestAppendResponseKeyCountsInBodyLength(t *testing.T) {
	resp := &Response{
		Opcode: OpGetK,
		Key:    []byte("Hello"),
		Extras: GetResponseExtras(0),
		Data:   []byte("World"),
	}

	b := AppendResponse(nil, resp)
	h, err := DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint16(5), h.KeyLen)
	require.Equal(t, uint32(14), h.BodyLen)
	require.Equal(t, []byte("Hello"), b[HeaderLen+4:HeaderLen+9])
	require.Equal(t, []byte("World"), b[HeaderLen+9:])
}

func TestErrorResponseEchoesRequest(t *testing.T) {
	req := NewRequest(OpReplace, []byte("k"), StoreExtras{}.Bytes(), []byte("v")).
		WithOpaque(77).
		WithCAS(5)

	resp := ErrorResponse(req, ErrNotFound)
	require.Equal(t, OpReplace, resp.Opcode)
	require.Equal(t, StatusKeyNotFound, resp.Status)
	require.Equal(t, uint32(77), resp.Opaque)
	require.Equal(t, uint64(5), resp.CAS)
	require.Equal(t, []byte("Not found"), resp.Data)
	require.Nil(t, resp.Key)
	require.Nil(t, resp.Extras)
}

func TestWriteResponse(t *testing.T) {
	resp := &Response{Opcode: OpVersion, Opaque: 3, Data: []byte("1.0.0")}
	want := AppendResponse(nil, resp)

	t.Run("plain writer", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, WriteResponse(&out, resp))
		require.Equal(t, want, out.Bytes())
	})

	t.Run("bufio writer is not flushed", func(t *testing.T) {
		var out bytes.Buffer
		bw := bufio.NewWriter(&out)

		require.NoError(t, WriteResponse(bw, resp))
		require.Zero(t, out.Len())
		require.Equal(t, len(want), bw.Buffered())

		require.NoError(t, bw.Flush())
		require.Equal(t, want, out.Bytes())
	})
}

func TestWriteRequest(t *testing.T) {
	req := NewRequest(OpSet, []byte("key"), StoreExtras{Flags: 1}.Bytes(), []byte("value")).WithOpaque(9)

	var out bytes.Buffer
	require.NoError(t, WriteRequest(&out, req))

	dec := NewDecoder(0)
	reqs, err := dec.Feed(out.Bytes())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, req.Header, reqs[0].Header)
	require.Equal(t, []byte("key"), reqs[0].Key)
	require.Equal(t, []byte("value"), reqs[0].Value)
}

func TestWriteRequestKeyTooLong(t *testing.T) {
	req := NewRequest(OpGet, bytes.Repeat([]byte("k"), MaxKeyLength+1), nil, nil)

	var out bytes.Buffer
	err := WriteRequest(&out, req)
	require.ErrorIs(t, err, ErrInvalid)
	require.Zero(t, out.Len())
}

func TestAppendRequestFixesHeader(t *testing.T) {
	req := &Request{
		Header: Header{Opcode: OpAppend, Opaque: 4},
		Key:    []byte("k"),
		Value:  []byte("tail"),
	}

	b := AppendRequest(nil, req)
	h, err := DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, MagicRequest, h.Magic)
	require.Equal(t, uint16(1), h.KeyLen)
	require.Equal(t, uint32(5), h.BodyLen)
	require.Equal(t, uint32(4), h.Opaque)
}
