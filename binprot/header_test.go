package binprot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
	}{
		{
			name: "zero lengths",
			hdr:  Header{Magic: MagicRequest, Opcode: OpNoop},
		},
		{
			name: "set with extras and value",
			hdr: Header{
				Magic:    MagicRequest,
				Opcode:   OpSet,
				KeyLen:   1,
				ExtraLen: 8,
				BodyLen:  10,
				Opaque:   0xdeadbeef,
				CAS:      42,
			},
		},
		{
			name: "maximum field values",
			hdr: Header{
				Magic:    MagicRequest,
				Opcode:   0xff,
				KeyLen:   0xffff,
				ExtraLen: 0xff,
				DataType: 0,
				BodyLen:  0xffffffff,
				Opaque:   0xffffffff,
				CAS:      0xffffffffffffffff,
			},
		},
		{
			name: "response with status",
			hdr: Header{
				Magic:   MagicResponse,
				Opcode:  OpGet,
				Status:  StatusKeyNotFound,
				BodyLen: 9,
				Opaque:  7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := AppendHeader(nil, tt.hdr)
			require.Len(t, b, HeaderLen)

			got, err := DecodeHeader(b)
			require.NoError(t, err)
			require.Equal(t, tt.hdr, got)
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	b := AppendHeader(nil, Header{
		Magic:    MagicRequest,
		Opcode:   OpSet,
		KeyLen:   0x0102,
		ExtraLen: 8,
		BodyLen:  0x0a0b0c0d,
		Opaque:   0x11223344,
		CAS:      0x0102030405060708,
	})

	require.Equal(t, []byte{
		0x80, 0x01, 0x01, 0x02,
		0x08, 0x00, 0x00, 0x00,
		0x0a, 0x0b, 0x0c, 0x0d,
		0x11, 0x22, 0x33, 0x44,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}, b)
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderLen-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestHeaderValueLen(t *testing.T) {
	h := Header{KeyLen: 3, ExtraLen: 4, BodyLen: 10}
	require.Equal(t, int64(3), h.ValueLen())

	h = Header{KeyLen: 3, ExtraLen: 4, BodyLen: 5}
	require.Equal(t, int64(-2), h.ValueLen())
}

// FuzzHeaderRoundTrip checks that any valid header survives encode/decode.
// Run with: go test -fuzz='^FuzzHeaderRoundTrip$' -fuzztime=30s ./binprot
func FuzzHeaderRoundTrip(f *testing.F) {
	f.Add(uint8(0x00), uint16(1), uint8(8), uint32(0), uint32(1), uint64(0))
	f.Add(uint8(0x10), uint16(0), uint8(0), uint32(100), uint32(0xffffffff), uint64(1<<63))

	f.Fuzz(func(t *testing.T, op uint8, keyLen uint16, extraLen uint8, valueLen uint32, opaque uint32, cas uint64) {
		bodyLen := uint64(keyLen) + uint64(extraLen) + uint64(valueLen)
		if bodyLen > 0xffffffff {
			t.Skip()
		}

		in := Header{
			Magic:    MagicRequest,
			Opcode:   Opcode(op),
			KeyLen:   keyLen,
			ExtraLen: extraLen,
			BodyLen:  uint32(bodyLen),
			Opaque:   opaque,
			CAS:      cas,
		}

		out, err := DecodeHeader(AppendHeader(nil, in))
		require.NoError(t, err)
		require.Equal(t, in, out)
		require.GreaterOrEqual(t, out.ValueLen(), int64(0))
	})
}
