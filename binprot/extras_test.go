package binprot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreExtras(t *testing.T) {
	in := StoreExtras{Flags: 0xdeadbeef, Expiration: 3600}
	b := in.Bytes()
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x0e, 0x10}, b)

	out, err := ParseStoreExtras(b)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = ParseStoreExtras(b[:4])
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "Invalid store extras: 4 bytes, want 8")
}

func TestArithExtras(t *testing.T) {
	in := ArithExtras{Delta: 1, Initial: 0, Expiration: NoAutoCreate}

	out, err := ParseArithExtras(in.Bytes())
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = ParseArithExtras(nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestFlushExtras(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    FlushExtras
		wantErr bool
	}{
		{name: "absent", input: nil, want: FlushExtras{}},
		{name: "delay", input: FlushExtras{Delay: 30}.Bytes(), want: FlushExtras{Delay: 30}},
		{name: "wrong size", input: []byte{1, 2}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlushExtras(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArithValue(t *testing.T) {
	v, err := ParseArithValue(ArithValue(0xffffffffffffffff))
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffffffffffff), v)

	_, err = ParseArithValue([]byte("12"))
	require.Error(t, err)
}

func TestOpcodeQuiet(t *testing.T) {
	tests := []struct {
		op    Opcode
		quiet bool
		loud  Opcode
	}{
		{OpGet, false, OpGet},
		{OpGetQ, true, OpGet},
		{OpGetKQ, true, OpGetK},
		{OpSetQ, true, OpSet},
		{OpDeleteQ, true, OpDelete},
		{OpQuitQ, true, OpQuit},
		{OpNoop, false, OpNoop},
		{OpPrependQ, true, OpPrepend},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			assert.Equal(t, tt.quiet, tt.op.IsQuiet())
			assert.Equal(t, tt.loud, tt.op.Loud())
		})
	}
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "getkq", OpGetKQ.String())
	assert.Equal(t, "sasl_auth", OpSASLAuth.String())
	assert.Equal(t, "0xee", Opcode(0xee).String())
}

func TestErrorMatching(t *testing.T) {
	err := NewError(StatusKeyNotFound, "custom message")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExists)
	assert.Equal(t, "memcached: custom message (status 0x01)", err.Error())
	assert.False(t, ShouldCloseConnection(err))

	assert.Equal(t, "Unknown command", ErrUnknownCommand.Message)
	assert.True(t, ShouldCloseConnection(assert.AnError))
	assert.False(t, ShouldCloseConnection(nil))
}
