package binprot

import (
	"encoding/binary"
	"fmt"
)

// StoreExtras is the extras format of set, add and replace.
type StoreExtras struct {
	Flags      uint32
	Expiration uint32
}

// ParseStoreExtras decodes set/add/replace extras.
func ParseStoreExtras(b []byte) (StoreExtras, error) {
	if len(b) != StoreExtrasLen {
		return StoreExtras{}, extrasError("store", len(b), StoreExtrasLen)
	}
	return StoreExtras{
		Flags:      binary.BigEndian.Uint32(b[0:4]),
		Expiration: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

func (e StoreExtras) Bytes() []byte {
	b := make([]byte, StoreExtrasLen)
	binary.BigEndian.PutUint32(b[0:4], e.Flags)
	binary.BigEndian.PutUint32(b[4:8], e.Expiration)
	return b
}

// ArithExtras is the extras format of incr and decr.
type ArithExtras struct {
	Delta      uint64
	Initial    uint64
	Expiration uint32
}

// ParseArithExtras decodes incr/decr extras.
func ParseArithExtras(b []byte) (ArithExtras, error) {
	if len(b) != ArithExtrasLen {
		return ArithExtras{}, extrasError("arithmetic", len(b), ArithExtrasLen)
	}
	return ArithExtras{
		Delta:      binary.BigEndian.Uint64(b[0:8]),
		Initial:    binary.BigEndian.Uint64(b[8:16]),
		Expiration: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

func (e ArithExtras) Bytes() []byte {
	b := make([]byte, ArithExtrasLen)
	binary.BigEndian.PutUint64(b[0:8], e.Delta)
	binary.BigEndian.PutUint64(b[8:16], e.Initial)
	binary.BigEndian.PutUint32(b[16:20], e.Expiration)
	return b
}

// FlushExtras is the extras format of flush. The delay is optional on the
// wire; an empty extras field means flush now.
type FlushExtras struct {
	Delay uint32
}

// ParseFlushExtras decodes flush extras.
func ParseFlushExtras(b []byte) (FlushExtras, error) {
	switch len(b) {
	case 0:
		return FlushExtras{}, nil
	case FlushExtrasLen:
		return FlushExtras{Delay: binary.BigEndian.Uint32(b)}, nil
	default:
		return FlushExtras{}, extrasError("flush", len(b), FlushExtrasLen)
	}
}

func (e FlushExtras) Bytes() []byte {
	b := make([]byte, FlushExtrasLen)
	binary.BigEndian.PutUint32(b, e.Delay)
	return b
}

// GetResponseExtras encodes the flags carried by a get response.
func GetResponseExtras(flags uint32) []byte {
	b := make([]byte, GetResponseExtrasLen)
	binary.BigEndian.PutUint32(b, flags)
	return b
}

// ParseGetResponseExtras decodes the flags of a get response.
func ParseGetResponseExtras(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:GetResponseExtrasLen])
}

// ArithValue encodes the body of an incr/decr response.
func ArithValue(v uint64) []byte {
	b := make([]byte, ArithResponseLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// ParseArithValue decodes the body of an incr/decr response.
func ParseArithValue(b []byte) (uint64, error) {
	if len(b) != ArithResponseLen {
		return 0, fmt.Errorf("memcached: arithmetic response body is %d bytes, want %d", len(b), ArithResponseLen)
	}
	return binary.BigEndian.Uint64(b), nil
}

func extrasError(kind string, got, want int) *Error {
	return NewError(StatusInvalidArguments, fmt.Sprintf("Invalid %s extras: %d bytes, want %d", kind, got, want))
}
