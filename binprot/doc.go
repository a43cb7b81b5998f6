// Package binprot implements the wire format of the memcached binary
// protocol.
//
// It holds no connection or dispatch logic: only the packet types, the
// header codec, the per-command extras formats, an incremental request
// decoder for servers and blocking helpers for clients.
//
// # Packets
//
// Every packet starts with a 24-byte big-endian Header followed by extras,
// key and value, in that order:
//
//	bodylen = extralen + keylen + valuelen
//
// Requests start with MagicRequest (0x80), responses with MagicResponse
// (0x81). The opaque field is echoed verbatim so a client can match
// responses to pipelined requests.
//
// # Decoding requests
//
// Decoder is fed raw bytes as they arrive and returns complete requests:
//
//	dec := binprot.NewDecoder(0)
//	for {
//	    n, err := conn.Read(buf)
//	    reqs, derr := dec.Feed(buf[:n])
//	    for _, req := range reqs {
//	        // dispatch req
//	    }
//	    if derr != nil {
//	        // framing violation: drop the connection
//	    }
//	}
//
// # Encoding
//
// AppendResponse and WriteResponse serialize a Response; AppendRequest and
// WriteRequest serialize a Request. ReadResponse parses one response from a
// reader.
//
// # Errors
//
//   - Error: declared protocol error (non-zero status). The connection
//     stays usable. Sentinels ErrNotFound, ErrExists, ... match any Error
//     with the same status through errors.Is.
//   - FrameError: framing violation (bad magic, inconsistent lengths,
//     oversized body). The connection must be closed.
//
// ShouldCloseConnection tells the two apart.
package binprot
