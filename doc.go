// Package memcached is a server for the memcached binary protocol.
//
// The server decodes pipelined requests from each connection, dispatches
// them to the handler bound to their opcode and writes the responses back
// in request order, even when handlers complete out of order.
//
// # Handlers
//
// Handlers are bound to opcodes in a Registry before the server is built:
//
//	reg := memcached.NewRegistry()
//	reg.HandleFunc(binprot.OpNoop, func(ctx context.Context, req *binprot.Request) (memcached.Outcome, error) {
//	    return memcached.Ack(), nil
//	})
//
//	srv, err := memcached.NewServer(memcached.Config{Registry: reg})
//	if err != nil {
//	    return err
//	}
//	return srv.ListenAndServe(":11211")
//
// Opcodes without a handler answer "unknown command" (status 0x81).
// Package handlers binds a complete in-memory cache.
//
// # Outcomes
//
// A handler returns one Outcome per request:
//
//   - Ack, AckCAS: success with an empty body.
//   - Reply, Replies: one or more response packets.
//   - Fail: a protocol error (non-zero status).
//   - Silent: success of a quiet command, nothing is written.
//   - Terminate: close the connection after the earlier responses.
//   - Pending: the outcome comes later from a Future (see Go).
//
// Returned errors are mapped by Classify. Unclassified errors and panics
// follow Config.FailurePolicy.
//
// # Ordering
//
// Every decoded request takes a slot in a per-connection queue before its
// handler runs. Whenever a slot is resolved the queue is drained from the
// front while its head is resolved, and the responses of one drain are
// flushed together. A slow request delays the responses behind it but not
// the dispatch of later requests; Config.MaxPendingRequests bounds how far
// dispatch may run ahead.
package memcached
