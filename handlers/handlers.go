// Package handlers binds a complete memcached command set, backed by a
// store.Store, to a memcached.Registry.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pior/memcached"
	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/store"
)

// DefaultVersion is answered to the version command.
const DefaultVersion = "1.6.0-go"

type Options struct {
	// Version is answered to the version command.
	// Default: DefaultVersion
	Version string

	// SlowKey, when set, makes every get of that key answer after SlowDelay.
	// It exercises out of order completion from a client.
	SlowKey string

	// SlowDelay is the delay of SlowKey.
	// Default: 5 seconds
	SlowDelay time.Duration
}

type cache struct {
	st      *store.Store
	opts    Options
	started time.Time
}

// Register binds a handler to every command opcode. SASL opcodes are left
// unbound.
func Register(reg *memcached.Registry, st *store.Store, opts Options) {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.SlowDelay <= 0 {
		opts.SlowDelay = 5 * time.Second
	}

	c := &cache{st: st, opts: opts, started: time.Now()}

	reg.HandleFunc(binprot.OpGet, c.get(false, false))
	reg.HandleFunc(binprot.OpGetQ, c.get(true, false))
	reg.HandleFunc(binprot.OpGetK, c.get(false, true))
	reg.HandleFunc(binprot.OpGetKQ, c.get(true, true))

	for _, op := range []binprot.Opcode{binprot.OpSet, binprot.OpSetQ, binprot.OpAdd, binprot.OpAddQ, binprot.OpReplace, binprot.OpReplaceQ} {
		reg.HandleFunc(op, c.store(op))
	}

	reg.HandleFunc(binprot.OpDelete, c.delete)
	reg.HandleFunc(binprot.OpDeleteQ, c.delete)

	reg.HandleFunc(binprot.OpIncr, c.arith)
	reg.HandleFunc(binprot.OpIncrQ, c.arith)
	reg.HandleFunc(binprot.OpDecr, c.arith)
	reg.HandleFunc(binprot.OpDecrQ, c.arith)

	reg.HandleFunc(binprot.OpAppend, c.concat)
	reg.HandleFunc(binprot.OpAppendQ, c.concat)
	reg.HandleFunc(binprot.OpPrepend, c.concat)
	reg.HandleFunc(binprot.OpPrependQ, c.concat)

	reg.HandleFunc(binprot.OpQuit, quit)
	reg.HandleFunc(binprot.OpQuitQ, quit)

	reg.HandleFunc(binprot.OpFlush, c.flush)
	reg.HandleFunc(binprot.OpFlushQ, c.flush)

	reg.HandleFunc(binprot.OpNoop, noop)
	reg.HandleFunc(binprot.OpVersion, c.version)
	reg.HandleFunc(binprot.OpStat, c.stat)
}

// success is the outcome of a command that succeeded with out.
func success(op binprot.Opcode, out memcached.Outcome) memcached.Outcome {
	if op.IsQuiet() {
		return memcached.Silent()
	}
	return out
}

// storeError maps a store failure to the protocol error answered for it.
func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return binprot.ErrNotFound
	case errors.Is(err, store.ErrExists):
		return binprot.ErrExists
	case errors.Is(err, store.ErrNotStored):
		return binprot.ErrNotStored
	case errors.Is(err, store.ErrNonNumeric):
		return binprot.ErrNonNumeric
	case errors.Is(err, store.ErrTooLarge):
		return binprot.ErrTooLarge
	default:
		return err
	}
}

type shape struct {
	extras   int // exact extras length, -1 for flush's optional delay
	key      bool
	value    bool
	keyAllow bool // key optional (stat)
}

func invalid(format string, args ...any) error {
	return binprot.NewError(binprot.StatusInvalidArguments, fmt.Sprintf(format, args...))
}

// check validates the layout of req against the command shape.
func check(req *binprot.Request, s shape) error {
	if s.extras >= 0 && len(req.Extras) != s.extras {
		return invalid("Invalid extras length: %d, want %d", len(req.Extras), s.extras)
	}

	switch {
	case s.key && len(req.Key) == 0:
		return invalid("Key required")
	case !s.key && !s.keyAllow && len(req.Key) > 0:
		return invalid("Key not allowed")
	case len(req.Key) > binprot.MaxKeyLength:
		return invalid("Key longer than %d bytes", binprot.MaxKeyLength)
	}

	if !s.value && len(req.Value) > 0 {
		return invalid("Value not allowed")
	}
	return nil
}

func (c *cache) get(quiet, withKey bool) memcached.HandlerFunc {
	return func(ctx context.Context, req *binprot.Request) (memcached.Outcome, error) {
		if err := check(req, shape{key: true}); err != nil {
			return memcached.Outcome{}, err
		}

		it, err := c.st.Get(string(req.Key))
		if errors.Is(err, store.ErrNotFound) {
			if quiet {
				return memcached.Silent(), nil
			}
			// A miss carries no message, unlike other errors.
			miss := &binprot.Response{Status: binprot.StatusKeyNotFound}
			if withKey {
				miss.Key = req.Key
			}
			return memcached.Reply(miss), nil
		}
		if err != nil {
			return memcached.Outcome{}, storeError(err)
		}

		resp := &binprot.Response{
			CAS:    it.CAS,
			Extras: binprot.GetResponseExtras(it.Flags),
			Data:   it.Value,
		}
		if withKey {
			resp.Key = req.Key
		}

		if c.opts.SlowKey != "" && it.Key == c.opts.SlowKey {
			return memcached.Go(ctx, func(ctx context.Context) (memcached.Outcome, error) {
				t := time.NewTimer(c.opts.SlowDelay)
				defer t.Stop()
				select {
				case <-t.C:
					return memcached.Reply(resp), nil
				case <-ctx.Done():
					return memcached.Outcome{}, ctx.Err()
				}
			}), nil
		}

		return memcached.Reply(resp), nil
	}
}

func (c *cache) store(op binprot.Opcode) memcached.HandlerFunc {
	return func(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
		if err := check(req, shape{extras: binprot.StoreExtrasLen, key: true, value: true}); err != nil {
			return memcached.Outcome{}, err
		}
		extras, err := binprot.ParseStoreExtras(req.Extras)
		if err != nil {
			return memcached.Outcome{}, err
		}

		key := string(req.Key)
		var cas uint64
		switch op.Loud() {
		case binprot.OpAdd:
			cas, err = c.st.Add(key, req.Value, extras.Flags, extras.Expiration)
		case binprot.OpReplace:
			cas, err = c.st.Replace(key, req.Value, extras.Flags, extras.Expiration, req.CAS)
		default:
			cas, err = c.st.Set(key, req.Value, extras.Flags, extras.Expiration, req.CAS)
		}
		if err != nil {
			return memcached.Outcome{}, storeError(err)
		}

		return success(op, memcached.AckCAS(cas)), nil
	}
}

func (c *cache) delete(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{key: true}); err != nil {
		return memcached.Outcome{}, err
	}

	if err := c.st.Delete(string(req.Key), req.CAS); err != nil {
		return memcached.Outcome{}, storeError(err)
	}

	return success(req.Opcode, memcached.Ack()), nil
}

func (c *cache) arith(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{extras: binprot.ArithExtrasLen, key: true}); err != nil {
		return memcached.Outcome{}, err
	}
	extras, err := binprot.ParseArithExtras(req.Extras)
	if err != nil {
		return memcached.Outcome{}, err
	}

	apply := c.st.Incr
	if req.Opcode.Loud() == binprot.OpDecr {
		apply = c.st.Decr
	}

	value, cas, err := apply(string(req.Key), extras.Delta, extras.Initial, extras.Expiration, req.CAS)
	if err != nil {
		return memcached.Outcome{}, storeError(err)
	}

	return success(req.Opcode, memcached.Reply(&binprot.Response{
		CAS:  cas,
		Data: binprot.ArithValue(value),
	})), nil
}

func (c *cache) concat(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{key: true, value: true}); err != nil {
		return memcached.Outcome{}, err
	}

	apply := c.st.Append
	if req.Opcode.Loud() == binprot.OpPrepend {
		apply = c.st.Prepend
	}

	cas, err := apply(string(req.Key), req.Value, req.CAS)
	if err != nil {
		return memcached.Outcome{}, storeError(err)
	}

	return success(req.Opcode, memcached.AckCAS(cas)), nil
}

func quit(context.Context, *binprot.Request) (memcached.Outcome, error) {
	return memcached.Terminate(), nil
}

func (c *cache) flush(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{extras: -1}); err != nil {
		return memcached.Outcome{}, err
	}
	extras, err := binprot.ParseFlushExtras(req.Extras)
	if err != nil {
		return memcached.Outcome{}, err
	}

	c.st.Flush(extras.Delay)
	return success(req.Opcode, memcached.Ack()), nil
}

func noop(context.Context, *binprot.Request) (memcached.Outcome, error) {
	return memcached.Ack(), nil
}

func (c *cache) version(_ context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{}); err != nil {
		return memcached.Outcome{}, err
	}
	return memcached.Reply(&binprot.Response{Data: []byte(c.opts.Version)}), nil
}

func (c *cache) stat(ctx context.Context, req *binprot.Request) (memcached.Outcome, error) {
	if err := check(req, shape{keyAllow: true}); err != nil {
		return memcached.Outcome{}, err
	}

	var stats []stat
	switch string(req.Key) {
	case "":
		stats = c.generalStats(ctx)
	case "settings":
		stats = c.settingsStats()
	default:
		return memcached.Outcome{}, binprot.ErrNotFound
	}

	resps := make([]*binprot.Response, 0, len(stats)+1)
	for _, s := range stats {
		resps = append(resps, &binprot.Response{Key: []byte(s.name), Data: []byte(s.value)})
	}
	// An empty packet ends the list.
	resps = append(resps, &binprot.Response{})

	return memcached.Replies(resps...), nil
}

type stat struct {
	name  string
	value string
}

func (c *cache) generalStats(ctx context.Context) []stat {
	now := time.Now()
	st := c.st.Stats()

	stats := []stat{
		{"pid", strconv.Itoa(os.Getpid())},
		{"uptime", strconv.FormatInt(int64(now.Sub(c.started)/time.Second), 10)},
		{"time", strconv.FormatInt(now.Unix(), 10)},
		{"version", c.opts.Version},
		{"curr_items", strconv.Itoa(st.Items)},
		{"bytes", strconv.Itoa(st.Bytes)},
		{"get_hits", strconv.FormatUint(st.GetHits, 10)},
		{"get_misses", strconv.FormatUint(st.GetMisses, 10)},
		{"cmd_get", strconv.FormatUint(st.GetHits+st.GetMisses, 10)},
		{"cmd_set", strconv.FormatUint(st.Sets, 10)},
		{"cmd_flush", strconv.FormatUint(st.Flushes, 10)},
		{"delete_hits", strconv.FormatUint(st.Deletes, 10)},
		{"expired_unfetched", strconv.FormatUint(st.Expired, 10)},
	}

	if srv := memcached.ServerFromContext(ctx); srv != nil {
		ss := srv.Stats()
		stats = append(stats,
			stat{"curr_connections", strconv.FormatInt(ss.CurrConnections, 10)},
			stat{"total_connections", strconv.FormatUint(ss.TotalConnections, 10)},
			stat{"cmd_total", strconv.FormatUint(ss.Requests, 10)},
			stat{"bytes_read", strconv.FormatUint(ss.BytesRead, 10)},
			stat{"bytes_written", strconv.FormatUint(ss.BytesWritten, 10)},
		)
	}

	return stats
}

func (c *cache) settingsStats() []stat {
	return []stat{
		{"item_size_max", strconv.Itoa(c.st.MaxItemSize())},
	}
}
