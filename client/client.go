package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/internal"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL time.Duration = 0

// relativeTTLLimit is the largest expiration the server reads as relative.
const relativeTTLLimit = 30 * 24 * time.Hour

var ErrNoServers = errors.New("memcached: no servers provided")

// Item is a cache entry.
type Item struct {
	Key   string
	Value []byte
	Flags uint32

	// TTL is the time to live. NoTTL keeps the item until it is evicted.
	TTL time.Duration

	// CAS is the compare-and-swap value returned by reads. A non-zero CAS
	// makes Set, Replace and Delete conditional.
	CAS uint64
}

// Config holds configuration for the memcached client.
type Config struct {
	// MaxSize is the maximum number of connections per server.
	// Default: 4.
	MaxSize int32

	// Timeout bounds dialing a new connection.
	// Default: 1s.
	Timeout time.Duration

	// Dialer is used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked with a noop.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address. If nil, no circuit breaker is used.
	// See NewCircuitBreakerConfig.
	NewCircuitBreaker func(addr string) *gobreaker.CircuitBreaker[bool]

	// Logger receives connection lifecycle events. If nil, nothing is logged.
	Logger *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// server is the pool and breaker of one server.
type server struct {
	addr    string
	pool    *pool
	breaker *gobreaker.CircuitBreaker[bool] // nil if not configured
}

// Client is a memcached client over a fixed set of servers.
// Keys are spread over the servers with a jump consistent hash of their
// xxh3 hash.
type Client struct {
	config  Config
	servers []*server
	log     zerolog.Logger
	stats   clientStatsCollector

	stopHealthCheck chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// New creates a client for the servers at addrs.
// Connections are created on demand.
func New(addrs []string, config Config) (*Client, error) {
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}
	config.setDefaults()

	c := &Client{
		config:          config,
		log:             config.Logger.With().Str("component", "client").Logger(),
		stopHealthCheck: make(chan struct{}),
	}

	for _, addr := range addrs {
		p, err := newPool(addr, c.dial(addr), config.MaxSize)
		if err != nil {
			c.closePools()
			return nil, fmt.Errorf("memcached: pool for %s: %w", addr, err)
		}

		s := &server{addr: addr, pool: p}
		if config.NewCircuitBreaker != nil {
			s.breaker = config.NewCircuitBreaker(addr)
		}
		c.servers = append(c.servers, s)
	}

	if config.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	return c, nil
}

func (c *Client) dial(addr string) func(ctx context.Context) (*Conn, error) {
	return func(ctx context.Context) (*Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()

		nc, err := c.config.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
			return nil, err
		}
		c.log.Debug().Str("addr", addr).Msg("connection opened")
		return NewConn(nc), nil
	}
}

// Close stops the health check and closes every connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)
		c.wg.Wait()
		c.closePools()
	})
}

func (c *Client) closePools() {
	for _, s := range c.servers {
		s.pool.close()
	}
}

// Servers returns the server addresses in selection order.
func (c *Client) Servers() []string {
	addrs := make([]string, len(c.servers))
	for i, s := range c.servers {
		addrs[i] = s.addr
	}
	return addrs
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// PoolStats returns a snapshot of the pool counters per server address.
func (c *Client) PoolStats() map[string]PoolStats {
	stats := make(map[string]PoolStats, len(c.servers))
	for _, s := range c.servers {
		stats[s.addr] = s.pool.stats()
	}
	return stats
}

func (c *Client) serverFor(key string) *server {
	return c.servers[internal.BucketString(key, len(c.servers))]
}

// exec runs reqs on one connection of s, through the breaker when configured.
// A single loud request is a plain round trip, anything else is pipelined.
func (c *Client) exec(ctx context.Context, s *server, reqs ...*binprot.Request) ([]*binprot.Response, error) {
	if s.breaker == nil {
		return c.execDirect(ctx, s, reqs)
	}

	var resps []*binprot.Response
	_, err := s.breaker.Execute(func() (bool, error) {
		var err error
		resps, err = c.execDirect(ctx, s, reqs)
		return err == nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.stats.recordError()
		}
		return nil, err
	}
	return resps, nil
}

func (c *Client) execDirect(ctx context.Context, s *server, reqs []*binprot.Request) ([]*binprot.Response, error) {
	res, err := s.pool.acquire(ctx)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	conn := res.Value()

	var resps []*binprot.Response
	if len(reqs) == 1 && !reqs[0].Opcode.IsQuiet() {
		var resp *binprot.Response
		resp, err = conn.Do(ctx, reqs[0])
		resps = []*binprot.Response{resp}
	} else {
		resps, err = conn.Pipeline(ctx, reqs)
	}

	if err != nil {
		c.stats.recordError()
		if binprot.ShouldCloseConnection(err) {
			c.log.Debug().Err(err).Str("addr", s.addr).Msg("connection dropped")
			res.Destroy()
		} else {
			res.Release()
		}
		return nil, err
	}

	res.Release()
	return resps, nil
}

// do runs a single loud request for key and returns its response, with a
// non-zero status converted to a *binprot.Error.
func (c *Client) do(ctx context.Context, key string, req *binprot.Request) (*binprot.Response, error) {
	resps, err := c.exec(ctx, c.serverFor(key), req)
	if err != nil {
		return nil, err
	}
	resp := resps[0]
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Get retrieves a single item. A miss returns an error matching
// binprot.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	resp, err := c.do(ctx, key, binprot.NewRequest(binprot.OpGet, []byte(key), nil, nil))
	if errors.Is(err, binprot.ErrNotFound) {
		c.stats.recordGet(false)
		return Item{}, err
	}
	if err != nil {
		return Item{}, err
	}

	c.stats.recordGet(true)
	return Item{
		Key:   key,
		Value: resp.Data,
		Flags: resp.Flags(),
		CAS:   resp.CAS,
	}, nil
}

// GetMulti retrieves several items with one pipelined getkq batch per
// server. Missing keys are absent from the result.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	batches := make(map[*server][]*binprot.Request)
	for _, key := range keys {
		s := c.serverFor(key)
		batches[s] = append(batches[s], binprot.NewRequest(binprot.OpGetKQ, []byte(key), nil, nil))
	}

	var mu sync.Mutex
	items := make(map[string]Item, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	for s, reqs := range batches {
		g.Go(func() error {
			resps, err := c.exec(ctx, s, reqs...)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for i, resp := range resps {
				if resp == nil {
					continue
				}
				if err := resp.Err(); err != nil {
					return fmt.Errorf("get %q: %w", reqs[i].Key, err)
				}
				items[string(resp.Key)] = Item{
					Key:   string(resp.Key),
					Value: resp.Data,
					Flags: resp.Flags(),
					CAS:   resp.CAS,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.stats.gets.Add(uint64(len(keys)))
	c.stats.getHits.Add(uint64(len(items)))
	return items, nil
}

// Set stores an item unconditionally, or only if its CAS still matches
// when item.CAS is set. It returns the new CAS.
func (c *Client) Set(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, binprot.OpSet, item)
}

// Add stores an item only if the key does not exist yet.
func (c *Client) Add(ctx context.Context, item Item) (uint64, error) {
	item.CAS = 0
	return c.store(ctx, binprot.OpAdd, item)
}

// Replace stores an item only if the key exists.
func (c *Client) Replace(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, binprot.OpReplace, item)
}

func (c *Client) store(ctx context.Context, op binprot.Opcode, item Item) (uint64, error) {
	extras := binprot.StoreExtras{Flags: item.Flags, Expiration: expiration(item.TTL)}
	req := binprot.NewRequest(op, []byte(item.Key), extras.Bytes(), item.Value).WithCAS(item.CAS)

	resp, err := c.do(ctx, item.Key, req)
	if err != nil {
		return 0, err
	}
	c.stats.recordSet()
	return resp.CAS, nil
}

// Append adds data after the value of an existing key.
func (c *Client) Append(ctx context.Context, key string, data []byte) error {
	return c.concat(ctx, binprot.OpAppend, key, data)
}

// Prepend adds data before the value of an existing key.
func (c *Client) Prepend(ctx context.Context, key string, data []byte) error {
	return c.concat(ctx, binprot.OpPrepend, key, data)
}

func (c *Client) concat(ctx context.Context, op binprot.Opcode, key string, data []byte) error {
	_, err := c.do(ctx, key, binprot.NewRequest(op, []byte(key), nil, data))
	if err != nil {
		return err
	}
	c.stats.recordSet()
	return nil
}

// Delete removes an item. A missing key returns an error matching
// binprot.ErrNotFound.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, key, binprot.NewRequest(binprot.OpDelete, []byte(key), nil, nil))
	if err != nil {
		return err
	}
	c.stats.recordDelete()
	return nil
}

// NoCreate makes Increment and Decrement fail with binprot.ErrNotFound
// instead of creating a missing key.
const NoCreate time.Duration = -1

// Increment adds delta to a counter and returns the new value. A missing
// key is created with initial and ttl, unless ttl is NoCreate.
func (c *Client) Increment(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.arith(ctx, binprot.OpIncr, key, delta, initial, ttl)
}

// Decrement subtracts delta from a counter, flooring at zero.
func (c *Client) Decrement(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.arith(ctx, binprot.OpDecr, key, delta, initial, ttl)
}

func (c *Client) arith(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	exp := binprot.NoAutoCreate
	if ttl != NoCreate {
		exp = expiration(ttl)
	}
	extras := binprot.ArithExtras{Delta: delta, Initial: initial, Expiration: exp}

	resp, err := c.do(ctx, key, binprot.NewRequest(op, []byte(key), extras.Bytes(), nil))
	if err != nil {
		return 0, err
	}
	c.stats.recordIncrement()
	return binprot.ParseArithValue(resp.Data)
}

// Flush invalidates every item on every server, after delay.
func (c *Client) Flush(ctx context.Context, delay time.Duration) error {
	extras := binprot.FlushExtras{Delay: uint32(delay / time.Second)}
	req := binprot.NewRequest(binprot.OpFlush, nil, extras.Bytes(), nil)

	return c.each(ctx, func(ctx context.Context, s *server) error {
		resps, err := c.exec(ctx, s, req)
		if err != nil {
			return err
		}
		return resps[0].Err()
	})
}

// Ping sends a noop to every server.
func (c *Client) Ping(ctx context.Context) error {
	req := binprot.NewRequest(binprot.OpNoop, nil, nil, nil)

	return c.each(ctx, func(ctx context.Context, s *server) error {
		resps, err := c.exec(ctx, s, req)
		if err != nil {
			return err
		}
		return resps[0].Err()
	})
}

// Version returns the version string of every server.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var mu sync.Mutex
	versions := make(map[string]string, len(c.servers))
	req := binprot.NewRequest(binprot.OpVersion, nil, nil, nil)

	err := c.each(ctx, func(ctx context.Context, s *server) error {
		resps, err := c.exec(ctx, s, req)
		if err != nil {
			return err
		}
		if err := resps[0].Err(); err != nil {
			return err
		}
		mu.Lock()
		versions[s.addr] = string(resps[0].Data)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// ServerStats returns the statistics of group ("" for the general ones)
// of every server.
func (c *Client) ServerStats(ctx context.Context, group string) (map[string]map[string]string, error) {
	var mu sync.Mutex
	all := make(map[string]map[string]string, len(c.servers))

	err := c.each(ctx, func(ctx context.Context, s *server) error {
		res, err := s.pool.acquire(ctx)
		if err != nil {
			return err
		}
		stats, err := res.Value().Stats(ctx, group)
		if err != nil {
			if binprot.ShouldCloseConnection(err) {
				res.Destroy()
			} else {
				res.Release()
			}
			return err
		}
		res.Release()

		mu.Lock()
		all[s.addr] = stats
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// each runs fn for every server concurrently and returns the first error.
func (c *Client) each(ctx context.Context, fn func(ctx context.Context, s *server) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range c.servers {
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				return fmt.Errorf("%s: %w", s.addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			for _, s := range c.servers {
				c.checkPool(s.pool)
			}
		}
	}
}

// checkPool destroys the idle connections of p that are stale or unhealthy.
func (c *Client) checkPool(p *pool) {
	now := time.Now()

	for _, res := range p.acquireAllIdle() {
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := res.Value().keepalive(context.Background(), c.config.Timeout); err != nil {
			c.log.Debug().Err(err).Str("addr", p.addr).Msg("health check failed")
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// expiration encodes ttl the way the server reads it: relative seconds up to
// 30 days, an absolute unix time beyond.
func expiration(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > relativeTTLLimit {
		return uint32(time.Now().Add(ttl).Unix())
	}
	secs := uint32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
