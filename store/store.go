// Package store is the in-memory item store behind the reference command
// handlers.
//
// A Store is a plain value owned by whoever creates it; nothing is global.
// Keys are spread over independently locked shards. Every mutation assigns
// the item a new CAS from a per-store counter.
//
// Expirations use memcached's encoding: 0 never expires, up to 30 days is a
// number of seconds from now, anything larger is an absolute unix time.
package store

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/internal"
	"github.com/pior/memcached/internal/coarsetime"
)

var (
	ErrNotFound   = errors.New("store: item not found")
	ErrExists     = errors.New("store: cas mismatch")
	ErrNotStored  = errors.New("store: item not stored")
	ErrNonNumeric = errors.New("store: value is not a decimal number")
	ErrTooLarge   = errors.New("store: value too large")
)

// RelativeExpirationLimit is the largest expiration read as an offset.
const RelativeExpirationLimit = 60 * 60 * 24 * 30

type Config struct {
	// Shards is the number of independently locked maps.
	// Default: 16
	Shards int

	// MaxItemSize bounds the value size.
	// Default: 1 MiB
	MaxItemSize int

	// PurgeInterval is how often expired items are evicted in the background.
	// A negative value disables the purger; expired items are then only
	// dropped when touched.
	// Default: 1 minute
	PurgeInterval time.Duration

	// Now is the time source.
	// Default: coarsetime.Now
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.MaxItemSize <= 0 {
		c.MaxItemSize = 1024 * 1024
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = time.Minute
	}
	if c.Now == nil {
		c.Now = coarsetime.Now
	}
}

// Item is a copy of a stored entry. Value is shared with the store and
// must not be modified.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	CAS   uint64

	// ExpiresAt is the absolute expiration in unix seconds, 0 for never.
	ExpiresAt int64
}

type entry struct {
	value     []byte
	flags     uint32
	cas       uint64
	expiresAt int64
}

func (e *entry) expired(now int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= now
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
}

type Store struct {
	config Config
	shards []*shard
	cas    atomic.Uint64

	stats storeStats

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

// New creates a store and starts its purger.
func New(config Config) *Store {
	config.setDefaults()

	s := &Store{
		config:  config,
		shards:  make([]*shard, config.Shards),
		closing: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*entry)}
	}

	if config.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.purger()
	}

	return s
}

// Close stops the purger. The store stays usable.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	s.wg.Wait()
}

// MaxItemSize returns the largest value accepted.
func (s *Store) MaxItemSize() int {
	return s.config.MaxItemSize
}

func (s *Store) shard(key string) *shard {
	return s.shards[internal.BucketString(key, len(s.shards))]
}

func (s *Store) now() int64 {
	return s.config.Now().Unix()
}

// absolute converts a protocol expiration to unix seconds.
func (s *Store) absolute(exp uint32, now int64) int64 {
	switch {
	case exp == 0:
		return 0
	case exp <= RelativeExpirationLimit:
		return now + int64(exp)
	default:
		return int64(exp)
	}
}

func (s *Store) nextCAS() uint64 {
	return s.cas.Add(1)
}

// lookup returns the live entry for key. The caller holds the shard lock.
func (sh *shard) lookup(key string, now int64) *entry {
	e, ok := sh.items[key]
	if !ok || e.expired(now) {
		return nil
	}
	return e
}

// Get returns the item stored under key.
func (s *Store) Get(key string) (Item, error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.RLock()
	e := sh.lookup(key, now)
	var it Item
	if e != nil {
		it = Item{
			Key:       key,
			Value:     e.value,
			Flags:     e.flags,
			CAS:       e.cas,
			ExpiresAt: e.expiresAt,
		}
	}
	sh.mu.RUnlock()

	if e == nil {
		s.stats.getMisses.Add(1)
		return Item{}, ErrNotFound
	}
	s.stats.getHits.Add(1)
	return it, nil
}

// Set stores value unconditionally, or only over the item with the given
// CAS when cas is not zero.
func (s *Store) Set(key string, value []byte, flags, exp uint32, cas uint64) (uint64, error) {
	return s.store(key, value, flags, exp, cas, func(e *entry) error {
		if cas != 0 && e == nil {
			return ErrNotFound
		}
		return nil
	})
}

// Add stores value only when key holds no live item.
func (s *Store) Add(key string, value []byte, flags, exp uint32) (uint64, error) {
	return s.store(key, value, flags, exp, 0, func(e *entry) error {
		if e != nil {
			return ErrExists
		}
		return nil
	})
}

// Replace stores value only when key holds a live item.
func (s *Store) Replace(key string, value []byte, flags, exp uint32, cas uint64) (uint64, error) {
	return s.store(key, value, flags, exp, cas, func(e *entry) error {
		if e == nil {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) store(key string, value []byte, flags, exp uint32, cas uint64, check func(*entry) error) (uint64, error) {
	if len(value) > s.config.MaxItemSize {
		return 0, ErrTooLarge
	}

	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.lookup(key, now)
	if err := check(e); err != nil {
		return 0, err
	}
	if cas != 0 && e != nil && e.cas != cas {
		return 0, ErrExists
	}

	n := &entry{
		value:     value,
		flags:     flags,
		cas:       s.nextCAS(),
		expiresAt: s.absolute(exp, now),
	}
	sh.items[key] = n
	s.stats.sets.Add(1)
	return n.cas, nil
}

// Append adds data after the value of an existing item.
func (s *Store) Append(key string, data []byte, cas uint64) (uint64, error) {
	return s.concat(key, data, cas, func(old, data []byte) []byte {
		v := make([]byte, 0, len(old)+len(data))
		return append(append(v, old...), data...)
	})
}

// Prepend adds data before the value of an existing item.
func (s *Store) Prepend(key string, data []byte, cas uint64) (uint64, error) {
	return s.concat(key, data, cas, func(old, data []byte) []byte {
		v := make([]byte, 0, len(old)+len(data))
		return append(append(v, data...), old...)
	})
}

func (s *Store) concat(key string, data []byte, cas uint64, join func(old, data []byte) []byte) (uint64, error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.lookup(key, now)
	if e == nil {
		return 0, ErrNotStored
	}
	if cas != 0 && e.cas != cas {
		return 0, ErrExists
	}
	if len(e.value)+len(data) > s.config.MaxItemSize {
		return 0, ErrTooLarge
	}

	// Entries are replaced, never mutated: readers may hold the old value.
	sh.items[key] = &entry{
		value:     join(e.value, data),
		flags:     e.flags,
		cas:       s.nextCAS(),
		expiresAt: e.expiresAt,
	}
	s.stats.sets.Add(1)
	return sh.items[key].cas, nil
}

// Delete removes the item, only when its CAS matches if cas is not zero.
func (s *Store) Delete(key string, cas uint64) error {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.lookup(key, now)
	if e == nil {
		return ErrNotFound
	}
	if cas != 0 && e.cas != cas {
		return ErrExists
	}

	delete(sh.items, key)
	s.stats.deletes.Add(1)
	return nil
}

// Incr adds delta to the decimal value of key, wrapping at 2^64.
// A missing key is created with initial, unless exp is binprot.NoAutoCreate.
func (s *Store) Incr(key string, delta, initial uint64, exp uint32, cas uint64) (uint64, uint64, error) {
	return s.arith(key, initial, exp, cas, func(v uint64) uint64 {
		return v + delta
	})
}

// Decr subtracts delta from the decimal value of key, stopping at 0.
// A missing key is created with initial, unless exp is binprot.NoAutoCreate.
func (s *Store) Decr(key string, delta, initial uint64, exp uint32, cas uint64) (uint64, uint64, error) {
	return s.arith(key, initial, exp, cas, func(v uint64) uint64 {
		if delta > v {
			return 0
		}
		return v - delta
	})
}

func (s *Store) arith(key string, initial uint64, exp uint32, cas uint64, apply func(uint64) uint64) (uint64, uint64, error) {
	sh := s.shard(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.lookup(key, now)
	if e == nil {
		if exp == binprot.NoAutoCreate {
			return 0, 0, ErrNotFound
		}
		n := &entry{
			value:     strconv.AppendUint(nil, initial, 10),
			cas:       s.nextCAS(),
			expiresAt: s.absolute(exp, now),
		}
		sh.items[key] = n
		return initial, n.cas, nil
	}

	if cas != 0 && e.cas != cas {
		return 0, 0, ErrExists
	}

	current, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		return 0, 0, ErrNonNumeric
	}

	next := apply(current)
	n := &entry{
		value:     strconv.AppendUint(nil, next, 10),
		flags:     e.flags,
		cas:       s.nextCAS(),
		expiresAt: e.expiresAt,
	}
	sh.items[key] = n
	return next, n.cas, nil
}

// Flush invalidates every item delay seconds from now, immediately when
// delay is 0.
func (s *Store) Flush(delay uint32) {
	now := s.now()
	s.stats.flushes.Add(1)

	if delay == 0 {
		for _, sh := range s.shards {
			sh.mu.Lock()
			clear(sh.items)
			sh.mu.Unlock()
		}
		return
	}

	deadline := s.absolute(delay, now)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.items {
			if e.expiresAt == 0 || e.expiresAt > deadline {
				sh.items[key] = &entry{
					value:     e.value,
					flags:     e.flags,
					cas:       e.cas,
					expiresAt: deadline,
				}
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of entries, expired but not yet purged included.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Purge evicts expired entries and returns how many were removed.
func (s *Store) Purge() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.items {
			if e.expired(now) {
				delete(sh.items, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.stats.expired.Add(uint64(removed))
	return removed
}

func (s *Store) purger() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Purge()
		case <-s.closing:
			return
		}
	}
}
