package store

import "sync/atomic"

type storeStats struct {
	getHits   atomic.Uint64
	getMisses atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	flushes   atomic.Uint64
	expired   atomic.Uint64
}

// Stats is a point in time view of the store counters.
type Stats struct {
	Items     int
	Bytes     int
	GetHits   uint64
	GetMisses uint64
	Sets      uint64
	Deletes   uint64
	Flushes   uint64
	Expired   uint64
}

// Stats returns the current counters. Items and Bytes walk every shard.
func (s *Store) Stats() Stats {
	st := Stats{
		GetHits:   s.stats.getHits.Load(),
		GetMisses: s.stats.getMisses.Load(),
		Sets:      s.stats.sets.Load(),
		Deletes:   s.stats.deletes.Load(),
		Flushes:   s.stats.flushes.Load(),
		Expired:   s.stats.expired.Load(),
	}

	for _, sh := range s.shards {
		sh.mu.RLock()
		st.Items += len(sh.items)
		for key, e := range sh.items {
			st.Bytes += len(key) + len(e.value)
		}
		sh.mu.RUnlock()
	}

	return st
}
