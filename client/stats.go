package client

import "sync/atomic"

// PoolStats contains statistics about the connection pool of one server.
type PoolStats struct {
	AcquireCount      uint64 // Total acquires
	AcquireWaitCount  uint64 // Acquires that had to wait for a connection
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Canceled acquires
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Connections in the pool (active + idle)
	IdleConns   int32 // Idle connections
	ActiveConns int32 // Connections in use
}

// ClientStats contains statistics about client operations.
// Cache misses and other protocol statuses are not errors; Errors counts
// transport failures and rejected requests.
type ClientStats struct {
	Gets       uint64 // Keys requested by Get and GetMulti
	GetHits    uint64 // Keys found
	Sets       uint64 // Set, Add, Replace, Append and Prepend operations
	Deletes    uint64
	Increments uint64 // Increment and Decrement operations
	Errors     uint64
}

type clientStatsCollector struct {
	gets       atomic.Uint64
	getHits    atomic.Uint64
	sets       atomic.Uint64
	deletes    atomic.Uint64
	increments atomic.Uint64
	errors     atomic.Uint64
}

func (c *clientStatsCollector) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.getHits.Add(1)
	}
}

func (c *clientStatsCollector) recordSet() {
	c.sets.Add(1)
}

func (c *clientStatsCollector) recordDelete() {
	c.deletes.Add(1)
}

func (c *clientStatsCollector) recordIncrement() {
	c.increments.Add(1)
}

func (c *clientStatsCollector) recordError() {
	c.errors.Add(1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:       c.gets.Load(),
		GetHits:    c.getHits.Load(),
		Sets:       c.sets.Load(),
		Deletes:    c.deletes.Load(),
		Increments: c.increments.Load(),
		Errors:     c.errors.Load(),
	}
}
