package memcached

import (
	"sync/atomic"
)

// Stats contains server counters.
// All fields are safe for concurrent access.
//
// For Prometheus integration, use Server.RegisterMetrics.
type Stats struct {
	// Lifetime counters
	TotalConnections uint64 // Connections accepted
	Requests         uint64 // Requests decoded and dispatched
	Responses        uint64 // Response packets written
	ProtocolErrors   uint64 // Requests answered with a non-zero status
	HandlerFailures  uint64 // Unclassified handler errors and panics
	Terminations     uint64 // Connections closed by quit or ErrTerminate
	FramingErrors    uint64 // Connections dropped for a framing violation
	BytesRead        uint64
	BytesWritten     uint64

	// Current state gauges
	CurrConnections int64 // Open connections
	PendingRequests int64 // Requests dispatched but not yet written
}

// statsCollector provides internal methods for updating server stats.
type statsCollector struct {
	stats Stats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (c *statsCollector) recordConnOpen() {
	atomic.AddUint64(&c.stats.TotalConnections, 1)
	atomic.AddInt64(&c.stats.CurrConnections, 1)
}

func (c *statsCollector) recordConnClose() {
	atomic.AddInt64(&c.stats.CurrConnections, -1)
}

func (c *statsCollector) recordRequest() {
	atomic.AddUint64(&c.stats.Requests, 1)
	atomic.AddInt64(&c.stats.PendingRequests, 1)
}

func (c *statsCollector) recordSlotDone() {
	atomic.AddInt64(&c.stats.PendingRequests, -1)
}

func (c *statsCollector) recordResponse() {
	atomic.AddUint64(&c.stats.Responses, 1)
}

func (c *statsCollector) recordProtocolError() {
	atomic.AddUint64(&c.stats.ProtocolErrors, 1)
}

func (c *statsCollector) recordHandlerFailure() {
	atomic.AddUint64(&c.stats.HandlerFailures, 1)
}

func (c *statsCollector) recordTermination() {
	atomic.AddUint64(&c.stats.Terminations, 1)
}

func (c *statsCollector) recordFramingError() {
	atomic.AddUint64(&c.stats.FramingErrors, 1)
}

func (c *statsCollector) recordRead(n int) {
	atomic.AddUint64(&c.stats.BytesRead, uint64(n))
}

func (c *statsCollector) recordWritten(n int) {
	atomic.AddUint64(&c.stats.BytesWritten, uint64(n))
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		TotalConnections: atomic.LoadUint64(&c.stats.TotalConnections),
		Requests:         atomic.LoadUint64(&c.stats.Requests),
		Responses:        atomic.LoadUint64(&c.stats.Responses),
		ProtocolErrors:   atomic.LoadUint64(&c.stats.ProtocolErrors),
		HandlerFailures:  atomic.LoadUint64(&c.stats.HandlerFailures),
		Terminations:     atomic.LoadUint64(&c.stats.Terminations),
		FramingErrors:    atomic.LoadUint64(&c.stats.FramingErrors),
		BytesRead:        atomic.LoadUint64(&c.stats.BytesRead),
		BytesWritten:     atomic.LoadUint64(&c.stats.BytesWritten),
		CurrConnections:  atomic.LoadInt64(&c.stats.CurrConnections),
		PendingRequests:  atomic.LoadInt64(&c.stats.PendingRequests),
	}
}
