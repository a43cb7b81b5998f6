package memcached

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	c := newStatsCollector()

	c.recordConnOpen()
	c.recordConnOpen()
	c.recordConnClose()
	c.recordRequest()
	c.recordRequest()
	c.recordSlotDone()
	c.recordResponse()
	c.recordProtocolError()
	c.recordHandlerFailure()
	c.recordTermination()
	c.recordFramingError()
	c.recordRead(100)
	c.recordWritten(24)

	assert.Equal(t, Stats{
		TotalConnections: 2,
		Requests:         2,
		Responses:        1,
		ProtocolErrors:   1,
		HandlerFailures:  1,
		Terminations:     1,
		FramingErrors:    1,
		BytesRead:        100,
		BytesWritten:     24,
		CurrConnections:  1,
		PendingRequests:  1,
	}, c.snapshot())
}

func TestStatsCollectorConcurrent(t *testing.T) {
	c := newStatsCollector()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.recordRequest()
				c.recordSlotDone()
			}
		}()
	}
	wg.Wait()

	s := c.snapshot()
	assert.Equal(t, uint64(8000), s.Requests)
	assert.Zero(t, s.PendingRequests)
}
