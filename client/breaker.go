package client

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/memcached/binprot"
)

// NewCircuitBreakerConfig returns a Config.NewCircuitBreaker function
// creating one breaker per server.
//
// The breaker trips when at least 3 requests were seen in the interval and
// 60% of them failed. Protocol statuses (a miss, a CAS conflict, a rejected
// key) are successes: only failures leaving the connection unusable count.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) *gobreaker.CircuitBreaker[bool] {
	return func(addr string) *gobreaker.CircuitBreaker[bool] {
		return gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !binprot.ShouldCloseConnection(err)
			},
		})
	}
}
