// Package coarsetime is a cheap clock for hot paths that only need the
// current second, such as item expiration checks.
//
// The clock is refreshed by one background goroutine every 50ms, started on
// first use.
package coarsetime

import (
	"sync"
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var (
	now   atomic.Pointer[time.Time]
	start sync.Once
)

func run() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for range ticker.C {
			t := time.Now()
			now.Store(&t)
		}
	}()
}

// Now returns the current time, at most 50ms stale.
func Now() time.Time {
	start.Do(run)
	return *now.Load()
}

// Unix returns Now as seconds since the epoch.
func Unix() int64 {
	return Now().Unix()
}
