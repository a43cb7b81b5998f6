// Command memcached-bench measures throughput and latency of common
// operations against memcached servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/client"
)

type OperationType string

const (
	CacheHit  OperationType = "cache-hit"
	CacheMiss OperationType = "cache-miss"
	Set       OperationType = "set"
	Increment OperationType = "increment"
	Delete    OperationType = "delete"
	MultiGet  OperationType = "multi-get"
	All       OperationType = "all"
)

var operations = []OperationType{CacheHit, CacheMiss, Set, Increment, Delete, MultiGet}

type BenchmarkResult struct {
	Operation    OperationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// op runs one operation of a worker. A returned errMismatch marks the
// benchmark incorrect.
type op func(ctx context.Context, c *client.Client, worker, n int) error

var errMismatch = errors.New("value mismatch")

func main() {
	var (
		operation   = flag.String("operation", "all", "Operation type: cache-hit, cache-miss, set, increment, delete, multi-get, or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run benchmarks")
		concurrency = flag.Int("concurrency", 1, "Number of concurrent workers")
		servers     = flag.String("servers", "localhost:11211", "Comma-separated list of memcached servers")
		poolSize    = flag.Int("pool-size", 8, "Connections per server")
	)
	flag.Parse()

	fmt.Printf("memcached Benchmark Tool\n")
	fmt.Printf("========================\n")
	fmt.Printf("Operation: %s\n", *operation)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Servers: %s\n", *servers)
	fmt.Println()

	c, err := client.New(strings.Split(*servers, ","), client.Config{MaxSize: int32(*poolSize)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Print("Testing connection...")
	if err := c.Ping(context.Background()); err != nil {
		fmt.Printf(" failed: %v\n", err)
		fmt.Printf("Make sure memcached is running on %s\n", *servers)
		os.Exit(1)
	}
	fmt.Println(" success!")
	fmt.Println()

	selected := operations
	if OperationType(*operation) != All {
		selected = []OperationType{OperationType(*operation)}
	}

	for _, operation := range selected {
		fmt.Printf("--- Running %s benchmark ---\n", operation)
		printResult(os.Stdout, runOperation(context.Background(), c, operation, *duration, *concurrency))
	}
}

func runOperation(ctx context.Context, c *client.Client, operation OperationType, duration time.Duration, concurrency int) *BenchmarkResult {
	var fn op
	switch operation {
	case CacheHit:
		if _, err := c.Set(ctx, client.Item{Key: "cache-hit-key", Value: []byte("cache-hit-value")}); err != nil {
			return &BenchmarkResult{Operation: operation, ErrorMessage: fmt.Sprintf("Failed to set initial value: %v", err)}
		}
		fn = cacheHit
	case CacheMiss:
		fn = cacheMiss
	case Set:
		fn = set
	case Increment:
		fn = increment
	case Delete:
		fn = setDelete
	case MultiGet:
		for i := range 10 {
			key := fmt.Sprintf("multi-key-%d", i)
			if _, err := c.Set(ctx, client.Item{Key: key, Value: []byte(key)}); err != nil {
				return &BenchmarkResult{Operation: operation, ErrorMessage: fmt.Sprintf("Failed to set initial value: %v", err)}
			}
		}
		fn = multiGet
	default:
		return &BenchmarkResult{Operation: operation, ErrorMessage: fmt.Sprintf("Unknown operation: %s", operation)}
	}

	return run(ctx, c, operation, fn, duration, concurrency)
}

func run(ctx context.Context, c *client.Client, operation OperationType, fn op, duration time.Duration, concurrency int) *BenchmarkResult {
	result := &BenchmarkResult{Operation: operation, Correctness: true}
	var totalOps, successes, failures, totalLatency atomic.Int64
	var mismatch sync.Once

	startTime := time.Now()
	var wg sync.WaitGroup

	for worker := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := 0; time.Since(startTime) < duration; n++ {
				opStart := time.Now()
				err := fn(ctx, c, worker, n)
				totalLatency.Add(int64(time.Since(opStart)))
				totalOps.Add(1)

				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, errMismatch):
					failures.Add(1)
					mismatch.Do(func() {
						result.Correctness = false
						result.ErrorMessage = err.Error()
					})
				default:
					failures.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps.Load()
	result.Successes = successes.Load()
	result.Failures = failures.Load()

	if result.TotalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.TotalOps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}

	return result
}

func cacheHit(ctx context.Context, c *client.Client, _, _ int) error {
	item, err := c.Get(ctx, "cache-hit-key")
	if err != nil {
		return err
	}
	if string(item.Value) != "cache-hit-value" {
		return fmt.Errorf("%w: got %q", errMismatch, item.Value)
	}
	return nil
}

func cacheMiss(ctx context.Context, c *client.Client, worker, n int) error {
	_, err := c.Get(ctx, fmt.Sprintf("missing-key-%d-%d", worker, n))
	if errors.Is(err, binprot.ErrNotFound) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%w: hit on a missing key", errMismatch)
	}
	return err
}

func set(ctx context.Context, c *client.Client, worker, n int) error {
	key := fmt.Sprintf("set-key-%d-%d", worker, n%1000)
	_, err := c.Set(ctx, client.Item{Key: key, Value: []byte(key), TTL: time.Hour})
	return err
}

func increment(ctx context.Context, c *client.Client, worker, n int) error {
	key := fmt.Sprintf("counter-%d", worker)
	if n == 0 {
		if err := c.Delete(ctx, key); err != nil && !errors.Is(err, binprot.ErrNotFound) {
			return err
		}
	}

	v, err := c.Increment(ctx, key, 1, 1, time.Hour)
	if err != nil {
		return err
	}
	if v != uint64(n)+1 {
		return fmt.Errorf("%w: counter is %d, want %d", errMismatch, v, n+1)
	}
	return nil
}

func setDelete(ctx context.Context, c *client.Client, worker, n int) error {
	key := fmt.Sprintf("delete-key-%d-%d", worker, n)
	if _, err := c.Set(ctx, client.Item{Key: key, Value: []byte(key), TTL: time.Hour}); err != nil {
		return err
	}
	return c.Delete(ctx, key)
}

func multiGet(ctx context.Context, c *client.Client, _, _ int) error {
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("multi-key-%d", i)
	}

	items, err := c.GetMulti(ctx, keys)
	if err != nil {
		return err
	}
	if len(items) != len(keys) {
		return fmt.Errorf("%w: got %d items, want %d", errMismatch, len(items), len(keys))
	}
	return nil
}

func printResult(w io.Writer, result *BenchmarkResult) {
	fmt.Fprintf(w, "Operation: %s\n", result.Operation)
	fmt.Fprintf(w, "Duration: %v\n", result.Duration)
	fmt.Fprintf(w, "Total Operations: %d\n", result.TotalOps)
	fmt.Fprintf(w, "Successes: %d\n", result.Successes)
	fmt.Fprintf(w, "Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Fprintf(w, "Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Fprintf(w, "Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Fprintf(w, "Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Fprintf(w, "Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", result.ErrorMessage)
	}
	fmt.Fprintln(w)
}
