// Command memcached-cli is an interactive client for memcached servers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pior/memcached/binprot"
	"github.com/pior/memcached/client"
	"github.com/pior/memcached/internal/logging"
)

const usage = `Commands:
  get <key>                       - Get a value by key
  mget <key1> <key2> ...          - Get multiple keys at once
  set <key> <value> [ttl]         - Set a key-value pair with optional TTL in seconds
  add <key> <value> [ttl]         - Set only if the key does not exist
  replace <key> <value> [ttl]     - Set only if the key exists
  append <key> <value>            - Append to an existing value
  prepend <key> <value>           - Prepend to an existing value
  delete <key>                    - Delete a key
  incr <key> <delta>              - Increment a counter, created at 0 when missing
  decr <key> <delta>              - Decrement a counter
  flush [delay]                   - Invalidate every item, after delay seconds
  version                         - Show the server versions
  stats [group]                   - Show server statistics
  pool                            - Show client and pool statistics
  ping                            - Ping all servers
  quit                            - Exit the CLI`

func main() {
	servers := flag.String("servers", "127.0.0.1:11211", "comma separated server addresses")
	timeout := flag.Duration("timeout", 5*time.Second, "timeout of each command")
	flag.Parse()

	log := logging.New(logging.Options{App: "memcached-cli", Level: "warn"})

	c, err := client.New(strings.Split(*servers, ","), client.Config{Logger: &log})
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Println("memcached CLI")
	fmt.Println("=============")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	sh := &shell{client: c, out: os.Stdout, timeout: *timeout}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if sh.exec(context.Background(), scanner.Text()) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

type shell struct {
	client  *client.Client
	out     io.Writer
	timeout time.Duration
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	command, args := strings.ToLower(parts[0]), parts[1:]
	start := time.Now()

	switch command {
	case "get":
		if len(args) != 1 {
			s.printf("Usage: get <key>\n")
			return false
		}
		item, err := s.client.Get(ctx, args[0])
		if s.failed(err, start) {
			return false
		}
		s.printf("Value: %s (flags=%d cas=%d, took %v)\n", item.Value, item.Flags, item.CAS, time.Since(start))

	case "mget", "multi-get":
		if len(args) == 0 {
			s.printf("Usage: mget <key1> <key2> ...\n")
			return false
		}
		items, err := s.client.GetMulti(ctx, args)
		if s.failed(err, start) {
			return false
		}
		for _, key := range args {
			if item, ok := items[key]; ok {
				s.printf("  %s: %s\n", key, item.Value)
			} else {
				s.printf("  %s: <not found>\n", key)
			}
		}
		s.printf("Retrieved %d out of %d keys (took %v)\n", len(items), len(args), time.Since(start))

	case "set", "add", "replace":
		if len(args) < 2 || len(args) > 3 {
			s.printf("Usage: %s <key> <value> [ttl_seconds]\n", command)
			return false
		}
		item := client.Item{Key: args[0], Value: []byte(args[1])}
		if len(args) == 3 {
			secs, err := strconv.Atoi(args[2])
			if err != nil {
				s.printf("Invalid TTL: %v\n", err)
				return false
			}
			item.TTL = time.Duration(secs) * time.Second
		}

		store := s.client.Set
		switch command {
		case "add":
			store = s.client.Add
		case "replace":
			store = s.client.Replace
		}
		cas, err := store(ctx, item)
		if s.failed(err, start) {
			return false
		}
		s.printf("Stored (cas=%d, took %v)\n", cas, time.Since(start))

	case "append", "prepend":
		if len(args) != 2 {
			s.printf("Usage: %s <key> <value>\n", command)
			return false
		}
		concat := s.client.Append
		if command == "prepend" {
			concat = s.client.Prepend
		}
		if s.failed(concat(ctx, args[0], []byte(args[1])), start) {
			return false
		}
		s.printf("Stored (took %v)\n", time.Since(start))

	case "delete", "del":
		if len(args) != 1 {
			s.printf("Usage: delete <key>\n")
			return false
		}
		if s.failed(s.client.Delete(ctx, args[0]), start) {
			return false
		}
		s.printf("Deleted (took %v)\n", time.Since(start))

	case "incr", "decr":
		if len(args) != 2 {
			s.printf("Usage: %s <key> <delta>\n", command)
			return false
		}
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			s.printf("Invalid delta: %v\n", err)
			return false
		}
		arith := s.client.Increment
		if command == "decr" {
			arith = s.client.Decrement
		}
		value, err := arith(ctx, args[0], delta, 0, client.NoTTL)
		if s.failed(err, start) {
			return false
		}
		s.printf("Value: %d (took %v)\n", value, time.Since(start))

	case "flush":
		var delay time.Duration
		if len(args) == 1 {
			secs, err := strconv.Atoi(args[0])
			if err != nil {
				s.printf("Invalid delay: %v\n", err)
				return false
			}
			delay = time.Duration(secs) * time.Second
		}
		if s.failed(s.client.Flush(ctx, delay), start) {
			return false
		}
		s.printf("Flushed (took %v)\n", time.Since(start))

	case "version":
		versions, err := s.client.Version(ctx)
		if s.failed(err, start) {
			return false
		}
		for _, addr := range s.client.Servers() {
			s.printf("  %s: %s\n", addr, versions[addr])
		}

	case "stats":
		group := ""
		if len(args) == 1 {
			group = args[0]
		}
		all, err := s.client.ServerStats(ctx, group)
		if s.failed(err, start) {
			return false
		}
		for _, addr := range s.client.Servers() {
			s.printf("Server %s:\n", addr)
			stats := all[addr]
			for _, name := range slices.Sorted(maps.Keys(stats)) {
				s.printf("  %-20s %s\n", name, stats[name])
			}
		}

	case "pool":
		cs := s.client.Stats()
		s.printf("Client: gets=%d hits=%d sets=%d deletes=%d increments=%d errors=%d\n",
			cs.Gets, cs.GetHits, cs.Sets, cs.Deletes, cs.Increments, cs.Errors)
		pools := s.client.PoolStats()
		for _, addr := range s.client.Servers() {
			ps := pools[addr]
			s.printf("Server %s: total=%d idle=%d active=%d created=%d destroyed=%d acquires=%d\n",
				addr, ps.TotalConns, ps.IdleConns, ps.ActiveConns, ps.CreatedConns, ps.DestroyedConns, ps.AcquireCount)
		}

	case "ping":
		if s.failed(s.client.Ping(ctx), start) {
			return false
		}
		s.printf("Ping successful (took %v)\n", time.Since(start))

	case "help":
		s.printf("%s\n", usage)

	case "quit", "exit":
		s.printf("Goodbye!\n")
		return true

	default:
		s.printf("Unknown command: %s. Type 'help' for available commands.\n", command)
	}

	return false
}

// failed prints err and reports whether there was one.
func (s *shell) failed(err error, start time.Time) bool {
	if err == nil {
		return false
	}

	duration := time.Since(start)
	switch {
	case errors.Is(err, binprot.ErrNotFound):
		s.printf("Key not found (took %v)\n", duration)
	case errors.Is(err, binprot.ErrExists):
		s.printf("Key exists (took %v)\n", duration)
	case errors.Is(err, binprot.ErrNotStored):
		s.printf("Not stored (took %v)\n", duration)
	default:
		s.printf("Error: %v (took %v)\n", err, duration)
	}
	return true
}
