// Command diskache-bench drives a diskache.Cache with a synthetic
// read/write workload, for sizing max_size/max_entries/policy choices
// against a real target directory (including network mounts).
package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/diskache/internal/evict"

	"github.com/calvinalkan/diskache"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

type benchOptions struct {
	dir        string
	keys       int
	valueBytes int
	maxBytes   int64
	maxEntries int64
	policy     string
	seed       int64
}

func run(out, errOut io.Writer, args []string) int {
	opts, code := parseFlags(errOut, args)
	if code != 0 {
		return code
	}

	policy, ok := evict.ParsePolicy(opts.policy)
	if !ok {
		fmt.Fprintf(errOut, "error: unknown --policy %q\n", opts.policy)

		return 2
	}

	c, err := diskache.Open(diskache.Options{
		Dir:        opts.dir,
		MaxBytes:   opts.maxBytes,
		MaxEntries: opts.maxEntries,
		Policy:     policy,
	})
	if err != nil {
		fmt.Fprintf(errOut, "error: open cache: %v\n", err)

		return 1
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(opts.seed)) //nolint:gosec // benchmark workload, not security sensitive

	value := make([]byte, opts.valueBytes)

	start := time.Now()

	for i := 0; i < opts.keys; i++ {
		key := fmt.Sprintf("bench-key-%d", i)

		rng.Read(value) //nolint:errcheck

		if err := c.Set(key, value, diskache.SetOptions{}); err != nil {
			fmt.Fprintf(errOut, "error: set %q: %v\n", key, err)

			return 1
		}
	}

	writeElapsed := time.Since(start)

	start = time.Now()

	hits := 0

	for i := 0; i < opts.keys; i++ {
		key := fmt.Sprintf("bench-key-%d", rng.Intn(opts.keys))

		if _, err := c.Get(key); err == nil {
			hits++
		}
	}

	readElapsed := time.Since(start)

	stats := c.Stats()

	fmt.Fprintf(out, "writes: %d in %s (%.0f/s)\n", opts.keys, writeElapsed, float64(opts.keys)/writeElapsed.Seconds())
	fmt.Fprintf(out, "reads:  %d in %s (%.0f/s), %d hits\n", opts.keys, readElapsed, float64(opts.keys)/readElapsed.Seconds(), hits)
	fmt.Fprintf(out, "final:  count=%d size=%d evictions=%d\n", stats.Count, stats.Size, stats.Evictions)

	return 0
}

func parseFlags(errOut io.Writer, args []string) (benchOptions, int) {
	flagSet := flag.NewFlagSet("diskache-bench", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	dir := flagSet.String("dir", "", "cache directory (required)")
	keys := flagSet.Int("keys", 10_000, "number of distinct keys to write")
	valueBytes := flagSet.Int("value-bytes", 1024, "size of each value in bytes")
	maxBytes := flagSet.Int64("max-size", diskache.DefaultMaxBytes, "max_size bound in bytes")
	maxEntries := flagSet.Int64("max-entries", diskache.DefaultMaxEntries, "max_entries bound")
	policy := flagSet.String("policy", "LRU", "eviction policy: LRU|LFU|FIFO|TTL_ASCENDING|NONE")
	seed := flagSet.Int64("seed", 1, "PRNG seed for generated values/read pattern")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return benchOptions{}, 0
		}

		return benchOptions{}, 2
	}

	if *dir == "" {
		fmt.Fprintln(errOut, "error: --dir is required")

		return benchOptions{}, 2
	}

	return benchOptions{
		dir:        *dir,
		keys:       *keys,
		valueBytes: *valueBytes,
		maxBytes:   *maxBytes,
		maxEntries: *maxEntries,
		policy:     *policy,
		seed:       *seed,
	}, 0
}
