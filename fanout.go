package diskache

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/calvinalkan/diskache/internal/layout"
)

// FanoutCache is a composite cache over N independent shard subdirectories
// (spec.md §4.11). Sharding is purely a capacity/contention lever: each
// shard is a full, independent [Cache] with its own index and journal, so
// per-shard semantics are identical to a single [Cache].
type FanoutCache struct {
	shards []*Cache
}

// OpenFanout opens (creating if absent) opts.ShardCount shard subdirectories
// under opts.Dir, each a full core instance. opts.ShardCount must be >= 2;
// use [Open] for a single, unsharded cache.
func OpenFanout(opts Options) (*FanoutCache, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.ShardCount < 2 {
		return nil, fmt.Errorf("%w: OpenFanout requires ShardCount >= 2", ErrIOError)
	}

	shards := make([]*Cache, 0, opts.ShardCount)

	for i := 0; i < opts.ShardCount; i++ {
		shardOpts := opts
		shardOpts.Dir = filepath.Join(opts.Dir, fmt.Sprintf("shard_%03d", i))
		shardOpts.ShardCount = 1

		shard, err := openCore(shardOpts)
		if err != nil {
			for _, s := range shards {
				_ = s.Close()
			}

			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}

		shards = append(shards, shard)
	}

	return &FanoutCache{shards: shards}, nil
}

// shardFor returns the shard that owns key, selected by hashing key the
// same way layout does for in-shard placement (spec.md §4.11).
func (f *FanoutCache) shardFor(key string) *Cache {
	idx := layout.Fingerprint(key) % uint64(len(f.shards))

	return f.shards[idx]
}

// Close closes every shard, returning the first error encountered (after
// attempting to close all of them).
func (f *FanoutCache) Close() error {
	var first error

	for _, s := range f.shards {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (f *FanoutCache) Get(key string) ([]byte, error)  { return f.shardFor(key).Get(key) }
func (f *FanoutCache) Delete(key string) (bool, error)  { return f.shardFor(key).Delete(key) }
func (f *FanoutCache) Pop(key string) ([]byte, error)   { return f.shardFor(key).Pop(key) }
func (f *FanoutCache) Incr(key string, delta int64) (int64, error) {
	return f.shardFor(key).Incr(key, delta)
}

func (f *FanoutCache) Decr(key string, delta int64) (int64, error) {
	return f.shardFor(key).Decr(key, delta)
}

func (f *FanoutCache) Touch(key string, expire time.Duration) (bool, error) {
	return f.shardFor(key).Touch(key, expire)
}

func (f *FanoutCache) Set(key string, value []byte, opts SetOptions) error {
	return f.shardFor(key).Set(key, value, opts)
}

func (f *FanoutCache) Add(key string, value []byte, opts SetOptions) error {
	return f.shardFor(key).Add(key, value, opts)
}

// Clear removes every entry across all shards, returning the total count
// removed (spec.md §4.11).
func (f *FanoutCache) Clear() (int, error) {
	var total int

	for _, s := range f.shards {
		n, err := s.Clear()
		if err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}

// Stats aggregates counters across all shards (spec.md §4.11).
func (f *FanoutCache) Stats() Stats {
	var out Stats

	for _, s := range f.shards {
		st := s.Stats()
		out.Hits += st.Hits
		out.Misses += st.Misses
		out.Sets += st.Sets
		out.Deletes += st.Deletes
		out.Evictions += st.Evictions
		out.Size += st.Size
		out.Count += st.Count
	}

	return out
}

// Volume sums Volume across all shards.
func (f *FanoutCache) Volume() uint64 {
	var total uint64

	for _, s := range f.shards {
		total += s.Volume()
	}

	return total
}

// Scan iterates all shards and concatenates their live entries. Order is
// unspecified, as with a single [Cache] (spec.md §4.11).
func (f *FanoutCache) Scan() []ScanEntry {
	var out []ScanEntry

	for _, s := range f.shards {
		out = append(out, s.Scan()...)
	}

	return out
}

// EvictByTag removes every entry whose tag set contains tag across all
// shards, returning the total count removed.
func (f *FanoutCache) EvictByTag(tag string) (int, error) {
	var total int

	for _, s := range f.shards {
		n, err := s.EvictByTag(tag)
		if err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}
