package diskache

import "sync/atomic"

// Stats is a point-in-time snapshot of a Cache's in-process counters
// (spec.md §4.9). Counters are process-local and reset to zero on every
// Open; they are never journal-persisted.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	Size      uint64
	Count     uint64
}

// counters holds the atomics backing Stats. Zero value is ready to use.
type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
}

func (c *counters) snapshot(size, count uint64) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		Count:     count,
	}
}
