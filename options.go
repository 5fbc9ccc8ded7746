package diskache

import (
	"fmt"
	"time"

	"github.com/calvinalkan/diskache/internal/evict"
	"github.com/calvinalkan/diskache/internal/fsx"
)

// Eviction policy names, re-exported for callers (spec.md §6).
const (
	LRU          = evict.LRU
	LFU          = evict.LFU
	FIFO         = evict.FIFO
	TTLAscending = evict.TTLAscending
	NoEviction   = evict.None
)

// LockStrategy selects how the inter-process index lock is implemented.
type LockStrategy int

const (
	// LockAuto probes the directory (spec.md §4.1) and picks flock on
	// local filesystems, the rename-lease fallback on detected network
	// mounts. The default.
	LockAuto LockStrategy = iota
	// LockFlock forces OS advisory locking regardless of the probe result.
	LockFlock
	// LockRenameLease forces the rename-based lease lock regardless of
	// the probe result.
	LockRenameLease
)

// Options configure [Open]. All fields have defaults matching spec.md §6;
// the zero value of Options is not itself valid because Dir is required.
type Options struct {
	// Dir is the cache's root directory, created if absent.
	Dir string

	// MaxBytes is the aggregate size bound across all live entries.
	// Default 1 GiB.
	MaxBytes int64

	// MaxEntries is the live entry-count bound. Default 100000.
	MaxEntries int64

	// MaxValueSize bounds the size of any single stored value. Writes
	// larger than this fail with ErrCapacityExceeded regardless of
	// eviction policy (spec.md §3, §7). Default 16 MiB.
	MaxValueSize int64

	// Policy selects the eviction algorithm used once a bound is
	// exceeded. Default LRU.
	Policy evict.Policy

	// EvictionHeadroom is the fraction past the bound eviction clears to,
	// avoiding immediate re-eviction on the next write. Default 0.10.
	EvictionHeadroom float64

	// MemoryCacheEntries, MemoryCacheBytes, MemoryCacheTTL configure the
	// in-process memory tier (spec.md §4.5). Defaults: 1000, 64 MiB, 300s.
	MemoryCacheEntries int
	MemoryCacheBytes   int64
	MemoryCacheTTL     time.Duration

	// ShardCount is the number of independent shard subdirectories
	// [OpenFanout] opens (spec.md §4.11); OpenFanout requires it to be >= 2.
	// [Open] opens a single core instance and rejects ShardCount > 1.
	// Default 1 (no fan-out).
	ShardCount int

	// DisableAutoMigration skips the legacy cache.db detection/import on
	// open (spec.md §4.10).
	DisableAutoMigration bool

	// OperationTimeout bounds lock acquisition per operation; elapsing it
	// surfaces as ErrTimeout (spec.md §5). Default 30s.
	OperationTimeout time.Duration

	// IOTimeout bounds a single blob read or write; elapsing it surfaces
	// as ErrIOTimeout, leaving any partial temp file for the sweeper
	// (spec.md §5). Default 10s.
	IOTimeout time.Duration

	// SweepInterval is the expiration sweeper's cadence. Default 60s.
	SweepInterval time.Duration

	// LockStrategy overrides automatic lock-backend selection.
	LockStrategy LockStrategy

	// FS overrides the filesystem implementation; nil uses the real OS
	// filesystem. Exposed for fault-injection tests.
	FS fsx.FS
}

// Defaults per spec.md §6.
const (
	DefaultMaxBytes         = 1 << 30 // 1 GiB
	DefaultMaxEntries       = 100_000
	DefaultMaxValueSize     = 16 << 20 // 16 MiB
	DefaultOperationTimeout = 30 * time.Second
	DefaultIOTimeout        = 10 * time.Second
	DefaultSweepInterval    = 60 * time.Second
)

// withDefaults returns a copy of o with every unset field filled in.
func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}

	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}

	if o.MaxValueSize <= 0 {
		o.MaxValueSize = DefaultMaxValueSize
	}

	if o.EvictionHeadroom <= 0 {
		o.EvictionHeadroom = evict.DefaultHeadroom
	}

	if o.ShardCount <= 0 {
		o.ShardCount = 1
	}

	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}

	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}

	if o.FS == nil {
		o.FS = fsx.NewReal()
	}

	return o
}

// validate rejects configurations that can never produce a usable cache.
func (o Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: Options.Dir is required", ErrIOError)
	}

	if o.ShardCount < 0 {
		return fmt.Errorf("%w: Options.ShardCount must be >= 0", ErrIOError)
	}

	if o.EvictionHeadroom < 0 || o.EvictionHeadroom >= 1 {
		return fmt.Errorf("%w: Options.EvictionHeadroom must be in [0, 1)", ErrIOError)
	}

	return nil
}

// SetOptions configure an individual [Cache.Set] call.
type SetOptions struct {
	// TTL, if non-zero, sets the entry's expiry relative to now. Zero
	// means no expiry.
	TTL time.Duration
	// Tags attaches up to 8 short labels (≤16 bytes each) used by
	// [Cache.EvictByTag] (spec.md §4.2).
	Tags []string
}
