package diskache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/diskache/internal/blobstore"
	"github.com/calvinalkan/diskache/internal/entrymeta"
	"github.com/calvinalkan/diskache/internal/evict"
	"github.com/calvinalkan/diskache/internal/fsx"
	"github.com/calvinalkan/diskache/internal/index"
	"github.com/calvinalkan/diskache/internal/layout"
	"github.com/calvinalkan/diskache/internal/lockmgr"
	"github.com/calvinalkan/diskache/internal/memtier"
	"github.com/calvinalkan/diskache/internal/sweep"
)

const lockFileName = "index.lock"

// Cache is one core instance (spec.md §4.9): a single cache directory with
// its own blob tree, index, memory tier, and background sweeper. Safe for
// concurrent use by multiple goroutines and, via the inter-process lock, by
// multiple processes sharing Dir.
type Cache struct {
	opts Options

	fs    fsx.FS
	dir   string
	blobs *blobstore.Store
	idx   *index.Index
	mem   *memtier.Tier
	locks *lockmgr.Manager
	sweep *sweep.Sweeper
	probe fsx.ProbeResult

	counters counters

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open opens (creating if absent) the cache directory at opts.Dir. If a
// legacy cache.db is found and no index is present, it is migrated first
// unless opts.DisableAutoMigration is set. Open rejects opts.ShardCount > 1
// with an error; a sharded cache is opened with [OpenFanout].
func Open(opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.ShardCount > 1 {
		return nil, fmt.Errorf("%w: use OpenFanout for ShardCount > 1", ErrIOError)
	}

	return openCore(opts)
}

func openCore(opts Options) (*Cache, error) {
	fs := opts.FS

	if err := fs.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: mkdir cache dir: %v", ErrIOError, err)
	}

	if !opts.DisableAutoMigration {
		if err := maybeMigrateLegacy(fs, opts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
	}

	probe := fsx.Probe(opts.Dir)

	blobs := blobstore.New(fs, opts.Dir, probe)

	c := &Cache{
		opts:  opts,
		fs:    fs,
		dir:   opts.Dir,
		blobs: blobs,
		mem:   memtier.New(opts.MemoryCacheEntries, opts.MemoryCacheBytes, opts.MemoryCacheTTL),
		probe: probe,
	}

	useRename := opts.LockStrategy == LockRenameLease || (opts.LockStrategy == LockAuto && probe.IsNetwork)
	c.locks = lockmgr.New(fs, filepath.Join(opts.Dir, lockFileName), useRename)

	idx, err := index.Open(fs, opts.Dir, blobRescanner{blobs: blobs, root: opts.Dir, fs: fs})
	if err != nil && (idx == nil || !errors.Is(err, index.ErrCorrupted)) {
		return nil, fmt.Errorf("%w: open index: %v", ErrIOError, err)
	}

	rebuilt := errors.Is(err, index.ErrCorrupted)

	c.idx = idx

	c.sweep = sweep.New(c, opts.SweepInterval, sweep.DefaultWorkers)
	c.sweep.Start()

	if rebuilt {
		return c, fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
	}

	return c, nil
}

// Close stops the background sweeper and releases the journal file handle.
// Safe to call more than once.
func (c *Cache) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.sweep.Stop()
		err = c.idx.Close()
	})

	return err
}

func (c *Cache) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}

	return nil
}

// ProbeResult reports how Dir's filesystem was classified at Open (spec.md
// §4.1): whether it looks like a network mount and whether fsync appears
// cheap there. Informational only; it does not change read/write semantics.
func (c *Cache) ProbeResult() fsx.ProbeResult {
	return c.probe
}

// lockKey acquires the intra-process per-key stripe for key, bounded by
// OperationTimeout. Elapsing the timeout surfaces as ErrTimeout (spec.md §5).
func (c *Cache) lockKey(key string) (func(), error) {
	return c.lockFingerprint(layout.Fingerprint(key))
}

func (c *Cache) lockFingerprint(fingerprint uint64) (func(), error) {
	unlock, ok := c.locks.LockKeyTimeout(fingerprint, c.opts.OperationTimeout)
	if !ok {
		return nil, fmt.Errorf("%w: per-key lock", ErrTimeout)
	}

	return unlock, nil
}

// withWriteLock acquires the inter-process index lock, bounded by
// OperationTimeout, runs fn, then releases it. Per spec.md §4.7 this lock is
// held only across the journal append (fn), never across blob I/O, which
// happens before withWriteLock is entered.
func (c *Cache) withWriteLock(fn func() error) error {
	if err := c.locks.LockTimeout(c.opts.OperationTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	defer c.locks.Unlock()

	return fn()
}

// ioTimeout runs fn, aborting with ErrIOTimeout if it doesn't finish within
// IOTimeout. On timeout fn's goroutine is abandoned to finish or fail on its
// own; any partial temp file it leaves behind is reclaimed by the sweeper
// (spec.md §5).
func (c *Cache) ioTimeout(fn func() error) error {
	if c.opts.IOTimeout <= 0 {
		return fn()
	}

	done := make(chan error, 1)

	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(c.opts.IOTimeout):
		return ErrIOTimeout
	}
}

// checkCapacity rejects values larger than MaxValueSize outright, and, when
// the eviction policy is NONE, rejects writes that would push the cache past
// MaxBytes/MaxEntries (spec.md §3 invariants 3-4, §7 CapacityExceeded).
// Policies other than NONE instead reconcile the bound via maybeEvict after
// the write commits.
func (c *Cache) checkCapacity(key string, valueSize int64) error {
	if c.opts.MaxValueSize > 0 && valueSize > c.opts.MaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds MaxValueSize %d", ErrCapacityExceeded, valueSize, c.opts.MaxValueSize)
	}

	if c.opts.Policy != evict.None {
		return nil
	}

	prior, existed := c.idx.Lookup(key)

	curSize := int64(c.idx.Volume())
	curCount := int64(c.idx.Len())

	if existed {
		curSize -= int64(prior.Size)
	} else {
		curCount++
	}

	curSize += valueSize

	if curSize > c.opts.MaxBytes || curCount > c.opts.MaxEntries {
		return fmt.Errorf("%w: write would exceed configured bound under NONE eviction policy", ErrCapacityExceeded)
	}

	return nil
}

// Get returns key's live value, or [ErrNotFound] if absent or expired.
func (c *Cache) Get(key string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now()

	if val, _, ok := c.mem.Get(key); ok {
		if live, _ := c.idx.Lookup(key); live == nil || live.Expired(now.Unix()) {
			c.mem.Delete(key)
		} else {
			c.counters.hits.Add(1)

			return val, nil
		}
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	meta, ok := c.idx.Lookup(key)
	if !ok {
		c.counters.misses.Add(1)

		return nil, ErrNotFound
	}

	if meta.Expired(now.Unix()) {
		_ = c.removeEntryLocked(key)
		c.counters.misses.Add(1)

		return nil, ErrNotFound
	}

	loc, found, err := c.blobs.Locate(key, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if !found {
		c.counters.misses.Add(1)

		return nil, ErrNotFound
	}

	var (
		value    []byte
		readMeta *entrymeta.Meta
	)

	if err := c.ioTimeout(func() error {
		v, m, err := c.blobs.Read(loc)
		value, readMeta = v, m

		return err
	}); err != nil {
		if errors.Is(err, blobstore.ErrCorrupted) {
			_ = c.removeEntryLocked(key)

			return nil, fmt.Errorf("%w: %v", ErrCorruptedEntry, err)
		}

		if errors.Is(err, ErrIOTimeout) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	readMeta.LastAccessedAt = now.Unix()
	readMeta.AccessCount++

	if err := c.withWriteLock(func() error {
		_, err := c.idx.Touch(key, readMeta.ExpiresAt, now)

		return err
	}); err != nil {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrIOError, err)
		}

		return nil, err
	}

	c.mem.Set(key, value, readMeta)
	c.counters.hits.Add(1)

	return value, nil
}

// Set stores value under key, overwriting any existing live entry.
// Overwrites are atomic from a reader's perspective (spec.md §4.9).
func (c *Cache) Set(key string, value []byte, opts SetOptions) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	return c.setLocked(key, value, opts)
}

func (c *Cache) setLocked(key string, value []byte, opts SetOptions) error {
	now := time.Now()

	if err := c.checkCapacity(key, int64(len(value))); err != nil {
		return err
	}

	loc, _, err := c.blobs.Locate(key, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL).Unix()
	}

	prior, existed := c.idx.Lookup(key)

	createdAt := now.Unix()
	if existed {
		createdAt = prior.CreatedAt
	}

	meta := &entrymeta.Meta{
		Key:            key,
		CreatedAt:      createdAt,
		LastAccessedAt: now.Unix(),
		ExpiresAt:      expiresAt,
		Tags:           opts.Tags,
	}

	if err := c.ioTimeout(func() error {
		return c.blobs.Write(loc, value, meta)
	}); err != nil {
		if errors.Is(err, ErrIOTimeout) {
			return err
		}

		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	persisted, err := c.blobs.ReadMeta(loc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if err := c.withWriteLock(func() error {
		if err := c.idx.Put(key, persisted); err != nil {
			return err
		}

		_ = c.idx.MaybeCompact()

		return nil
	}); err != nil {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrIOError, err)
		}

		return err
	}

	c.mem.Delete(key)
	c.counters.sets.Add(1)

	c.maybeEvict()

	return nil
}

// Add stores value under key only if no live entry exists, failing with
// [ErrAlreadyPresent] otherwise. The existence check and the write happen
// under the per-key lock (spec.md §4.9).
func (c *Cache) Add(key string, value []byte, opts SetOptions) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	if meta, ok := c.idx.Lookup(key); ok && !meta.Expired(time.Now().Unix()) {
		return ErrAlreadyPresent
	}

	return c.setLocked(key, value, opts)
}

// Delete removes key's live entry, reporting whether one was present.
func (c *Cache) Delete(key string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return false, err
	}
	defer unlock()

	return c.removeEntryLocked(key)
}

// removeEntryLocked deletes key's blob/sidecar and index entry. Caller must
// hold the per-key lock.
func (c *Cache) removeEntryLocked(key string) (bool, error) {
	loc, found, err := c.blobs.Locate(key, false)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	var existed bool

	if err := c.withWriteLock(func() error {
		var err error

		existed, err = c.idx.Delete(key)
		if err != nil {
			return err
		}

		_ = c.idx.MaybeCompact()

		return nil
	}); err != nil {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrIOError, err)
		}

		return false, err
	}

	if found {
		if err := c.blobs.Delete(loc); err != nil {
			return existed, fmt.Errorf("%w: %v", ErrIOError, err)
		}
	}

	c.mem.Delete(key)

	if existed {
		c.counters.deletes.Add(1)
	}

	return existed, nil
}

// Incr adds delta to key's stored 64-bit little-endian integer value,
// creating it (treated as 0) if absent, and returns the new value.
// [ErrTypeMismatch] if an existing value isn't exactly 8 bytes.
func (c *Cache) Incr(key string, delta int64) (int64, error) {
	return c.addDelta(key, delta)
}

// Decr subtracts delta from key's stored integer value; see [Cache.Incr].
func (c *Cache) Decr(key string, delta int64) (int64, error) {
	return c.addDelta(key, -delta)
}

func (c *Cache) addDelta(key string, delta int64) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var cur int64

	loc, found, err := c.blobs.Locate(key, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if meta, ok := c.idx.Lookup(key); !ok || meta.Expired(time.Now().Unix()) {
		found = false
	}

	if found {
		var data []byte

		if err := c.ioTimeout(func() error {
			d, _, err := c.blobs.Read(loc)
			data = d

			return err
		}); err != nil {
			if errors.Is(err, ErrIOTimeout) {
				return 0, err
			}

			return 0, fmt.Errorf("%w: %v", ErrIOError, err)
		}

		if len(data) != 8 {
			return 0, ErrTypeMismatch
		}

		cur = int64(binary.LittleEndian.Uint64(data))
	}

	next := cur + delta

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))

	if err := c.setLocked(key, buf, SetOptions{}); err != nil {
		return 0, err
	}

	return next, nil
}

// Pop atomically reads and removes key's value, returning [ErrNotFound] if
// absent.
func (c *Cache) Pop(key string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	loc, found, err := c.blobs.Locate(key, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if !found {
		c.counters.misses.Add(1)

		return nil, ErrNotFound
	}

	meta, ok := c.idx.Lookup(key)
	if !ok || meta.Expired(time.Now().Unix()) {
		c.counters.misses.Add(1)

		return nil, ErrNotFound
	}

	var value []byte

	if err := c.ioTimeout(func() error {
		v, _, err := c.blobs.Read(loc)
		value = v

		return err
	}); err != nil {
		if errors.Is(err, ErrIOTimeout) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if _, err := c.removeEntryLocked(key); err != nil {
		return nil, err
	}

	return value, nil
}

// Touch updates key's expiry to expire from now, or clears it if expire is
// zero. Returns false if key has no index entry. An entry whose expiry has
// passed but which has not been removed yet is still updated, so Touch can
// make it live again.
func (c *Cache) Touch(key string, expire time.Duration) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	unlock, err := c.lockKey(key)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := time.Now()

	var expiresAt int64
	if expire > 0 {
		expiresAt = now.Add(expire).Unix()
	}

	var ok bool

	if err := c.withWriteLock(func() error {
		var err error

		ok, err = c.idx.Touch(key, expiresAt, now)
		if err != nil {
			return err
		}

		_ = c.idx.MaybeCompact()

		return nil
	}); err != nil {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrIOError, err)
		}

		return false, err
	}

	if ok {
		c.mem.Touch(key, &expiresAt)
	}

	return ok, nil
}

// Clear removes every live entry and returns the count removed.
func (c *Cache) Clear() (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	var n int

	if err := c.withWriteLock(func() error {
		var err error

		n, err = c.idx.Clear()

		return err
	}); err != nil {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrIOError, err)
		}

		return 0, err
	}

	c.mem.Clear()

	entries, err := c.fs.ReadDir(c.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}

			if len(e.Name()) != 2 {
				continue
			}

			_ = c.fs.RemoveAll(filepath.Join(c.dir, e.Name()))
		}
	}

	return n, nil
}

// Stats returns a snapshot of the cache's in-process counters.
func (c *Cache) Stats() Stats {
	return c.counters.snapshot(c.idx.Volume(), uint64(c.idx.Len()))
}

// Volume returns the current aggregate size, in bytes, of all live entries.
func (c *Cache) Volume() uint64 {
	return c.idx.Volume()
}

// ScanEntry is one live key/metadata pair returned by [Cache.Scan].
type ScanEntry struct {
	Key  string
	Meta *entrymeta.Meta
}

// Scan returns a point-in-time snapshot of live keys; order is unspecified
// (spec.md §4.9).
func (c *Cache) Scan() []ScanEntry {
	entries := c.idx.Scan()
	out := make([]ScanEntry, len(entries))

	for i, e := range entries {
		out[i] = ScanEntry{Key: e.Key, Meta: e.Meta}
	}

	return out
}

// EvictByTag removes every live entry whose tag set contains tag, as a
// single logical operation (spec.md §4.6).
func (c *Cache) EvictByTag(tag string) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	entries := c.idx.Scan()

	candidates := make([]evict.Candidate, len(entries))
	for i, e := range entries {
		candidates[i] = evict.Candidate{Key: e.Key, Fingerprint: e.Meta.Fingerprint, Meta: e.Meta}
	}

	victims := evict.EvictByTag(candidates, tag)

	for _, v := range victims {
		unlock, err := c.lockFingerprint(v.Fingerprint)
		if err != nil {
			return 0, err
		}

		_, err = c.removeEntryLocked(v.Key)
		unlock()

		if err != nil {
			return 0, err
		}
	}

	c.counters.evictions.Add(uint64(len(victims)))

	return len(victims), nil
}

// maybeEvict runs the configured eviction policy if a bound is exceeded.
// Under policy NONE, bound enforcement instead happens synchronously in
// checkCapacity before the write is committed, so there's nothing to
// reconcile here. Failure to evict is swallowed; the next write will retry.
func (c *Cache) maybeEvict() {
	if c.opts.Policy == evict.None {
		return
	}

	curSize := int64(c.idx.Volume())
	curCount := int64(c.idx.Len())

	if curSize <= c.opts.MaxBytes && curCount <= c.opts.MaxEntries {
		return
	}

	entries := c.idx.Scan()

	candidates := make([]evict.Candidate, len(entries))
	for i, e := range entries {
		candidates[i] = evict.Candidate{Key: e.Key, Fingerprint: e.Meta.Fingerprint, Meta: e.Meta}
	}

	victims := evict.SelectVictims(c.opts.Policy, candidates, curSize, c.opts.MaxBytes, curCount, c.opts.MaxEntries, c.opts.EvictionHeadroom)

	for _, v := range victims {
		unlock, err := c.lockFingerprint(v.Fingerprint)
		if err != nil {
			continue
		}

		_, _ = c.removeEntryLocked(v.Key)
		unlock()
	}

	c.counters.evictions.Add(uint64(len(victims)))
}

// ExpiredKeys implements sweep.Target.
func (c *Cache) ExpiredKeys(now time.Time, limit int) ([]string, error) {
	entries := c.idx.Scan()

	var keys []string

	for _, e := range entries {
		if e.Meta.Expired(now.Unix()) {
			keys = append(keys, e.Key)

			if limit > 0 && len(keys) >= limit {
				break
			}
		}
	}

	return keys, nil
}

// ExpireKey implements sweep.Target.
func (c *Cache) ExpireKey(key string) error {
	unlock, err := c.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = c.removeEntryLocked(key)

	return err
}

// staleTempAge is how long an orphaned atomic-write temp file must sit
// before the sweeper reclaims it (spec.md §4.8).
const staleTempAge = 10 * time.Minute

// Orphans implements sweep.Target: it walks the shard tree looking for a
// blob without its sidecar, a sidecar without its blob, and stale
// atomic-write temp files.
func (c *Cache) Orphans() ([]string, error) {
	var orphans []string

	topLevel, err := c.fs.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}

	now := time.Now()

	for _, a := range topLevel {
		if !a.IsDir() || len(a.Name()) != 2 {
			continue
		}

		aDir := filepath.Join(c.dir, a.Name())

		seconds, err := c.fs.ReadDir(aDir)
		if err != nil {
			continue
		}

		for _, b := range seconds {
			if !b.IsDir() || len(b.Name()) != 2 {
				continue
			}

			leaf := filepath.Join(aDir, b.Name())
			orphans = append(orphans, orphansInLeaf(c.fs, leaf, now)...)
		}
	}

	return orphans, nil
}

func orphansInLeaf(fs fsx.FS, leaf string, now time.Time) []string {
	entries, err := fs.ReadDir(leaf)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{ bin, meta bool })

	var orphans []string

	for _, e := range entries {
		name := e.Name()

		switch {
		case strings.HasSuffix(name, ".bin"):
			stem := strings.TrimSuffix(name, ".bin")
			s := seen[stem]
			s.bin = true
			seen[stem] = s
		case strings.HasSuffix(name, ".meta"):
			stem := strings.TrimSuffix(name, ".meta")
			s := seen[stem]
			s.meta = true
			seen[stem] = s
		case strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-"):
			info, err := e.Info()
			if err == nil && now.Sub(info.ModTime()) > staleTempAge {
				orphans = append(orphans, filepath.Join(leaf, name))
			}
		}
	}

	for stem, s := range seen {
		if s.bin && !s.meta {
			orphans = append(orphans, filepath.Join(leaf, stem+".bin"))
		}

		if s.meta && !s.bin {
			orphans = append(orphans, filepath.Join(leaf, stem+".meta"))
		}
	}

	return orphans
}

// ReclaimOrphan implements sweep.Target.
func (c *Cache) ReclaimOrphan(path string) error {
	if err := c.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// blobRescanner adapts [blobstore.Store] to [index.Rescanner] by walking
// every ".meta" sidecar in the shard tree directly, the recovery path used
// when the journal fails verification (spec.md §4.4).
type blobRescanner struct {
	blobs *blobstore.Store
	root  string
	fs    fsx.FS
}

func (r blobRescanner) Walk(fn func(key string, meta *entrymeta.Meta) error) error {
	topLevel, err := r.fs.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	for _, a := range topLevel {
		if !a.IsDir() || len(a.Name()) != 2 {
			continue
		}

		aDir := filepath.Join(r.root, a.Name())

		seconds, err := r.fs.ReadDir(aDir)
		if err != nil {
			continue
		}

		for _, b := range seconds {
			if !b.IsDir() || len(b.Name()) != 2 {
				continue
			}

			leaf := filepath.Join(aDir, b.Name())

			leafEntries, err := r.fs.ReadDir(leaf)
			if err != nil {
				continue
			}

			for _, e := range leafEntries {
				if !strings.HasSuffix(e.Name(), ".meta") {
					continue
				}

				raw, err := r.fs.ReadFile(filepath.Join(leaf, e.Name()))
				if err != nil {
					continue
				}

				meta, err := entrymeta.Decode(raw)
				if err != nil {
					continue
				}

				if err := fn(meta.Key, meta); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// compile-time check that Cache satisfies sweep.Target.
var _ sweep.Target = (*Cache)(nil)
