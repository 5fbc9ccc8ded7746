// Package index implements the persistent key -> metadata mapping
// described in spec.md §4.4: an in-memory hash map backed by a replayable
// append-only journal, independently rebuildable from the blob store's
// ".meta" sidecars alone.
package index

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calvinalkan/diskache/internal/entrymeta"
	"github.com/calvinalkan/diskache/internal/fsx"
)

// ErrCorrupted indicates journal verification failed during open; the
// caller (the root Cache) surfaces this as CorruptedIndex and should have
// already triggered a rescan by the time Open returns successfully.
var ErrCorrupted = errors.New("index: corrupted")

// Rescanner rebuilds the in-memory index from the blob tree; [Open] uses it
// when the journal fails verification. It is implemented over the blob store
// in the root package to avoid this package depending on blobstore's on-disk
// layout directly.
type Rescanner interface {
	// Walk calls fn once for every live (key, meta) pair found by scanning
	// the shard tree's ".meta" sidecars directly.
	Walk(fn func(key string, meta *entrymeta.Meta) error) error
}

// Index is the in-memory map plus on-disk journal for one cache directory.
type Index struct {
	journal *Journal

	mu      sync.RWMutex
	entries map[string]*entrymeta.Meta
}

// Open loads (or creates) the index at dir: it reads "index.snapshot" if
// present, replays the journal segments in sequence order, and returns the
// resulting Index. If any segment fails checksum verification, Open runs a
// full rescan via r and returns ErrCorrupted wrapped in the returned error
// so the caller knows a rescan already happened (spec.md §4.4, §7). If the
// rescan itself fails, Open returns a nil Index with an error that also
// wraps ErrCorrupted.
func Open(fs fsx.FS, dir string, r Rescanner) (*Index, error) {
	j, err := OpenJournal(fs, dir)
	if err != nil {
		return nil, err
	}

	idx := &Index{journal: j, entries: make(map[string]*entrymeta.Meta)}

	corrupted, err := idx.replay(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("replay index: %w", err)
	}

	if corrupted {
		if err := idx.Rescan(r); err != nil {
			return nil, fmt.Errorf("%w: rescan after corrupt journal: %v", ErrCorrupted, err)
		}

		return idx, fmt.Errorf("%w: journal failed verification, rescanned from blob tree", ErrCorrupted)
	}

	return idx, nil
}

func (idx *Index) replay(fs fsx.FS, dir string) (corrupted bool, err error) {
	var maxSeq uint64

	snap, ok, err := ReadSnapshot(fs, dir)
	if err != nil {
		return false, err
	}

	if ok {
		records, decErr := DecodeAll(snap)
		if decErr != nil {
			return true, nil //nolint:nilerr // caller rescans instead of failing open
		}

		for _, rec := range records {
			idx.applyLocked(rec)

			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
	}

	segments, err := idx.journal.Segments()
	if err != nil {
		return false, err
	}

	for _, path := range segments {
		data, readErr := fs.ReadFile(path)
		if readErr != nil {
			continue // segment may not exist yet (fresh index)
		}

		records, decErr := DecodeAll(data)
		if decErr != nil {
			return true, nil //nolint:nilerr
		}

		for _, rec := range records {
			idx.applyLocked(rec)

			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
	}

	idx.journal.SetSeq(maxSeq)

	return false, nil
}

func (idx *Index) applyLocked(rec *Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch rec.Op {
	case OpPut:
		idx.entries[rec.Key] = rec.Meta
	case OpDel:
		delete(idx.entries, rec.Key)
	case OpTouch:
		if existing, ok := idx.entries[rec.Key]; ok && rec.Meta != nil {
			existing.ExpiresAt = rec.Meta.ExpiresAt
			existing.LastAccessedAt = rec.Meta.LastAccessedAt
		}
	case OpClear:
		idx.entries = make(map[string]*entrymeta.Meta)
	}
}

// Close releases the journal's file handle.
func (idx *Index) Close() error {
	return idx.journal.Close()
}

// Lookup returns a copy of the metadata for key, or (nil, false) if absent.
// O(1); safe for concurrent readers (spec.md §4.4).
func (idx *Index) Lookup(key string) (*entrymeta.Meta, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	m, ok := idx.entries[key]
	if !ok {
		return nil, false
	}

	return entrymeta.Clone(m), true
}

// Put appends a PUT record and installs meta as key's current metadata.
func (idx *Index) Put(key string, meta *entrymeta.Meta) error {
	rec := &Record{Op: OpPut, Seq: idx.journal.NextSeq(), Key: key, Meta: meta}

	if err := idx.journal.Append(rec); err != nil {
		return fmt.Errorf("append put: %w", err)
	}

	idx.applyLocked(rec)

	return nil
}

// Delete appends a DEL record and removes key, returning whether it had
// been present.
func (idx *Index) Delete(key string) (bool, error) {
	idx.mu.RLock()
	_, existed := idx.entries[key]
	idx.mu.RUnlock()

	if !existed {
		return false, nil
	}

	rec := &Record{Op: OpDel, Seq: idx.journal.NextSeq(), Key: key}

	if err := idx.journal.Append(rec); err != nil {
		return false, fmt.Errorf("append delete: %w", err)
	}

	idx.applyLocked(rec)

	return true, nil
}

// Touch appends a TOUCH record updating key's expiry (and bumping its
// access timestamp), returning whether the key was present.
func (idx *Index) Touch(key string, expiresAt int64, now time.Time) (bool, error) {
	idx.mu.RLock()
	_, existed := idx.entries[key]
	idx.mu.RUnlock()

	if !existed {
		return false, nil
	}

	rec := &Record{
		Op:  OpTouch,
		Seq: idx.journal.NextSeq(),
		Key: key,
		Meta: &entrymeta.Meta{
			ExpiresAt:      expiresAt,
			LastAccessedAt: now.Unix(),
		},
	}

	if err := idx.journal.Append(rec); err != nil {
		return false, fmt.Errorf("append touch: %w", err)
	}

	idx.applyLocked(rec)

	return true, nil
}

// Clear appends a CLEAR record, drops every entry, and returns the count
// removed (spec.md §4.9).
func (idx *Index) Clear() (int, error) {
	idx.mu.RLock()
	n := len(idx.entries)
	idx.mu.RUnlock()

	rec := &Record{Op: OpClear, Seq: idx.journal.NextSeq()}

	if err := idx.journal.Append(rec); err != nil {
		return 0, fmt.Errorf("append clear: %w", err)
	}

	idx.applyLocked(rec)

	return n, nil
}

// Scan returns a point-in-time snapshot of all live (key, meta) pairs.
// Order is unspecified (spec.md §4.9).
func (idx *Index) Scan() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Entry, 0, len(idx.entries))
	for k, m := range idx.entries {
		out = append(out, Entry{Key: k, Meta: entrymeta.Clone(m)})
	}

	return out
}

// Entry pairs a key with its metadata for [Index.Scan] results.
type Entry struct {
	Key  string
	Meta *entrymeta.Meta
}

// Len returns the current live entry count.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.entries)
}

// Volume returns the sum of Size over all live entries.
func (idx *Index) Volume() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total uint64
	for _, m := range idx.entries {
		total += m.Size
	}

	return total
}

// Rescan rebuilds the in-memory map from the blob tree via r, replacing the
// current map, then compacts the result into a fresh snapshot with rotated
// segments removed (spec.md §4.4).
func (idx *Index) Rescan(r Rescanner) error {
	fresh := make(map[string]*entrymeta.Meta)

	err := r.Walk(func(key string, meta *entrymeta.Meta) error {
		fresh[key] = meta

		return nil
	})
	if err != nil {
		return fmt.Errorf("walk blob tree: %w", err)
	}

	idx.mu.Lock()
	idx.entries = fresh
	idx.mu.Unlock()

	return idx.snapshotLocked()
}

// snapshotLocked encodes the current map as PUT records and asks the
// journal to compact them into "index.snapshot", discarding rotated
// segments (their content is now represented in the snapshot).
func (idx *Index) snapshotLocked() error {
	idx.mu.RLock()
	records := make([][]byte, 0, len(idx.entries))
	seq := idx.journal.NextSeq()

	for k, m := range idx.entries {
		buf, err := Encode(&Record{Op: OpPut, Seq: seq, Key: k, Meta: m})
		if err != nil {
			idx.mu.RUnlock()

			return fmt.Errorf("encode snapshot record: %w", err)
		}

		records = append(records, buf)
	}

	idx.mu.RUnlock()

	return idx.journal.Compact(records)
}

// MaybeCompact compacts rotated segments into a fresh snapshot once more
// than MaxRotations have accumulated (spec.md §4.4).
func (idx *Index) MaybeCompact() error {
	need, err := idx.journal.NeedsCompaction()
	if err != nil {
		return err
	}

	if !need {
		return nil
	}

	return idx.snapshotLocked()
}
