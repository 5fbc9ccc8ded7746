package diskache

import "errors"

// Error classification sentinels.
//
// Implementations wrap these with additional context via fmt.Errorf's %w.
// Callers MUST classify errors using errors.Is, never string matching.
var (
	// ErrNotFound indicates the requested key has no live entry.
	ErrNotFound = errors.New("diskache: not found")

	// ErrAlreadyPresent is returned by Add when the key already has a
	// live entry.
	ErrAlreadyPresent = errors.New("diskache: already present")

	// ErrTypeMismatch is returned by Incr/Decr when the stored value is
	// not a valid integer encoding.
	ErrTypeMismatch = errors.New("diskache: value is not an integer")

	// ErrTimeout indicates a lock could not be acquired within the
	// configured or requested deadline.
	ErrTimeout = errors.New("diskache: timeout acquiring lock")

	// ErrCorruptedEntry indicates a blob or its metadata sidecar failed
	// checksum verification; the entry was evicted as unrecoverable.
	ErrCorruptedEntry = errors.New("diskache: corrupted entry")

	// ErrCorruptedIndex indicates the on-disk journal failed checksum
	// verification at open; the index has already been rebuilt from the
	// blob tree by the time this error is returned.
	ErrCorruptedIndex = errors.New("diskache: corrupted index, rebuilt from blob tree")

	// ErrCapacityExceeded is returned when a value is larger than
	// MaxValueSize (under any eviction policy), or when a write would
	// exceed MaxBytes/MaxEntries and the eviction policy is NONE.
	ErrCapacityExceeded = errors.New("diskache: capacity exceeded")

	// ErrMigrationFailed indicates a legacy cache.db import did not
	// complete; the source file is left untouched.
	ErrMigrationFailed = errors.New("diskache: legacy migration failed")

	// ErrIOTimeout indicates a blob read or write exceeded its configured
	// per-operation budget (IOTimeout). Any partial temp file is left for
	// the sweeper rather than cleaned up synchronously.
	ErrIOTimeout = errors.New("diskache: io operation deadline exceeded")

	// ErrIOError wraps an underlying filesystem failure that isn't one
	// of the more specific categories above.
	ErrIOError = errors.New("diskache: io error")

	// ErrClosed is returned by any operation on a Cache after Close.
	ErrClosed = errors.New("diskache: closed")
)
