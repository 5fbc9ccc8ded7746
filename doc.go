// Package diskache provides a persistent key-value cache engine built for
// local disks and weakly-consistent network filesystems alike (cloud-synced
// drives, SMB, NFS).
//
// Unlike a conventional embedded cache, diskache never keeps its live state
// in a single transactional database file: on a network mount, such files
// are prone to silent corruption from partial writes, stale client caches,
// and non-atomic renames. Instead every entry is its own blob file plus a
// small metadata sidecar, and the key index is an append-only journal that
// can always be rebuilt by rescanning the blob tree.
//
// # Basic usage
//
//	c, err := diskache.Open(diskache.Options{
//	    Dir:      "/var/cache/myapp",
//	    MaxBytes: 512 * 1024 * 1024,
//	    Policy:   diskache.LRU,
//	})
//	if err != nil {
//	    // handle ErrCorruptedIndex by continuing - the index was already
//	    // rebuilt from the blob tree - or fail hard on anything else.
//	}
//	defer c.Close()
//
//	c.Set("session:42", payload, diskache.SetOptions{TTL: time.Hour})
//	value, err := c.Get("session:42")
//
// # Concurrency
//
// A Cache is safe for concurrent use by multiple goroutines within one
// process, and by multiple processes sharing the same directory: every
// journal append serializes through a single inter-process lock, held only
// for that append. A read served from disk appends a TOUCH record and so
// takes the lock briefly; a read served from the memory tier does not. See
// [Options] for tuning the lock strategy used on network mounts.
//
// # Error handling
//
// Errors fall into two categories: data-loss errors ([ErrCorruptedEntry],
// [ErrCorruptedIndex]) where diskache has already self-healed by discarding
// the unrecoverable part, and operational errors ([ErrNotFound], [ErrTimeout],
// [ErrCapacityExceeded]) that reflect ordinary cache semantics. Callers
// should classify with errors.Is, not string matching.
package diskache
