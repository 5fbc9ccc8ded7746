// Package lockmgr coordinates the two locking tiers spec.md §4.7 requires:
// a single inter-process write lock guarding the index/journal, and
// per-key striped locks that keep concurrent Set/Incr/Decr/Pop calls for
// distinct keys from blocking each other within one process.
package lockmgr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calvinalkan/diskache/internal/fsx"
)

// ErrBusy is returned by TryLock when another process holds the write lock.
var ErrBusy = errors.New("lockmgr: write lock busy")

// keyShards is the number of stripes the per-key lock is split across. A
// fixed count keeps memory bounded regardless of how many distinct keys a
// cache has seen, at the cost of rare unrelated-key contention.
const keyShards = 256

// Manager owns the inter-process write lock for one cache directory plus an
// in-process striped lock for per-key critical sections.
type Manager struct {
	useRename bool

	flock  *fsx.Locker
	rename *fsx.RenameLocker

	lockPath string

	keyLocks [keyShards]sync.Mutex

	mu      sync.Mutex
	current *held
}

type held struct {
	plain *fsx.Lock
	lease *fsx.RenameLease
}

// New builds a Manager for the given lock file path. useRenameFallback
// should be true when the probe (spec.md §4.1) classified the directory as
// a network filesystem where flock semantics are unreliable; the manager
// then uses the rename-based lease lock instead of flock(2).
func New(fs fsx.FS, lockPath string, useRenameFallback bool) *Manager {
	return &Manager{
		useRename: useRenameFallback,
		flock:     fsx.NewLocker(fs),
		rename:    fsx.NewRenameLocker(fs),
		lockPath:  lockPath,
	}
}

// Lock acquires the inter-process write lock. With flock it blocks until
// the lock is acquired; with the rename-lease strategy it retries for at
// most 5 seconds and then returns ErrBusy.
func (m *Manager) Lock() error {
	if m.useRename {
		return m.lockRename(0)
	}

	l, err := m.flock.Lock(m.lockPath)
	if err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	m.setHeld(&held{plain: l})

	return nil
}

// TryLock attempts to acquire the inter-process write lock without blocking,
// returning ErrBusy if another process holds it.
func (m *Manager) TryLock() error {
	if m.useRename {
		return m.lockRename(1)
	}

	l, err := m.flock.TryLock(m.lockPath)
	if err != nil {
		if errors.Is(err, fsx.ErrWouldBlock) {
			return ErrBusy
		}

		return fmt.Errorf("try acquire write lock: %w", err)
	}

	m.setHeld(&held{plain: l})

	return nil
}

// LockTimeout acquires the inter-process write lock, retrying with backoff
// until timeout elapses. Returns ErrBusy if the deadline passes with the
// lock still held elsewhere. timeout <= 0 behaves exactly like Lock
// (spec.md §5's default 30s budget is applied by the caller).
func (m *Manager) LockTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return m.Lock()
	}

	if m.useRename {
		return m.lockRenameDeadline(time.Now().Add(timeout))
	}

	l, err := m.flock.LockWithTimeout(m.lockPath, timeout)
	if err != nil {
		if errors.Is(err, fsx.ErrWouldBlock) {
			return ErrBusy
		}

		return fmt.Errorf("acquire write lock: %w", err)
	}

	m.setHeld(&held{plain: l})

	return nil
}

// leaseTTL is how long a rename-based lease is valid before another holder
// may steal it; renewed implicitly on every Unlock/Lock cycle.
const leaseTTL = 30 * time.Second

func (m *Manager) lockRename(attempts int) error {
	if attempts == 1 {
		lease, err := m.rename.Acquire(m.lockPath, leaseTTL)
		if err == nil {
			m.setHeld(&held{lease: lease})

			return nil
		}

		if errors.Is(err, fsx.ErrWouldBlock) {
			return ErrBusy
		}

		return fmt.Errorf("acquire lease lock: %w", err)
	}

	return m.lockRenameDeadline(time.Now().Add(5 * time.Second))
}

// lockRenameDeadline retries acquiring the rename-lease lock with backoff
// until deadline, returning ErrBusy if it's never acquired in time.
func (m *Manager) lockRenameDeadline(deadline time.Time) error {
	backoff := time.Millisecond

	for {
		lease, err := m.rename.Acquire(m.lockPath, leaseTTL)
		if err == nil {
			m.setHeld(&held{lease: lease})

			return nil
		}

		if !errors.Is(err, fsx.ErrWouldBlock) {
			return fmt.Errorf("acquire lease lock: %w", err)
		}

		if time.Now().After(deadline) {
			return ErrBusy
		}

		time.Sleep(backoff)

		if backoff < 25*time.Millisecond {
			backoff *= 2
		}
	}
}

func (m *Manager) setHeld(h *held) {
	m.mu.Lock()
	m.current = h
	m.mu.Unlock()
}

// Unlock releases the inter-process write lock. Safe to call when nothing
// is held.
func (m *Manager) Unlock() error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}

	if h.plain != nil {
		return h.plain.Close()
	}

	if h.lease != nil {
		return h.lease.Close()
	}

	return nil
}

// keyShard picks a deterministic stripe for fingerprint, so concurrent
// operations on the same key always contend on the same mutex while
// different keys usually don't (spec.md §4.7).
func (m *Manager) keyShard(fingerprint uint64) *sync.Mutex {
	return &m.keyLocks[fingerprint%keyShards]
}

// LockKey acquires the in-process stripe guarding fingerprint, returning an
// unlock function. Used to serialize read-modify-write operations (Incr,
// Decr, Add, Pop) against other operations on the same key within this
// process. Cross-process exclusion comes only from the inter-process write
// lock, which the cache holds around each journal append rather than around
// the whole operation, so a read-modify-write is not exclusive across
// processes.
func (m *Manager) LockKey(fingerprint uint64) func() {
	shard := m.keyShard(fingerprint)
	shard.Lock()

	return shard.Unlock
}

// LockKeyTimeout is LockKey bounded by timeout, retrying with backoff. It
// reports false if the stripe is still held by another goroutine once
// timeout elapses. timeout <= 0 behaves like LockKey and always succeeds.
func (m *Manager) LockKeyTimeout(fingerprint uint64, timeout time.Duration) (unlock func(), ok bool) {
	shard := m.keyShard(fingerprint)

	if timeout <= 0 {
		shard.Lock()

		return shard.Unlock, true
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		if shard.TryLock() {
			return shard.Unlock, true
		}

		if time.Now().After(deadline) {
			return nil, false
		}

		time.Sleep(backoff)

		if backoff < 25*time.Millisecond {
			backoff *= 2
		}
	}
}
