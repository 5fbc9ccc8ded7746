// Package sweep implements the background expiration sweeper described in
// spec.md §4.8: a ticker-driven pass that removes entries past their TTL and
// reclaims on-disk orphans (a blob without its sidecar, a sidecar without
// its blob, or a leftover atomic-write temp file).
package sweep

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is how often the sweeper runs when none is configured
// (spec.md §4.8).
const DefaultInterval = 60 * time.Second

// DefaultWorkers bounds how many orphan-reclaim/expire operations run
// concurrently per sweep pass.
const DefaultWorkers = 4

// Target is implemented by the root Cache; the sweeper only ever drives it
// through this seam so the package stays independently testable.
type Target interface {
	// ExpiredKeys returns the keys whose entry has passed its expiry as of
	// now, up to limit entries (0 means no limit).
	ExpiredKeys(now time.Time, limit int) ([]string, error)
	// ExpireKey removes one expired key's blob, sidecar, and index entry.
	ExpireKey(key string) error
	// Orphans returns on-disk artifacts with no matching live index entry:
	// stray blobs, stray sidecars, and stale atomic-write temp files.
	Orphans() ([]string, error)
	// ReclaimOrphan removes one orphan path.
	ReclaimOrphan(path string) error
}

// Sweeper periodically expires stale entries and reclaims orphaned files
// for one cache directory.
type Sweeper struct {
	target   Target
	interval time.Duration
	workers  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastErr error
}

// New creates a Sweeper over target. A zero interval or workers count falls
// back to the spec.md §4.8 defaults.
func New(target Target, interval time.Duration, workers int) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Sweeper{target: target, interval: interval, workers: workers}
}

// Start launches the background sweep loop. Calling Start on an already
// running Sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
}

// Stop halts the background loop and waits for the in-flight pass, if any,
// to finish. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()

		return
	}

	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnce performs a single expire-then-reclaim pass synchronously, for
// tests and for explicit on-demand sweeps.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.runOnce(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *Sweeper) runOnce(ctx context.Context) {
	err := s.expirePass(ctx)
	if err == nil {
		err = s.orphanPass(ctx)
	}

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Sweeper) expirePass(ctx context.Context) error {
	keys, err := s.target.ExpiredKeys(time.Now(), 0)
	if err != nil {
		return err
	}

	return s.fanOut(ctx, keys, func(key string) error {
		return s.target.ExpireKey(key)
	})
}

func (s *Sweeper) orphanPass(ctx context.Context) error {
	orphans, err := s.target.Orphans()
	if err != nil {
		return err
	}

	return s.fanOut(ctx, orphans, func(path string) error {
		return s.target.ReclaimOrphan(path)
	})
}

// fanOut runs fn over items using a bounded worker pool, matching the
// stdlib sync.WaitGroup pattern used elsewhere in this codebase for
// parallel per-item work. The first error encountered is returned after
// all workers have drained; one item's failure never blocks the rest.
func (s *Sweeper) fanOut(ctx context.Context, items []string, fn func(string) error) error {
	if len(items) == 0 {
		return nil
	}

	work := make(chan string)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i := 0; i < s.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for item := range work {
				if err := fn(item); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break feed
		case work <- item:
		}
	}

	close(work)
	wg.Wait()

	return firstErr
}

// LastError returns the error from the most recent sweep pass, if any.
func (s *Sweeper) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}
