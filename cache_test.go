package diskache

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/diskache/internal/evict"
	"github.com/calvinalkan/diskache/internal/fsx"
)

func openTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()

	opts.Dir = t.TempDir()
	opts.FS = fsx.NewReal()

	c, err := Open(opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_Get_Returns_ErrNotFound_For_Missing_Key(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func Test_Set_Then_Get_Returns_Stored_Value(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if string(got) != "v" {
		t.Errorf("Get() = %q, want %q", got, "v")
	}
}

func Test_Set_Then_Get_Serves_From_Memory_Tier_On_Second_Read(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := c.Get("k"); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}

	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}

	if string(got) != "v" {
		t.Errorf("second Get() = %q, want %q", got, "v")
	}
}

func Test_Get_Expires_Entry_Past_TTL(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("v"), SetOptions{TTL: time.Nanosecond}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := c.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after TTL expiry error = %v, want ErrNotFound", err)
	}
}

func Test_Add_Fails_With_ErrAlreadyPresent_When_Key_Live(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Add("k", []byte("v1"), SetOptions{}); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}

	if err := c.Add("k", []byte("v2"), SetOptions{}); !errors.Is(err, ErrAlreadyPresent) {
		t.Fatalf("second Add() error = %v, want ErrAlreadyPresent", err)
	}

	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if string(got) != "v1" {
		t.Errorf("Get() = %q, want %q (second Add must not overwrite)", got, "v1")
	}
}

func Test_Add_Succeeds_When_Prior_Entry_Expired(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Add("k", []byte("v1"), SetOptions{TTL: time.Nanosecond}); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if err := c.Add("k", []byte("v2"), SetOptions{}); err != nil {
		t.Fatalf("second Add() error = %v, want nil (prior entry expired)", err)
	}
}

func Test_Delete_Reports_Whether_Key_Was_Present(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	existed, err := c.Delete("missing")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if existed {
		t.Error("Delete(missing) existed = true, want false")
	}

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	existed, err = c.Delete("k")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if !existed {
		t.Error("Delete(k) existed = false, want true")
	}

	if _, err := c.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(k) after Delete() error = %v, want ErrNotFound", err)
	}
}

func Test_Incr_Starts_From_Zero_When_Key_Absent(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	got, err := c.Incr("counter", 5)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	if got != 5 {
		t.Errorf("Incr() = %d, want 5", got)
	}
}

func Test_Incr_Then_Decr_Accumulates_Correctly(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if _, err := c.Incr("counter", 10); err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	got, err := c.Decr("counter", 3)
	if err != nil {
		t.Fatalf("Decr() error = %v", err)
	}

	if got != 7 {
		t.Errorf("Decr() = %d, want 7", got)
	}
}

func Test_Incr_Fails_With_ErrTypeMismatch_On_NonInteger_Value(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("not an int64"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := c.Incr("k", 1); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Incr() error = %v, want ErrTypeMismatch", err)
	}
}

func Test_Pop_Returns_Value_And_Removes_Entry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Pop("k")
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	if string(got) != "v" {
		t.Errorf("Pop() = %q, want %q", got, "v")
	}

	if _, err := c.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(k) after Pop() error = %v, want ErrNotFound", err)
	}
}

func Test_Pop_Returns_ErrNotFound_When_Key_Absent(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if _, err := c.Pop("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Pop() error = %v, want ErrNotFound", err)
	}
}

func Test_Touch_Refreshes_Expiry_And_Reports_Presence(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	ok, err := c.Touch("missing", time.Minute)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if ok {
		t.Error("Touch(missing) = true, want false")
	}

	if err := c.Set("k", []byte("v"), SetOptions{TTL: time.Nanosecond}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	ok, err = c.Touch("k", time.Hour)
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if !ok {
		t.Fatalf("Touch(k) = false, want true")
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := c.Get("k"); err != nil {
		t.Fatalf("Get() after Touch extended expiry error = %v, want nil", err)
	}
}

func Test_Clear_Removes_Every_Live_Entry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(k, []byte("v"), SetOptions{}); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	n, err := c.Clear()
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.Get(k); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) after Clear() error = %v, want ErrNotFound", k, err)
		}
	}
}

func Test_Scan_Returns_Every_Live_Key(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		if err := c.Set(k, []byte("v"), SetOptions{}); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	got := c.Scan()
	if len(got) != len(want) {
		t.Fatalf("Scan() returned %d entries, want %d", len(got), len(want))
	}

	for _, e := range got {
		if !want[e.Key] {
			t.Errorf("Scan() returned unexpected key %q", e.Key)
		}
	}
}

func Test_EvictByTag_Removes_Only_Tagged_Entries(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("a", []byte("v"), SetOptions{Tags: []string{"evict-me"}}); err != nil {
		t.Fatalf("Set(a) error = %v", err)
	}

	if err := c.Set("b", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set(b) error = %v", err)
	}

	n, err := c.EvictByTag("evict-me")
	if err != nil {
		t.Fatalf("EvictByTag() error = %v", err)
	}

	if n != 1 {
		t.Errorf("EvictByTag() = %d, want 1", n)
	}

	if _, err := c.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(a) after EvictByTag() error = %v, want ErrNotFound", err)
	}

	if _, err := c.Get("b"); err != nil {
		t.Errorf("Get(b) after EvictByTag() error = %v, want nil", err)
	}
}

func Test_Stats_Tracks_Hits_Misses_Sets_Deletes(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := c.Get("k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := c.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	stats := c.Stats()
	if stats.Sets != 1 {
		t.Errorf("Stats().Sets = %d, want 1", stats.Sets)
	}

	if stats.Hits != 1 {
		t.Errorf("Stats().Hits = %d, want 1", stats.Hits)
	}

	if stats.Misses != 1 {
		t.Errorf("Stats().Misses = %d, want 1", stats.Misses)
	}

	if stats.Deletes != 1 {
		t.Errorf("Stats().Deletes = %d, want 1", stats.Deletes)
	}
}

func Test_Operations_Fail_With_ErrClosed_After_Close(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := c.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close() error = %v, want ErrClosed", err)
	}

	if err := c.Set("k", []byte("v"), SetOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Set() after Close() error = %v, want ErrClosed", err)
	}
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	if err := c.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v, want nil", err)
	}
}

func Test_Open_Recovers_State_Across_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	c, err := Open(Options{Dir: dir, FS: fs})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := c.Set("k", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(Options{Dir: dir, FS: fs})
	if err != nil {
		t.Fatalf("Open() (reopen) error = %v", err)
	}

	defer reopened.Close()

	got, err := reopened.Get("k")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}

	if string(got) != "v" {
		t.Errorf("Get() after reopen = %q, want %q", got, "v")
	}
}

func Test_MaybeEvict_Enforces_MaxEntries_Bound(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{MaxEntries: 2, MaxBytes: 1 << 20, EvictionHeadroom: 0.01})

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(k, []byte("v"), SetOptions{}); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	if got := c.Stats().Count; got > 2 {
		t.Errorf("Stats().Count = %d, want <= 2 after eviction", got)
	}
}

func Test_Open_ShardCount_Greater_Than_One_Rejects_Plain_Open(t *testing.T) {
	t.Parallel()

	_, err := Open(Options{Dir: t.TempDir(), FS: fsx.NewReal(), ShardCount: 2})
	if err == nil {
		t.Fatal("Open() with ShardCount > 1 error = nil, want non-nil (use OpenFanout)")
	}
}

// Test_Incr_Is_Linearizable_Under_Concurrent_Goroutines exercises the
// mandatory concurrency property: N goroutines each incrementing the same
// key many times must never lose an update, across both the per-key stripe
// and the inter-process journal lock.
func Test_Incr_Is_Linearizable_Under_Concurrent_Goroutines(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0)

	if err := c.Set("counter", buf, SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup

	for range goroutines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perGoroutine {
				if _, err := c.Incr("counter", 1); err != nil {
					t.Errorf("Incr() error = %v", err)

					return
				}
			}
		}()
	}

	wg.Wait()

	got, err := c.Get("counter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	want := int64(goroutines * perGoroutine)
	if n := int64(binary.LittleEndian.Uint64(got)); n != want {
		t.Errorf("final counter = %d, want %d", n, want)
	}
}

func Test_Set_Fails_With_ErrCapacityExceeded_When_Value_Exceeds_MaxValueSize(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{MaxValueSize: 4})

	err := c.Set("k", []byte("too big"), SetOptions{})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Set() error = %v, want ErrCapacityExceeded", err)
	}
}

func Test_Set_Fails_With_ErrCapacityExceeded_When_NoEviction_Policy_Would_Cross_MaxEntries(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{Policy: evict.None, MaxEntries: 1, MaxBytes: 1 << 20})

	if err := c.Set("a", []byte("v"), SetOptions{}); err != nil {
		t.Fatalf("Set(a) error = %v", err)
	}

	if err := c.Set("b", []byte("v"), SetOptions{}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Set(b) error = %v, want ErrCapacityExceeded", err)
	}

	// Overwriting the existing key never crosses the bound.
	if err := c.Set("a", []byte("v2"), SetOptions{}); err != nil {
		t.Fatalf("Set(a) overwrite error = %v, want nil", err)
	}
}

func Test_ProbeResult_Reports_Filesystem_Classification(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, Options{})

	// openTestCache points Dir at a local temp directory, so the probe
	// should never classify it as a network mount.
	if c.ProbeResult().IsNetwork {
		t.Error("ProbeResult().IsNetwork = true, want false for a local temp dir")
	}
}
