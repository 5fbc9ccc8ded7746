package lockmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/diskache/internal/fsx"
)

func Test_Lock_Then_Unlock_Allows_Reacquisition_By_Same_Manager(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), false)

	if err := m.Lock(); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	if err := m.Lock(); err != nil {
		t.Fatalf("second Lock() error = %v", err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("second Unlock() error = %v", err)
	}
}

func Test_TryLock_Returns_ErrBusy_When_Another_Manager_Holds_It(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	a := New(fsx.NewReal(), path, false)
	b := New(fsx.NewReal(), path, false)

	if err := a.Lock(); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}

	defer a.Unlock()

	if err := b.TryLock(); err != ErrBusy {
		t.Fatalf("b.TryLock() error = %v, want ErrBusy", err)
	}
}

func Test_Unlock_Without_Lock_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), false)

	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock() without prior Lock() error = %v, want nil", err)
	}
}

func Test_Rename_Lease_Strategy_Also_Round_Trips_Lock_Unlock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), true)

	if err := m.Lock(); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
}

func Test_LockKey_Serializes_Access_To_Same_Fingerprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), false)

	unlock := m.LockKey(42)

	done := make(chan struct{})

	go func() {
		unlock2 := m.LockKey(42)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second LockKey(42) returned before first was unlocked")
	default:
	}

	unlock()
	<-done
}

func Test_LockTimeout_Returns_ErrBusy_When_Deadline_Elapses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	a := New(fsx.NewReal(), path, false)
	b := New(fsx.NewReal(), path, false)

	if err := a.Lock(); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}

	defer a.Unlock()

	if err := b.LockTimeout(50 * time.Millisecond); err != ErrBusy {
		t.Fatalf("b.LockTimeout() error = %v, want ErrBusy", err)
	}
}

func Test_LockTimeout_Succeeds_Once_Holder_Releases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	a := New(fsx.NewReal(), path, false)
	b := New(fsx.NewReal(), path, false)

	if err := a.Lock(); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Unlock()
	}()

	if err := b.LockTimeout(2 * time.Second); err != nil {
		t.Fatalf("b.LockTimeout() error = %v, want nil", err)
	}

	_ = b.Unlock()
}

func Test_LockTimeout_On_Rename_Strategy_Returns_ErrBusy_When_Deadline_Elapses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lockfile")

	a := New(fsx.NewReal(), path, true)
	b := New(fsx.NewReal(), path, true)

	if err := a.Lock(); err != nil {
		t.Fatalf("a.Lock() error = %v", err)
	}

	defer a.Unlock()

	if err := b.LockTimeout(50 * time.Millisecond); err != ErrBusy {
		t.Fatalf("b.LockTimeout() error = %v, want ErrBusy", err)
	}
}

func Test_LockKeyTimeout_Reports_False_When_Deadline_Elapses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), false)

	unlock := m.LockKey(7)
	defer unlock()

	if _, ok := m.LockKeyTimeout(7, 50*time.Millisecond); ok {
		t.Fatal("LockKeyTimeout() ok = true, want false while stripe is held")
	}
}

func Test_LockKeyTimeout_Succeeds_When_Stripe_Is_Free(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(fsx.NewReal(), filepath.Join(dir, "lockfile"), false)

	unlock, ok := m.LockKeyTimeout(9, time.Second)
	if !ok {
		t.Fatal("LockKeyTimeout() ok = false, want true on a free stripe")
	}

	unlock()
}
