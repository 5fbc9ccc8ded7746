package index

import (
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/diskache/internal/entrymeta"
	"github.com/calvinalkan/diskache/internal/fsx"
)

type stubRescanner struct {
	entries map[string]*entrymeta.Meta
}

func (s stubRescanner) Walk(fn func(key string, meta *entrymeta.Meta) error) error {
	for k, m := range s.entries {
		if err := fn(k, m); err != nil {
			return err
		}
	}

	return nil
}

func Test_Put_Then_Lookup_Returns_Stored_Metadata(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	defer idx.Close()

	if err := idx.Put("k", &entrymeta.Meta{Key: "k", Size: 10}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := idx.Lookup("k")
	if !ok {
		t.Fatalf("Lookup() ok = false, want true")
	}

	if got.Size != 10 {
		t.Errorf("Lookup().Size = %d, want 10", got.Size)
	}
}

func Test_Delete_Reports_Whether_Key_Existed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	defer idx.Close()

	existed, err := idx.Delete("missing")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if existed {
		t.Errorf("Delete(missing) existed = true, want false")
	}

	if err := idx.Put("k", &entrymeta.Meta{Key: "k"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	existed, err = idx.Delete("k")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if !existed {
		t.Errorf("Delete(k) existed = false, want true")
	}

	if _, ok := idx.Lookup("k"); ok {
		t.Errorf("Lookup(k) after Delete ok = true, want false")
	}
}

func Test_Touch_Updates_Expiry_And_Returns_False_When_Absent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	defer idx.Close()

	ok, err := idx.Touch("missing", 123, time.Now())
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if ok {
		t.Errorf("Touch(missing) ok = true, want false")
	}

	if err := idx.Put("k", &entrymeta.Meta{Key: "k"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ok, err = idx.Touch("k", 999, time.Unix(500, 0))
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if !ok {
		t.Fatalf("Touch(k) ok = false, want true")
	}

	got, _ := idx.Lookup("k")
	if got.ExpiresAt != 999 {
		t.Errorf("ExpiresAt = %d, want 999", got.ExpiresAt)
	}
}

func Test_Clear_Removes_Every_Entry_And_Returns_Count(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	defer idx.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := idx.Put(k, &entrymeta.Meta{Key: k}); err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
	}

	n, err := idx.Clear()
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}

	if idx.Len() != 0 {
		t.Errorf("Len() after Clear() = %d, want 0", idx.Len())
	}
}

func Test_Open_Replays_Journal_Written_By_Prior_Open(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := idx.Put("k", &entrymeta.Meta{Key: "k", Size: 5}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() (reopen) error = %v", err)
	}

	defer reopened.Close()

	got, ok := reopened.Lookup("k")
	if !ok {
		t.Fatalf("Lookup(k) after reopen ok = false, want true")
	}

	if got.Size != 5 {
		t.Errorf("Lookup(k).Size after reopen = %d, want 5", got.Size)
	}
}

func Test_Open_Rescans_From_Blob_Tree_When_Journal_Corrupted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := fsx.NewReal()

	idx, err := Open(fs, dir, stubRescanner{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := idx.Put("k", &entrymeta.Meta{Key: "k"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Flip every byte of the active log, so its first record is full-length
	// but mangled (bad magic) rather than a short truncated tail.
	path := dir + "/index.log"

	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	for i := range data {
		data[i] ^= 0xAA
	}

	if err := fs.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rescanner := stubRescanner{entries: map[string]*entrymeta.Meta{"recovered": {Key: "recovered", Size: 1}}}

	reopened, err := Open(fs, dir, rescanner)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Open() error = %v, want ErrCorrupted", err)
	}

	if reopened == nil {
		t.Fatalf("Open() returned nil index alongside ErrCorrupted")
	}

	defer reopened.Close()

	if _, ok := reopened.Lookup("recovered"); !ok {
		t.Errorf("Lookup(recovered) after rescan ok = false, want true")
	}
}
