package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/calvinalkan/diskache/internal/fsx"
)

const (
	// DefaultRotateThreshold is the default size (bytes) at which the
	// active log is rotated into a numbered segment (spec.md §4.4).
	DefaultRotateThreshold = 8 * 1024 * 1024

	// DefaultMaxRotations is the default number of rotated segments kept
	// before they are compacted into a snapshot (spec.md §4.4).
	DefaultMaxRotations = 4

	logFileName      = "index.log"
	snapshotFileName = "index.snapshot"
	journalPerm      = 0o640
)

// Journal is the append-only log described in spec.md §4.4: PUT/DEL/TOUCH/
// CLEAR records written to "index.log", rotated into "index.log.N" once the
// active segment crosses RotateThreshold, and compacted into
// "index.snapshot" once more than MaxRotations segments have accumulated.
type Journal struct {
	fs  fsx.FS
	dir string

	RotateThreshold int64
	MaxRotations    int

	mu   sync.Mutex
	file fsx.File
	size int64
	seq  uint64
}

// OpenJournal opens (creating if necessary) the active log segment in dir
// for appending. Callers must replay existing segments (see [Index.Open])
// to establish the next sequence number before appending new records.
func OpenJournal(fs fsx.FS, dir string) (*Journal, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir index dir: %w", err)
	}

	f, err := fs.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, journalPerm)
	if err != nil {
		return nil, fmt.Errorf("open index.log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat index.log: %w", err)
	}

	return &Journal{
		fs:              fs,
		dir:             dir,
		RotateThreshold: DefaultRotateThreshold,
		MaxRotations:    DefaultMaxRotations,
		file:            f,
		size:            info.Size(),
	}, nil
}

// Close closes the active log segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.file.Close()
}

// NextSeq returns the next monotonic sequence number and reserves it.
func (j *Journal) NextSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++

	return j.seq
}

// SetSeq establishes the journal's sequence counter, used after [Open]'s
// replay determines the highest sequence number already on disk.
func (j *Journal) SetSeq(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq = seq
}

// Append writes rec to the active segment and fsyncs it, then rotates the
// segment if it has grown past RotateThreshold. Callers must hold the
// index's inter-process write lock while calling Append (spec.md §4.7).
func (j *Journal) Append(rec *Record) error {
	buf, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.file.Write(buf)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	j.size += int64(n)

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	if j.size >= j.RotateThreshold {
		if err := j.rotateLocked(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	return nil
}

// rotateLocked renames the active segment to the next free "index.log.N"
// and opens a fresh active segment. Caller must hold j.mu.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close active segment: %w", err)
	}

	rotations, err := j.listRotationsLocked()
	if err != nil {
		return err
	}

	next := 1
	if len(rotations) > 0 {
		next = rotations[len(rotations)-1] + 1
	}

	activePath := filepath.Join(j.dir, logFileName)
	rotatedPath := filepath.Join(j.dir, fmt.Sprintf("%s.%d", logFileName, next))

	if err := j.fs.Rename(activePath, rotatedPath); err != nil {
		return fmt.Errorf("rename to %q: %w", rotatedPath, err)
	}

	f, err := j.fs.OpenFile(activePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, journalPerm)
	if err != nil {
		return fmt.Errorf("reopen active segment: %w", err)
	}

	j.file = f
	j.size = 0

	return nil
}

// listRotationsLocked returns the rotation numbers present in dir, sorted
// ascending. Caller must hold j.mu (or call before concurrent access starts).
func (j *Journal) listRotationsLocked() ([]int, error) {
	entries, err := j.fs.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}

	var nums []int

	prefix := logFileName + "."

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}

		nums = append(nums, n)
	}

	sort.Ints(nums)

	return nums, nil
}

// ListRotations returns the rotation segment numbers present in dir, sorted
// ascending.
func (j *Journal) ListRotations() ([]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.listRotationsLocked()
}

// NeedsCompaction reports whether the number of rotated segments exceeds
// MaxRotations (spec.md §4.4).
func (j *Journal) NeedsCompaction() (bool, error) {
	rotations, err := j.ListRotations()
	if err != nil {
		return false, err
	}

	return len(rotations) > j.MaxRotations, nil
}

// Compact writes snapshot (the current in-memory state, already encoded as
// PUT records by the caller) to "index.snapshot" atomically, then removes
// every rotated segment (they are now represented in the snapshot).
func (j *Journal) Compact(snapshotRecords [][]byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var body []byte
	for _, r := range snapshotRecords {
		body = append(body, r...)
	}

	writer := fsx.NewAtomicWriter(j.fs, true)

	opts := writer.DefaultOptions()
	opts.Perm = journalPerm

	if err := writer.Write(filepath.Join(j.dir, snapshotFileName), body, opts); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	rotations, err := j.listRotationsLocked()
	if err != nil {
		return err
	}

	for _, n := range rotations {
		path := filepath.Join(j.dir, fmt.Sprintf("%s.%d", logFileName, n))
		if err := j.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove compacted segment %q: %w", path, err)
		}
	}

	return nil
}

// segment is one on-disk journal source to replay, in replay order.
type segment struct {
	path string
}

// Segments returns the ordered list of files to replay: rotated segments
// (oldest first) followed by the active "index.log". The snapshot, if
// present, is handled separately by [ReadSnapshot] and replayed first.
func (j *Journal) Segments() ([]string, error) {
	rotations, err := j.ListRotations()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(rotations)+1)
	for _, n := range rotations {
		paths = append(paths, filepath.Join(j.dir, fmt.Sprintf("%s.%d", logFileName, n)))
	}

	paths = append(paths, filepath.Join(j.dir, logFileName))

	return paths, nil
}

// ReadSnapshot reads "index.snapshot" if present. Returns (nil, false, nil)
// if no snapshot exists.
func ReadSnapshot(fs fsx.FS, dir string) ([]byte, bool, error) {
	data, err := fs.ReadFile(filepath.Join(dir, snapshotFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}

	return data, true, nil
}

// DecodeAll decodes every well-formed record from buf in order. A trailing
// truncated record (one that doesn't fully fit) is discarded silently, per
// spec.md §4.4's crash-tolerant replay semantics; a non-trailing malformed
// record forces the caller to treat the whole source as [ErrMalformedRecord].
func DecodeAll(buf []byte) ([]*Record, error) {
	var records []*Record

	off := 0

	for off < len(buf) {
		rec, n, err := Decode(buf[off:])
		if err != nil {
			// Only tolerate a short/partial trailing record (a crash
			// mid-append). Anything else is real corruption.
			if isTrailingTruncation(buf[off:], err) {
				break
			}

			return nil, fmt.Errorf("decode at offset %d: %w", off, err)
		}

		records = append(records, rec)
		off += n
	}

	return records, nil
}

// isTrailingTruncation reports whether the decode failure looks like a
// partially-written final record rather than mid-stream corruption: the
// remaining bytes are too short to contain a full record header/body.
func isTrailingTruncation(remaining []byte, err error) bool {
	if !errors.Is(err, ErrMalformedRecord) {
		return false
	}
	// Heuristic: a genuinely truncated trailing write leaves a short tail
	// (well under one full minimal record). A bad magic/crc on a
	// full-length record is more likely real corruption elsewhere in the
	// file, which CorruptedIndex should surface instead of silently
	// dropping.
	const minPlausibleRecord = 4 + 2 + 1 + 8 + 2 + 4

	return len(remaining) < minPlausibleRecord*2
}
