// Package blobstore implements the write/read/delete contracts for value
// blobs and their metadata sidecars (spec.md §4.3).
package blobstore

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/calvinalkan/diskache/internal/entrymeta"
	"github.com/calvinalkan/diskache/internal/fsx"
	"github.com/calvinalkan/diskache/internal/layout"
)

// ErrCorrupted indicates a checksum or size mismatch on blob read.
// Callers should delete the entry and report NotFound on next access
// (spec.md §7's self-healing policy); readers here do not repair.
var ErrCorrupted = errors.New("blobstore: corrupted entry")

// CRC32CTable is the Castagnoli CRC32 table used for blob checksums,
// matching the checksum style used by the index journal.
var CRC32CTable = crc32.MakeTable(crc32.Castagnoli)

const (
	blobPerm = 0o644
	dirPerm  = 0o750
)

// Store writes, reads, and deletes blob/sidecar file pairs under root.
type Store struct {
	fs     fsx.FS
	root   string
	writer *fsx.AtomicWriter
}

// New creates a Store rooted at root, using probe to decide write strategy.
func New(fs fsx.FS, root string, probe fsx.ProbeResult) *Store {
	return &Store{
		fs:     fs,
		root:   root,
		writer: fsx.NewAtomicWriter(fs, probe.SupportsAtomicRename),
	}
}

// Location identifies where an entry's blob/sidecar pair lives on disk.
type Location struct {
	Fingerprint   uint64
	Disambiguator int
}

// BlobPath returns the full path of the blob file at loc.
func (s *Store) BlobPath(loc Location) string {
	return layout.BlobPath(s.root, loc.Fingerprint, loc.Disambiguator)
}

// MetaPath returns the full path of the meta sidecar at loc.
func (s *Store) MetaPath(loc Location) string {
	return layout.MetaPath(s.root, loc.Fingerprint, loc.Disambiguator)
}

// Locate finds the (possibly disambiguated) slot for key, reading existing
// ".meta" sidecars in the shard directory to confirm identity on
// fingerprint collision (spec.md §4.2). If create is true and no existing
// slot matches key, it returns the next free disambiguator.
func (s *Store) Locate(key string, create bool) (Location, bool, error) {
	fp := layout.Fingerprint(key)

	for d := 0; d < layout.MaxDisambiguator; d++ {
		loc := Location{Fingerprint: fp, Disambiguator: d}

		meta, err := s.ReadMeta(loc)
		if errors.Is(err, os.ErrNotExist) {
			if create {
				return loc, false, nil
			}

			return Location{}, false, nil
		}

		if err != nil {
			return Location{}, false, fmt.Errorf("locate %q: %w", key, err)
		}

		if meta.Key == key {
			return loc, true, nil
		}
	}

	return Location{}, false, fmt.Errorf("locate %q: exhausted %d disambiguators", key, layout.MaxDisambiguator)
}

// Write durably stores value's bytes at loc's blob path and writes the
// accompanying ".meta" sidecar. meta.Size and meta.Checksum are computed
// from value and overwritten on the copy that is persisted.
func (s *Store) Write(loc Location, value []byte, meta *entrymeta.Meta) error {
	dir := layout.ShardDir(s.root, loc.Fingerprint)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir shard dir: %w", err)
	}

	persisted := entrymeta.Clone(meta)
	persisted.Size = uint64(len(value))
	persisted.Checksum = crc32.Checksum(value, CRC32CTable)
	persisted.Fingerprint = loc.Fingerprint

	opts := s.writer.DefaultOptions()
	opts.Perm = blobPerm

	if err := s.writer.Write(s.BlobPath(loc), value, opts); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	metaBytes, err := entrymeta.Encode(persisted)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	if err := s.writer.Write(s.MetaPath(loc), metaBytes, opts); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	return nil
}

// Read reads the blob at loc and verifies it against its sidecar metadata.
// A size or checksum mismatch returns [ErrCorrupted]; readers do not repair.
func (s *Store) Read(loc Location) ([]byte, *entrymeta.Meta, error) {
	meta, err := s.ReadMeta(loc)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.fs.ReadFile(s.BlobPath(loc))
	if err != nil {
		return nil, nil, fmt.Errorf("read blob: %w", err)
	}

	if uint64(len(data)) != meta.Size {
		return nil, nil, fmt.Errorf("%w: size mismatch (have %d, want %d)", ErrCorrupted, len(data), meta.Size)
	}

	if crc32.Checksum(data, CRC32CTable) != meta.Checksum {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	return data, meta, nil
}

// ReadMeta reads and decodes only the sidecar metadata at loc.
func (s *Store) ReadMeta(loc Location) (*entrymeta.Meta, error) {
	raw, err := s.fs.ReadFile(s.MetaPath(loc))
	if err != nil {
		return nil, err
	}

	meta, err := entrymeta.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	meta.Fingerprint = loc.Fingerprint

	return meta, nil
}

// Delete removes the blob first, then its sidecar, matching spec.md §4.3's
// delete contract (so an interrupted delete leaves an orphan ".meta"
// without its ".bin", which the sweeper reclaims, rather than the reverse).
func (s *Store) Delete(loc Location) error {
	blobErr := s.fs.Remove(s.BlobPath(loc))
	if blobErr != nil && !errors.Is(blobErr, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", blobErr)
	}

	metaErr := s.fs.Remove(s.MetaPath(loc))
	if metaErr != nil && !errors.Is(metaErr, os.ErrNotExist) {
		return fmt.Errorf("delete meta: %w", metaErr)
	}

	return nil
}
