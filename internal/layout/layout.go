// Package layout derives the deterministic key -> on-disk path mapping
// used by the blob store and index (spec.md §4.2).
package layout

import (
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns the 64-bit fast non-cryptographic hash of key used
// for shard selection and filenames.
func Fingerprint(key string) uint64 {
	return xxhash.Sum64String(key)
}

// ShardDir returns the two-level subdirectory ("ab/cd") that a fingerprint
// maps to, joined onto root. The low 16 bits of the fingerprint select the
// subdirectory, as described in spec.md §4.2.
func ShardDir(root string, fp uint64) string {
	lo := uint16(fp)
	a := byte(lo >> 8)
	b := byte(lo)

	return filepath.Join(root, fmt.Sprintf("%02x", a), fmt.Sprintf("%02x", b))
}

// HexFP formats a fingerprint as the lowercase hex string used in filenames.
func HexFP(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// BlobName returns the ".bin" filename for a fingerprint, with an optional
// disambiguator (0 = no suffix) for fingerprint collisions (spec.md §4.2).
func BlobName(fp uint64, disambiguator int) string {
	if disambiguator == 0 {
		return HexFP(fp) + ".bin"
	}

	return fmt.Sprintf("%s-%d.bin", HexFP(fp), disambiguator)
}

// MetaName returns the ".meta" filename for a fingerprint and disambiguator.
func MetaName(fp uint64, disambiguator int) string {
	if disambiguator == 0 {
		return HexFP(fp) + ".meta"
	}

	return fmt.Sprintf("%s-%d.meta", HexFP(fp), disambiguator)
}

// BlobPath returns the full path to a blob file for (root, fp, disambiguator).
func BlobPath(root string, fp uint64, disambiguator int) string {
	return filepath.Join(ShardDir(root, fp), BlobName(fp, disambiguator))
}

// MetaPath returns the full path to a meta sidecar for (root, fp, disambiguator).
func MetaPath(root string, fp uint64, disambiguator int) string {
	return filepath.Join(ShardDir(root, fp), MetaName(fp, disambiguator))
}

// MaxDisambiguator bounds how many colliding fingerprints a single shard
// leaf directory tolerates before giving up. Collisions beyond this point
// indicate either a pathological workload or a fingerprint function bug.
const MaxDisambiguator = 64
