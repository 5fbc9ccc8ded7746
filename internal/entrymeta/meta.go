// Package entrymeta encodes and decodes entry metadata records.
//
// The same tagged-field encoding is shared by the index journal's PUT
// records and the blob store's ".meta" sidecar files (spec.md §6), which
// is what lets the index be rebuilt from the blob tree alone.
package entrymeta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxTags is the maximum number of tags a single entry may carry (spec.md §3).
const MaxTags = 8

// MaxTagLen is the maximum byte length of a single tag (spec.md §3).
const MaxTagLen = 16

// MaxKeyLen is the maximum byte length (not code points) this implementation
// accepts for an encoded key; spec.md bounds keys to 1024 code points, which
// in the worst case (4 bytes/rune) is 4096 bytes.
const MaxKeyLen = 4096

// ErrMalformed indicates a metadata record could not be decoded.
var ErrMalformed = errors.New("entrymeta: malformed record")

// Meta is an entry's metadata, shared by the index and the blob sidecar.
type Meta struct {
	Key            string
	Fingerprint    uint64
	Size           uint64
	CreatedAt      int64
	LastAccessedAt int64
	ExpiresAt      int64 // 0 means no expiry
	Tags           []string
	AccessCount    uint64
	Checksum       uint32 // CRC32C of the blob contents
}

// HasExpiry reports whether the entry carries an expiration deadline.
func (m *Meta) HasExpiry() bool { return m.ExpiresAt != 0 }

// Expired reports whether the entry's deadline has passed as of now (unix seconds).
func (m *Meta) Expired(nowUnix int64) bool {
	return m.HasExpiry() && m.ExpiresAt <= nowUnix
}

// HasTag reports whether tag is present in the entry's tag set.
func (m *Meta) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

// Encode serializes meta into the tagged-field body format used both by
// journal PUT records and ".meta" sidecars:
//
//	key_len(2) key
//	size(8) created_at(8) last_accessed_at(8) expires_at(8) access_count(8)
//	checksum(4)
//	tag_count(1) [tag_len(1) tag]...
func Encode(m *Meta) ([]byte, error) {
	if len(m.Key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: key too long (%d bytes)", ErrMalformed, len(m.Key))
	}

	if len(m.Tags) > MaxTags {
		return nil, fmt.Errorf("%w: too many tags (%d)", ErrMalformed, len(m.Tags))
	}

	size := 2 + len(m.Key) + 8*5 + 4 + 1
	for _, t := range m.Tags {
		size += 1 + len(t)
	}

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.Key)))
	off += 2
	off += copy(buf[off:], m.Key)

	binary.LittleEndian.PutUint64(buf[off:], m.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.CreatedAt))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.LastAccessedAt))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.ExpiresAt))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.AccessCount)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.Checksum)
	off += 4

	buf[off] = byte(len(m.Tags))
	off++

	for _, t := range m.Tags {
		if len(t) > MaxTagLen {
			return nil, fmt.Errorf("%w: tag %q too long", ErrMalformed, t)
		}

		buf[off] = byte(len(t))
		off++
		off += copy(buf[off:], t)
	}

	return buf[:off], nil
}

// Decode parses the tagged-field body produced by [Encode].
func Decode(buf []byte) (*Meta, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: truncated key length", ErrMalformed)
	}

	off := 0

	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	if off+keyLen > len(buf) {
		return nil, fmt.Errorf("%w: truncated key", ErrMalformed)
	}

	key := string(buf[off : off+keyLen])
	off += keyLen

	const fixedTail = 8*5 + 4 + 1
	if off+fixedTail > len(buf) {
		return nil, fmt.Errorf("%w: truncated fixed fields", ErrMalformed)
	}

	m := &Meta{Key: key}

	m.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.CreatedAt = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	m.LastAccessedAt = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	m.ExpiresAt = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	m.AccessCount = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.Checksum = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	tagCount := int(buf[off])
	off++

	if tagCount > MaxTags {
		return nil, fmt.Errorf("%w: too many tags (%d)", ErrMalformed, tagCount)
	}

	var tags []string

	for range tagCount {
		if off >= len(buf) {
			return nil, fmt.Errorf("%w: truncated tag length", ErrMalformed)
		}

		tagLen := int(buf[off])
		off++

		if off+tagLen > len(buf) {
			return nil, fmt.Errorf("%w: truncated tag", ErrMalformed)
		}

		tags = append(tags, string(buf[off:off+tagLen]))
		off += tagLen
	}

	m.Tags = tags

	return m, nil
}

// Clone returns a deep copy of m.
func Clone(m *Meta) *Meta {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)

	return &c
}
