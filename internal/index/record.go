package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/diskache/internal/entrymeta"
)

// Op identifies a journal record's operation kind (spec.md §4.4).
type Op uint8

const (
	OpPut Op = iota + 1
	OpDel
	OpTouch
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpDel:
		return "DEL"
	case OpTouch:
		return "TOUCH"
	case OpClear:
		return "CLEAR"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

const (
	recordMagic   uint32 = 0x444b4a31 // "DKJ1"
	recordVersion uint16 = 1
)

// crc32CTable is the Castagnoli table, matching the checksum style used
// throughout the rest of the engine (blob checksums, meta sidecars).
var crc32CTable = crc32.MakeTable(crc32.Castagnoli)

// ErrMalformedRecord indicates a journal record failed to decode or its
// checksum didn't match; see spec.md §4.4's failure semantics.
var ErrMalformedRecord = errors.New("index: malformed journal record")

// Record is one entry in the append-only journal:
//
//	magic(4) | version(2) | op(1) | seq(8) | key_len(2) | key | meta_len(4) | meta | crc32(4)
type Record struct {
	Op   Op
	Seq  uint64
	Key  string
	Meta *entrymeta.Meta // nil for OpDel and OpClear
}

// Encode serializes r into the on-disk journal record format.
func Encode(r *Record) ([]byte, error) {
	var metaBytes []byte

	if r.Meta != nil {
		var err error

		metaBytes, err = entrymeta.Encode(r.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode record meta: %w", err)
		}
	}

	size := 4 + 2 + 1 + 8 + 2 + len(r.Key) + 4 + len(metaBytes) + 4
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], recordMagic)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], recordVersion)
	off += 2

	buf[off] = byte(r.Op)
	off++

	binary.LittleEndian.PutUint64(buf[off:], r.Seq)
	off += 8

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Key)))
	off += 2
	off += copy(buf[off:], r.Key)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(metaBytes)))
	off += 4
	off += copy(buf[off:], metaBytes)

	crc := crc32.Checksum(buf[:off], crc32CTable)
	binary.LittleEndian.PutUint32(buf[off:], crc)
	off += 4

	return buf[:off], nil
}

// Decode parses one record from the front of buf and returns the number of
// bytes consumed. Returns [ErrMalformedRecord] on any decode or checksum
// failure, including when buf is simply too short to contain a full record
// (the error text then says "truncated"); callers treat a trailing
// truncated record as evidence of a crash mid-append and discard it rather
// than treating it as corruption (spec.md §4.4).
func Decode(buf []byte) (*Record, int, error) {
	const minHeader = 4 + 2 + 1 + 8 + 2

	if len(buf) < minHeader {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrMalformedRecord)
	}

	off := 0

	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if magic != recordMagic {
		return nil, 0, fmt.Errorf("%w: bad magic %#x", ErrMalformedRecord, magic)
	}

	version := binary.LittleEndian.Uint16(buf[off:])
	off += 2

	if version != recordVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, version)
	}

	op := Op(buf[off])
	off++

	seq := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	if off+keyLen+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: truncated key", ErrMalformedRecord)
	}

	key := string(buf[off : off+keyLen])
	off += keyLen

	metaLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	if metaLen < 0 || off+metaLen+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: truncated meta", ErrMalformedRecord)
	}

	metaBytes := buf[off : off+metaLen]
	off += metaLen

	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	gotCRC := crc32.Checksum(buf[:off-4], crc32CTable)
	if gotCRC != wantCRC {
		return nil, 0, fmt.Errorf("%w: crc mismatch", ErrMalformedRecord)
	}

	rec := &Record{Op: op, Seq: seq, Key: key}

	if len(metaBytes) > 0 {
		meta, err := entrymeta.Decode(metaBytes)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: meta decode: %v", ErrMalformedRecord, err)
		}

		rec.Meta = meta
	}

	return rec, off, nil
}
