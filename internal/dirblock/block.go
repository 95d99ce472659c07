// Package dirblock is the directory engine (C3, spec §4.3): it packs and
// unpacks block-structured directory contents and exposes the
// create/remove/rename/find operations every claim-tree directory
// mutation goes through.
//
// Directories are sequences of fixed-size blocks. A block begins with a
// 16-bit end-of-data offset, followed by entries of
// {oid: u64, lenbyte: u8, name: lenbyte&0x7f bytes}; bit 7 of lenbyte is
// the CoW flag (spec §4.3, §9 "Directory-block CoW flag"). The packing
// style (explicit little-endian field writers, one entry at a time)
// follows muscle's internal/tree/codec_v16.go.
package dirblock

import (
	"encoding/binary"
	"fmt"

	"github.com/nicolagi/envoy9p/internal/wire"
)

// DefaultBlockSize is the block size new directories are created with.
// Existing directories keep whatever size they were created with,
// carried by the Directory value, not this constant.
const DefaultBlockSize = 8192

const blockHeaderSize = 2
const entryFixedSize = 8 + 1 // oid + lenbyte

// Entry is one directory entry: a child name, the OID it points at, and
// whether that OID is shared with a snapshot (CoW).
type Entry struct {
	OID  wire.OID
	CoW  bool
	Name string
}

func (e Entry) packedSize() int { return entryFixedSize + len(e.Name) }

// EncodeBlock packs entries into a block of exactly blockSize bytes.
// Returns an error if they do not fit.
func EncodeBlock(entries []Entry, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	ptr := blockHeaderSize
	for _, e := range entries {
		if len(e.Name) > 0x7f {
			return nil, fmt.Errorf("dirblock: name %q exceeds 127 bytes", e.Name)
		}
		n := e.packedSize()
		if ptr+n > blockSize {
			return nil, fmt.Errorf("dirblock: block of %d bytes has no room for entry %q", blockSize, e.Name)
		}
		binary.LittleEndian.PutUint64(buf[ptr:], uint64(e.OID))
		lenByte := byte(len(e.Name))
		if e.CoW {
			lenByte |= 0x80
		}
		buf[ptr+8] = lenByte
		copy(buf[ptr+9:], e.Name)
		ptr += n
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(ptr))
	return buf, nil
}

// DecodeBlock unpacks entries from a block, validating that the
// declared end-of-data offset does not exceed the block size and that
// walking entries one at a time lands exactly on that offset (spec §8
// scenario S6).
func DecodeBlock(data []byte, blockSize int) ([]Entry, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("dirblock: block shorter than header")
	}
	end := int(binary.LittleEndian.Uint16(data[0:2]))
	if end > blockSize {
		return nil, fmt.Errorf("dirblock: end offset %d exceeds block size %d", end, blockSize)
	}
	if end > len(data) {
		return nil, fmt.Errorf("dirblock: end offset %d exceeds buffer length %d", end, len(data))
	}
	var entries []Entry
	ptr := blockHeaderSize
	for ptr < end {
		if ptr+entryFixedSize > end {
			return nil, fmt.Errorf("dirblock: truncated entry header at offset %d", ptr)
		}
		oid := wire.OID(binary.LittleEndian.Uint64(data[ptr:]))
		lenByte := data[ptr+8]
		cow := lenByte&0x80 != 0
		nameLen := int(lenByte & 0x7f)
		ptr += entryFixedSize
		if ptr+nameLen > end {
			return nil, fmt.Errorf("dirblock: truncated entry name at offset %d", ptr)
		}
		name := string(data[ptr : ptr+nameLen])
		ptr += nameLen
		entries = append(entries, Entry{OID: oid, CoW: cow, Name: name})
	}
	if ptr != end {
		return nil, fmt.Errorf("dirblock: iterator stopped at %d, want declared end %d", ptr, end)
	}
	return entries, nil
}

// CloneBlock returns a copy of a packed block with the CoW bit set on
// every entry, used when cloning a directory object for a snapshot
// (spec §4.3 clone_block, §4.5 freeze/thaw propagation into directory
// contents).
func CloneBlock(data []byte) []byte {
	out := append([]byte(nil), data...)
	end := int(binary.LittleEndian.Uint16(out[0:2]))
	ptr := blockHeaderSize
	for ptr < end && ptr+entryFixedSize <= end {
		out[ptr+8] |= 0x80
		nameLen := int(out[ptr+8] & 0x7f)
		ptr += entryFixedSize + nameLen
	}
	return out
}
