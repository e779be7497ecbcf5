// Package page implements SerinDB's fixed-size slotted page format: a
// 16 KiB buffer with a small header, a forward-growing slot directory, and
// a backward-growing tuple heap, protected by a folded CRC32C checksum.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/SeleniaProject/serindb/internal/serrors"
)

// Size is the fixed on-disk and in-memory size of every page, in bytes.
const Size = 16 * 1024

// ID is an opaque 64-bit logical page identifier. Its internal structure
// (tablespace/file/block packing) is left to callers.
type ID uint64

// Type enumerates the kinds of pages the header can declare.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeData
	TypeOverflow
	TypeFreeList
)

// headerSize is 12 bytes: page_type(2) + checksum(2) + lsn(4) +
// slot_count(2) + free_space_offset(2).
const headerSize = 12

const (
	offType            = 0
	offChecksum        = 2
	offLSN             = 4
	offSlotCount       = 8
	offFreeSpaceOffset = 10
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded fixed header of a page.
type Header struct {
	PageType        Type
	Checksum        uint16
	LSN             uint32
	SlotCount       uint16
	FreeSpaceOffset uint16
}

// New allocates a zeroed page buffer of the fixed Size and stamps a header
// with the given type. FreeSpaceOffset starts at Size (empty heap) and
// SlotCount at zero.
func New(t Type) []byte {
	buf := make([]byte, Size)
	h := Header{
		PageType:        t,
		FreeSpaceOffset: Size,
	}
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h into the first headerSize bytes of buf. The checksum
// field is written as given; callers that want a correct on-disk checksum
// must call SetChecksum afterward.
func PutHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[offType:], uint16(h.PageType))
	binary.LittleEndian.PutUint16(buf[offChecksum:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[offLSN:], h.LSN)
	binary.LittleEndian.PutUint16(buf[offSlotCount:], h.SlotCount)
	binary.LittleEndian.PutUint16(buf[offFreeSpaceOffset:], h.FreeSpaceOffset)
}

// GetHeader decodes the header from the first headerSize bytes of buf.
func GetHeader(buf []byte) Header {
	return Header{
		PageType:        Type(binary.LittleEndian.Uint16(buf[offType:])),
		Checksum:        binary.LittleEndian.Uint16(buf[offChecksum:]),
		LSN:             binary.LittleEndian.Uint32(buf[offLSN:]),
		SlotCount:       binary.LittleEndian.Uint16(buf[offSlotCount:]),
		FreeSpaceOffset: binary.LittleEndian.Uint16(buf[offFreeSpaceOffset:]),
	}
}

// ComputeChecksum returns the 16-bit XOR-fold of CRC32C over buf, with the
// checksum field itself treated as zero. buf must be exactly Size bytes.
func ComputeChecksum(buf []byte) (uint16, error) {
	if len(buf) != Size {
		return 0, fmt.Errorf("page: buffer is %d bytes, want %d", len(buf), Size)
	}
	scratch := make([]byte, Size)
	copy(scratch, buf)
	binary.LittleEndian.PutUint16(scratch[offChecksum:], 0)
	crc := crc32.Checksum(scratch, crcTable)
	return uint16((crc >> 16) ^ crc), nil
}

// SetChecksum recomputes and writes buf's checksum field in place.
func SetChecksum(buf []byte) error {
	sum, err := ComputeChecksum(buf)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(buf[offChecksum:], sum)
	return nil
}

// Verify recomputes buf's checksum and compares it against the stored
// value, returning a *serrors.CorruptPage on mismatch.
func Verify(buf []byte, id serrors.PageID) error {
	h := GetHeader(buf)
	sum, err := ComputeChecksum(buf)
	if err != nil {
		return err
	}
	if sum != h.Checksum {
		return &serrors.CorruptPage{ID: id}
	}
	return nil
}

// HeaderSize exposes headerSize to sibling packages (e.g. the slotted
// directory layout, which starts immediately after the header).
const HeaderSize = headerSize
