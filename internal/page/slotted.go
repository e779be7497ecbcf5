package page

import (
	"encoding/binary"
	"fmt"
)

// slotSize is the on-disk size of one slot directory entry: offset(2) +
// length(2).
const slotSize = 4

// Slotted wraps a raw page buffer and provides slot-directory operations.
// The slot directory grows forward from HeaderSize; the tuple heap grows
// backward from Size. FreeSpaceOffset always equals the lowest tuple
// offset currently in use.
type Slotted struct {
	buf []byte
}

// Wrap returns a Slotted view over an existing page buffer. buf must be
// exactly Size bytes and already carry a valid header.
func Wrap(buf []byte) *Slotted {
	return &Slotted{buf: buf}
}

// Bytes returns the underlying page buffer.
func (s *Slotted) Bytes() []byte { return s.buf }

func (s *Slotted) header() Header { return GetHeader(s.buf) }

func (s *Slotted) slotOffset(i uint16) int {
	return HeaderSize + int(i)*slotSize
}

type slot struct {
	offset uint16
	length uint16
}

// tombstone marks a deleted slot: both fields zero is not distinguishable
// from "never used" on a fresh page, so deleted slots use length==0 with a
// nonzero sentinel offset value of tombstoneOffset.
const tombstoneOffset = 0xFFFF

func (s *Slotted) getSlot(i uint16) slot {
	off := s.slotOffset(i)
	return slot{
		offset: binary.LittleEndian.Uint16(s.buf[off:]),
		length: binary.LittleEndian.Uint16(s.buf[off+2:]),
	}
}

func (s *Slotted) putSlot(i uint16, sl slot) {
	off := s.slotOffset(i)
	binary.LittleEndian.PutUint16(s.buf[off:], sl.offset)
	binary.LittleEndian.PutUint16(s.buf[off+2:], sl.length)
}

func (s *Slotted) freeSpace() int {
	h := s.header()
	dirEnd := HeaderSize + int(h.SlotCount)*slotSize
	return int(h.FreeSpaceOffset) - dirEnd
}

// InsertRecord appends rec to the tuple heap and allocates a new slot for
// it, returning the slot index. Returns an error if there is not enough
// free space for both the record and a new slot entry.
func (s *Slotted) InsertRecord(rec []byte) (uint16, error) {
	h := s.header()
	need := len(rec) + slotSize
	if s.freeSpace() < need {
		return 0, fmt.Errorf("page: insufficient free space: need %d, have %d", need, s.freeSpace())
	}
	newOff := int(h.FreeSpaceOffset) - len(rec)
	copy(s.buf[newOff:], rec)

	idx := h.SlotCount
	h.SlotCount++
	h.FreeSpaceOffset = uint16(newOff)
	PutHeader(s.buf, h)
	s.putSlot(idx, slot{offset: uint16(newOff), length: uint16(len(rec))})
	return idx, nil
}

// GetRecord returns the bytes stored at slot i, or ok=false if the slot is
// out of range or has been deleted.
func (s *Slotted) GetRecord(i uint16) (rec []byte, ok bool) {
	h := s.header()
	if i >= h.SlotCount {
		return nil, false
	}
	sl := s.getSlot(i)
	if sl.length == 0 {
		return nil, false
	}
	return s.buf[sl.offset : sl.offset+sl.length], true
}

// DeleteRecord tombstones slot i so it no longer resolves via GetRecord.
// The heap bytes are not reclaimed until Compact is called.
func (s *Slotted) DeleteRecord(i uint16) error {
	h := s.header()
	if i >= h.SlotCount {
		return fmt.Errorf("page: slot %d out of range (count %d)", i, h.SlotCount)
	}
	s.putSlot(i, slot{offset: tombstoneOffset, length: 0})
	return nil
}

// UpdateRecord replaces the contents of slot i. If the new record fits in
// the existing slot's allocated space it is rewritten in place; otherwise
// the old slot is tombstoned and a new one is appended, and the new index
// is returned.
func (s *Slotted) UpdateRecord(i uint16, rec []byte) (uint16, error) {
	h := s.header()
	if i >= h.SlotCount {
		return 0, fmt.Errorf("page: slot %d out of range (count %d)", i, h.SlotCount)
	}
	sl := s.getSlot(i)
	if sl.length > 0 && len(rec) <= int(sl.length) {
		copy(s.buf[sl.offset:], rec)
		s.putSlot(i, slot{offset: sl.offset, length: uint16(len(rec))})
		return i, nil
	}
	if err := s.DeleteRecord(i); err != nil {
		return 0, err
	}
	return s.InsertRecord(rec)
}

// LiveRecords returns the slot indices that currently resolve to a record,
// in slot order.
func (s *Slotted) LiveRecords() []uint16 {
	h := s.header()
	out := make([]uint16, 0, h.SlotCount)
	for i := uint16(0); i < h.SlotCount; i++ {
		if sl := s.getSlot(i); sl.length > 0 {
			out = append(out, i)
		}
	}
	return out
}

// Compact rewrites the tuple heap to reclaim space from tombstoned slots,
// preserving the relative order of live records and leaving their slot
// indices unchanged.
func (s *Slotted) Compact() {
	h := s.header()
	live := s.LiveRecords()

	type payload struct {
		idx uint16
		buf []byte
	}
	saved := make([]payload, 0, len(live))
	for _, idx := range live {
		rec, _ := s.GetRecord(idx)
		cp := make([]byte, len(rec))
		copy(cp, rec)
		saved = append(saved, payload{idx: idx, buf: cp})
	}

	cursor := Size
	for _, p := range saved {
		cursor -= len(p.buf)
		copy(s.buf[cursor:], p.buf)
		s.putSlot(p.idx, slot{offset: uint16(cursor), length: uint16(len(p.buf))})
	}
	h.FreeSpaceOffset = uint16(cursor)
	PutHeader(s.buf, h)
}
