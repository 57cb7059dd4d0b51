package mailbox

import (
	"encoding/binary"
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
)

// Byte offsets of the index header fields. Every field is a big-endian 32 bit integer.
const (
	OffsetGeneration       = 0
	OffsetFormat           = 4
	OffsetMinorVersion     = 8
	OffsetStartOffset      = 12
	OffsetRecordSize       = 16
	OffsetExists           = 20
	OffsetLastAppendDate   = 24
	OffsetLastUID          = 28
	OffsetQuotaMailboxUsed = 32
	OffsetPop3LastLogin    = 36
	OffsetUIDValidity      = 40
	OffsetDeleted          = 44
	OffsetAnswered         = 48
	OffsetFlagged          = 52
	OffsetPop3NewUIDL      = 56
	OffsetSpare            = 60

	// IndexHeaderSize is the size of the header written by this version
	IndexHeaderSize = 64
	// MinorVersion is the current on-disk minor version
	MinorVersion = 6
	// FormatNormal is the only index format
	FormatNormal = 0
	// GenerationSize is the size of the generation number heading the cache file
	GenerationSize = 4
)

// IndexHeader is the fixed-size header of the index file
type IndexHeader struct {
	Generation       uint32
	Format           uint32
	MinorVersion     uint32
	StartOffset      uint32
	RecordSize       uint32
	Exists           uint32
	LastAppendDate   uint32
	LastUID          uint32
	QuotaMailboxUsed uint32
	Pop3LastLogin    uint32
	UIDValidity      uint32
	Deleted          uint32
	Answered         uint32
	Flagged          uint32
	Pop3NewUIDL      uint32
	Spare            uint32
	// CountsMissing is set when the file predates the flag counters:
	// Deleted, Answered and Flagged are not valid and must be computed by scanning the records.
	CountsMissing bool
	// NeedsUpgrade is set when the file must be rewritten in the current layout
	NeedsUpgrade bool
}

// NewIndexHeader returns the header of an empty index
func NewIndexHeader(uidValidity uint32) IndexHeader {
	return IndexHeader{
		Format:       FormatNormal,
		MinorVersion: MinorVersion,
		StartOffset:  IndexHeaderSize,
		RecordSize:   IndexRecordSize,
		UIDValidity:  uidValidity,
		Pop3NewUIDL:  1,
	}
}

// DecodeIndexHeader reads the header at the beginning of an index file.
// The buffer must contain at least the declared start offset.
func DecodeIndexHeader(buf []byte) (IndexHeader, error) {
	header := IndexHeader{}
	if len(buf) < OffsetPop3LastLogin {
		return header, fmt.Errorf("%w: index header truncated at %d bytes", lib.ErrBadFormat, len(buf))
	}
	header.StartOffset = uint32At(buf, OffsetStartOffset)
	if header.StartOffset < OffsetPop3LastLogin {
		return header, fmt.Errorf("%w: index start offset %d is too small", lib.ErrBadFormat, header.StartOffset)
	}
	if uint64(len(buf)) < uint64(header.StartOffset) {
		return header, fmt.Errorf("%w: index header declares %d bytes but only %d available", lib.ErrBadFormat, header.StartOffset, len(buf))
	}
	header.Generation = uint32At(buf, OffsetGeneration)
	header.Format = uint32At(buf, OffsetFormat)
	header.MinorVersion = uint32At(buf, OffsetMinorVersion)
	header.RecordSize = uint32At(buf, OffsetRecordSize)
	header.Exists = uint32At(buf, OffsetExists)
	header.LastAppendDate = uint32At(buf, OffsetLastAppendDate)
	header.LastUID = uint32At(buf, OffsetLastUID)
	header.QuotaMailboxUsed = uint32At(buf, OffsetQuotaMailboxUsed)

	if header.RecordSize < MinIndexRecordSize || header.RecordSize%4 != 0 {
		return header, fmt.Errorf("%w: invalid index record size %d", lib.ErrBadFormat, header.RecordSize)
	}

	start := int(header.StartOffset)
	if has(start, OffsetPop3LastLogin) {
		header.Pop3LastLogin = uint32At(buf, OffsetPop3LastLogin)
	}
	header.UIDValidity = 1
	if has(start, OffsetUIDValidity) {
		header.UIDValidity = uint32At(buf, OffsetUIDValidity)
	}
	if has(start, OffsetFlagged) {
		header.Deleted = uint32At(buf, OffsetDeleted)
		header.Answered = uint32At(buf, OffsetAnswered)
		header.Flagged = uint32At(buf, OffsetFlagged)
	} else {
		header.CountsMissing = true
		header.NeedsUpgrade = true
	}
	if has(start, OffsetPop3NewUIDL) {
		header.Pop3NewUIDL = uint32At(buf, OffsetPop3NewUIDL)
		if header.Exists == 0 {
			header.Pop3NewUIDL = 1
		}
	} else {
		header.Pop3NewUIDL = 0
		if header.Exists == 0 {
			header.Pop3NewUIDL = 1
		}
		header.NeedsUpgrade = true
	}
	if has(start, OffsetSpare) {
		header.Spare = uint32At(buf, OffsetSpare)
	}
	if header.StartOffset < IndexHeaderSize || header.RecordSize < IndexRecordSize || header.MinorVersion < MinorVersion {
		header.NeedsUpgrade = true
	}
	return header, nil
}

// Encode returns the header in the current layout (IndexHeaderSize bytes)
func (h IndexHeader) Encode() []byte {
	buf := make([]byte, IndexHeaderSize)
	putUint32(buf, OffsetGeneration, h.Generation)
	putUint32(buf, OffsetFormat, h.Format)
	putUint32(buf, OffsetMinorVersion, h.MinorVersion)
	putUint32(buf, OffsetStartOffset, h.StartOffset)
	putUint32(buf, OffsetRecordSize, h.RecordSize)
	putUint32(buf, OffsetExists, h.Exists)
	putUint32(buf, OffsetLastAppendDate, h.LastAppendDate)
	putUint32(buf, OffsetLastUID, h.LastUID)
	putUint32(buf, OffsetQuotaMailboxUsed, h.QuotaMailboxUsed)
	putUint32(buf, OffsetPop3LastLogin, h.Pop3LastLogin)
	putUint32(buf, OffsetUIDValidity, h.UIDValidity)
	putUint32(buf, OffsetDeleted, h.Deleted)
	putUint32(buf, OffsetAnswered, h.Answered)
	putUint32(buf, OffsetFlagged, h.Flagged)
	putUint32(buf, OffsetPop3NewUIDL, h.Pop3NewUIDL)
	putUint32(buf, OffsetSpare, h.Spare)
	return buf
}

// RecordOffset returns the position of the record msgno (starting at 1) in the index file
func (h IndexHeader) RecordOffset(msgno uint32) int64 {
	return int64(h.StartOffset) + int64(msgno-1)*int64(h.RecordSize)
}

// IndexLength returns the expected length of the index file
func (h IndexHeader) IndexLength() int64 {
	return int64(h.StartOffset) + int64(h.Exists)*int64(h.RecordSize)
}

// EncodeGeneration returns the 4 bytes heading a cache file
func EncodeGeneration(generation uint32) []byte {
	buf := make([]byte, GenerationSize)
	binary.BigEndian.PutUint32(buf, generation)
	return buf
}

// DecodeGeneration reads the generation number heading an index or cache file
func DecodeGeneration(buf []byte) (uint32, error) {
	if len(buf) < GenerationSize {
		return 0, fmt.Errorf("%w: file too short to hold a generation number", lib.ErrBadFormat)
	}
	return binary.BigEndian.Uint32(buf), nil
}

// has returns true when a field at offset fits in a header of size start
func has(start, offset int) bool {
	return start >= offset+4
}

func uint32At(buf []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(buf[offset : offset+4])
}

func putUint32(buf []byte, offset int, value uint32) {
	binary.BigEndian.PutUint32(buf[offset:offset+4], value)
}
