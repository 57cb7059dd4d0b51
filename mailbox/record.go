package mailbox

import (
	"fmt"
	"time"

	"github.com/creativeprojects/mailsync/lib"
)

// Byte offsets of the index record fields
const (
	OffsetUID           = 0
	OffsetInternalDate  = 4
	OffsetSentDate      = 8
	OffsetSize          = 12
	OffsetHeaderSize    = 16
	OffsetContentOffset = 20
	OffsetCacheOffset   = 24
	OffsetLastUpdated   = 28
	OffsetSystemFlags   = 32
	OffsetUserFlags     = 36
	OffsetContentLines  = OffsetUserFlags + UserFlagWords*4
	OffsetCacheVersion  = OffsetContentLines + 4
	OffsetCacheSize     = OffsetCacheVersion + 4
	OffsetGUID          = OffsetCacheSize + 4

	// IndexRecordSize is the size of a record written by this version
	IndexRecordSize = OffsetGUID + GUIDSize
	// MinIndexRecordSize is the smallest record size accepted: everything up to the user flags
	MinIndexRecordSize = OffsetContentLines
)

// IndexRecord describes one message of the mailbox
type IndexRecord struct {
	UID           uint32
	InternalDate  uint32
	SentDate      uint32
	Size          uint32
	HeaderSize    uint32
	ContentOffset uint32
	CacheOffset   uint32
	LastUpdated   uint32
	SystemFlags   SystemFlags
	UserFlags     UserFlags
	ContentLines  uint32
	CacheVersion  uint32
	CacheSize     uint32
	GUID          GUID
}

// DecodeIndexRecord reads a record from buf. Records written with an older (smaller)
// record size are accepted: the fields they do not carry are left to zero.
func DecodeIndexRecord(buf []byte) (IndexRecord, error) {
	record := IndexRecord{}
	if len(buf) < MinIndexRecordSize {
		return record, fmt.Errorf("%w: index record truncated at %d bytes", lib.ErrBadFormat, len(buf))
	}
	record.UID = uint32At(buf, OffsetUID)
	record.InternalDate = uint32At(buf, OffsetInternalDate)
	record.SentDate = uint32At(buf, OffsetSentDate)
	record.Size = uint32At(buf, OffsetSize)
	record.HeaderSize = uint32At(buf, OffsetHeaderSize)
	record.ContentOffset = uint32At(buf, OffsetContentOffset)
	record.CacheOffset = uint32At(buf, OffsetCacheOffset)
	record.LastUpdated = uint32At(buf, OffsetLastUpdated)
	record.SystemFlags = SystemFlags(uint32At(buf, OffsetSystemFlags))
	for i := 0; i < UserFlagWords; i++ {
		record.UserFlags[i] = uint32At(buf, OffsetUserFlags+i*4)
	}
	size := len(buf)
	if has(size, OffsetContentLines) {
		record.ContentLines = uint32At(buf, OffsetContentLines)
	}
	if has(size, OffsetCacheVersion) {
		record.CacheVersion = uint32At(buf, OffsetCacheVersion)
	}
	if has(size, OffsetCacheSize) {
		record.CacheSize = uint32At(buf, OffsetCacheSize)
	}
	if size >= OffsetGUID+GUIDSize {
		copy(record.GUID[:], buf[OffsetGUID:OffsetGUID+GUIDSize])
	}
	return record, nil
}

// Encode returns the record in the current layout (IndexRecordSize bytes)
func (r IndexRecord) Encode() []byte {
	buf := make([]byte, IndexRecordSize)
	putUint32(buf, OffsetUID, r.UID)
	putUint32(buf, OffsetInternalDate, r.InternalDate)
	putUint32(buf, OffsetSentDate, r.SentDate)
	putUint32(buf, OffsetSize, r.Size)
	putUint32(buf, OffsetHeaderSize, r.HeaderSize)
	putUint32(buf, OffsetContentOffset, r.ContentOffset)
	putUint32(buf, OffsetCacheOffset, r.CacheOffset)
	putUint32(buf, OffsetLastUpdated, r.LastUpdated)
	putUint32(buf, OffsetSystemFlags, uint32(r.SystemFlags))
	for i := 0; i < UserFlagWords; i++ {
		putUint32(buf, OffsetUserFlags+i*4, r.UserFlags[i])
	}
	putUint32(buf, OffsetContentLines, r.ContentLines)
	putUint32(buf, OffsetCacheVersion, r.CacheVersion)
	putUint32(buf, OffsetCacheSize, r.CacheSize)
	copy(buf[OffsetGUID:], r.GUID[:])
	return buf
}

// Internal returns the internal date as a time
func (r IndexRecord) Internal() time.Time {
	return time.Unix(int64(r.InternalDate), 0)
}

// Sent returns the sent date as a time
func (r IndexRecord) Sent() time.Time {
	return time.Unix(int64(r.SentDate), 0)
}

// CacheEnd returns the offset just after the cache blob of the record
func (r IndexRecord) CacheEnd() uint64 {
	return uint64(r.CacheOffset) + uint64(r.CacheSize)
}

// MessageFilename returns the name of the file holding the message content
func MessageFilename(uid uint32) string {
	return fmt.Sprintf("%d.", uid)
}
