package store

import (
	"fmt"
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// SetIndexHeader replaces the index header kept in memory. It is saved by WriteIndexHeader.
func (i *IndexLock) SetIndexHeader(header mailbox.IndexHeader) {
	i.mailbox.index = header
}

// WriteIndexHeader saves the index header in place
func (i *IndexLock) WriteIndexHeader() error {
	m := i.mailbox
	buf := m.index.Encode()
	if int(m.index.StartOffset) < len(buf) {
		buf = buf[:m.index.StartOffset]
	}
	_, err := m.indexFile.WriteAt(buf, 0)
	if err == nil {
		err = m.indexFile.Sync()
	}
	if err != nil {
		return fmt.Errorf("%w: mailbox %s: writing index header: %s", lib.ErrIO, m.name, err)
	}
	copy(m.indexData, buf)
	return nil
}

// WriteRecord saves the record at position msgno with a single write
func (i *IndexLock) WriteRecord(msgno uint32, record mailbox.IndexRecord, sync bool) error {
	m := i.mailbox
	if msgno == 0 || msgno > m.index.Exists {
		return fmt.Errorf("%w: mailbox %s: message number %d out of range 1-%d", lib.ErrBadFormat, m.name, msgno, m.index.Exists)
	}
	buf := encodeRecord(record, m.index.RecordSize)
	offset := m.index.RecordOffset(msgno)
	_, err := m.indexFile.WriteAt(buf, offset)
	if err == nil && sync {
		err = m.indexFile.Sync()
	}
	if err != nil {
		return fmt.Errorf("%w: mailbox %s: writing record %d: %s", lib.ErrIO, m.name, msgno, err)
	}
	copy(m.indexData[offset:], buf)
	m.guids = nil
	return nil
}

// AppendRecords writes records after the last one with a single write.
// The index header is not updated: records beyond the exists count are ignored until it is.
func (i *IndexLock) AppendRecords(records []mailbox.IndexRecord, sync bool) error {
	m := i.mailbox
	if len(records) == 0 {
		return nil
	}
	size := int(m.index.RecordSize)
	buf := make([]byte, 0, len(records)*size)
	for _, record := range records {
		buf = append(buf, encodeRecord(record, m.index.RecordSize)...)
	}
	offset := m.index.IndexLength()
	_, err := m.indexFile.WriteAt(buf, offset)
	if err == nil && sync {
		err = m.indexFile.Sync()
	}
	if err != nil {
		_ = m.indexFile.Truncate(offset)
		return fmt.Errorf("%w: mailbox %s: appending %d records: %s", lib.ErrIO, m.name, len(records), err)
	}
	m.indexData = append(m.indexData[:offset], buf...)
	m.guids = nil
	return nil
}

// encodeRecord returns the record in the layout of the file, which can be older (smaller)
func encodeRecord(record mailbox.IndexRecord, size uint32) []byte {
	buf := record.Encode()
	if int(size) <= len(buf) {
		return buf[:size]
	}
	return append(buf, make([]byte, int(size)-len(buf))...)
}

// pending is a record to insert by a rewrite, along with its cache blob
type pending struct {
	record mailbox.IndexRecord
	cache  []byte
}

// rewrite builds new index and cache files with the records kept by keep (all of
// them when keep is nil) merged with the inserts, bumps the generation number and
// renames both files over the current ones. It returns the records left out.
func (i *IndexLock) rewrite(keep func(mailbox.IndexRecord) bool, inserts []pending) ([]mailbox.IndexRecord, error) {
	m := i.mailbox
	current, err := m.Records()
	if err != nil {
		return nil, err
	}
	header := m.index
	header.Generation++
	header.Format = mailbox.FormatNormal
	header.MinorVersion = mailbox.MinorVersion
	header.StartOffset = mailbox.IndexHeaderSize
	header.RecordSize = mailbox.IndexRecordSize
	header.Exists, header.Deleted, header.Answered, header.Flagged, header.QuotaMailboxUsed = 0, 0, 0, 0, 0
	header.CountsMissing = false
	header.NeedsUpgrade = false

	cache := mailbox.EncodeGeneration(header.Generation)
	index := make([]byte, 0, mailbox.IndexHeaderSize+(len(current)+len(inserts))*mailbox.IndexRecordSize)
	index = append(index, header.Encode()...)
	removed := make([]mailbox.IndexRecord, 0)

	add := func(record mailbox.IndexRecord, blob []byte) {
		record.CacheOffset = uint32(len(cache))
		record.CacheSize = uint32(len(blob))
		cache = append(cache, blob...)
		index = append(index, record.Encode()...)
		countRecord(&header, record)
		if record.UID > header.LastUID {
			header.LastUID = record.UID
		}
	}

	next := 0
	for _, record := range current {
		for next < len(inserts) && inserts[next].record.UID < record.UID {
			add(inserts[next].record, inserts[next].cache)
			next++
		}
		if next < len(inserts) && inserts[next].record.UID == record.UID {
			return nil, fmt.Errorf("%w: mailbox %s: uid %d already exists", lib.ErrProtocol, m.name, record.UID)
		}
		if keep != nil && !keep(record) {
			removed = append(removed, record)
			continue
		}
		blob, err := m.CacheBlob(record)
		if err != nil {
			return nil, err
		}
		add(record, blob)
	}
	for ; next < len(inserts); next++ {
		add(inserts[next].record, inserts[next].cache)
	}
	if header.Exists == 0 {
		header.Pop3NewUIDL = 1
	}
	copy(index, header.Encode())

	err = i.replaceFiles(index, cache)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// replaceFiles renames new index and cache contents over the current files.
// The index lock (and pop lock if held) is carried over to the new files.
func (i *IndexLock) replaceFiles(index, cache []byte) error {
	m := i.mailbox
	indexPath := m.file(IndexFile)
	cachePath := m.file(CacheFile)

	newCache, err := lib.WriteNewFile(cachePath, cache, 0600)
	if err != nil {
		return err
	}
	newIndex, err := lib.WriteNewFile(indexPath, index, 0600)
	if err != nil {
		_ = newCache.Close()
		_ = os.Remove(cachePath + lib.NewSuffix)
		return err
	}
	abort := func(err error) error {
		_ = newIndex.Close()
		_ = newCache.Close()
		_ = os.Remove(indexPath + lib.NewSuffix)
		_ = os.Remove(cachePath + lib.NewSuffix)
		return err
	}
	err = lib.LockFile(newIndex)
	if err != nil {
		return abort(err)
	}
	if m.popLocks > 0 {
		err = lib.TryLockFile(newCache)
		if err != nil {
			return abort(err)
		}
	}
	err = lib.CommitNewFile(indexPath)
	if err != nil {
		return abort(err)
	}
	err = lib.CommitNewFile(cachePath)
	if err != nil {
		m.log.Printf("CRITICAL: mailbox %s: index replaced but not the cache, the mailbox needs a repair: %s", m.name, err)
		_ = newCache.Close()
		_ = os.Remove(cachePath + lib.NewSuffix)
		m.swapIndexFiles(newIndex, nil)
		return err
	}
	lib.Check(m.log, lib.SyncDir(m.path), "mailbox %s: syncing directory", m.name)
	m.swapIndexFiles(newIndex, newCache)
	return m.refresh()
}

func (m *Mailbox) swapIndexFiles(index, cache *os.File) {
	if index != nil {
		_ = m.indexFile.Close()
		m.indexFile = index
	}
	if cache != nil {
		_ = m.cacheFile.Close()
		m.cacheFile = cache
	}
}

// countRecord adds a record to the counters of the header
func countRecord(header *mailbox.IndexHeader, record mailbox.IndexRecord) {
	header.Exists++
	header.QuotaMailboxUsed += record.Size
	if record.SystemFlags.Has(mailbox.FlagDeleted) {
		header.Deleted++
	}
	if record.SystemFlags.Has(mailbox.FlagAnswered) {
		header.Answered++
	}
	if record.SystemFlags.Has(mailbox.FlagFlagged) {
		header.Flagged++
	}
}

// uncountFlags removes the flag counters of a record from the header
func uncountFlags(header *mailbox.IndexHeader, flags mailbox.SystemFlags) {
	if flags.Has(mailbox.FlagDeleted) && header.Deleted > 0 {
		header.Deleted--
	}
	if flags.Has(mailbox.FlagAnswered) && header.Answered > 0 {
		header.Answered--
	}
	if flags.Has(mailbox.FlagFlagged) && header.Flagged > 0 {
		header.Flagged--
	}
}
