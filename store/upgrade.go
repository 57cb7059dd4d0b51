package store

import (
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// upgradeIndex rewrites an index written in an older layout. The flag counters are
// computed by scanning the records and the generation number is kept, the cache
// file being left untouched.
func (m *Mailbox) upgradeIndex() error {
	il, err := m.LockIndex()
	if err != nil {
		return err
	}
	defer il.Unlock()
	if !m.index.NeedsUpgrade {
		// done by someone else in the meantime
		return nil
	}
	records, err := m.Records()
	if err != nil {
		return err
	}
	previous := m.index
	header := previous
	header.MinorVersion = mailbox.MinorVersion
	header.StartOffset = mailbox.IndexHeaderSize
	header.RecordSize = mailbox.IndexRecordSize
	if previous.CountsMissing {
		header.Deleted, header.Answered, header.Flagged = 0, 0, 0
		for _, record := range records {
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
	}
	header.CountsMissing = false
	header.NeedsUpgrade = false

	data := make([]byte, 0, mailbox.IndexHeaderSize+len(records)*mailbox.IndexRecordSize)
	data = append(data, header.Encode()...)
	for _, record := range records {
		data = append(data, record.Encode()...)
	}

	path := m.file(IndexFile)
	file, err := lib.WriteNewFile(path, data, 0600)
	if err != nil {
		return err
	}
	err = lib.LockFile(file)
	if err == nil {
		err = lib.CommitNewFile(path)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path + lib.NewSuffix)
		return err
	}
	m.swapIndexFiles(file, nil)
	m.log.Printf("mailbox %s: index upgraded from minor version %d (start offset %d, record size %d)",
		m.name, previous.MinorVersion, previous.StartOffset, previous.RecordSize)
	return m.refresh()
}
