package store

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// NewMessage is a message to append to a mailbox
type NewMessage struct {
	// Record carries the attributes of the message. A zero UID is assigned
	// automatically after the last UID of the mailbox. Offsets and counters are computed.
	Record mailbox.IndexRecord
	// Flags are the flag names of the message, user flags are allocated as needed.
	// They are added to the system flags already set in Record.
	Flags []string
	// Cache is the cached metadata of the message
	Cache []byte
	// File is linked (or copied) as the message content when not empty
	File string
	// Body is copied as the message content when File is empty.
	// The size and the identity of the record are computed from it.
	Body io.Reader
}

// AppendOptions change the behaviour of Append
type AppendOptions struct {
	// IgnoreQuota appends even when the quota root is full
	IgnoreQuota bool
	// Sync flushes the message files to disk
	Sync bool
}

// Append adds messages to the mailbox as one transaction: either every record is
// added or none. UIDs must be strictly increasing. When every UID is above the last
// UID of the mailbox the records are appended to the index, otherwise the index is
// rewritten with the new records merged in. The last UID of the mailbox never decreases.
// It returns the records as stored.
func (m *Mailbox) Append(messages []NewMessage, options AppendOptions) ([]mailbox.IndexRecord, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	hl, err := m.LockHeader()
	if err != nil {
		return nil, err
	}
	defer hl.Unlock()
	il, err := hl.LockIndex()
	if err != nil {
		return nil, err
	}
	defer il.Unlock()

	header := m.header
	records := make([]mailbox.IndexRecord, len(messages))
	lastUID := m.index.LastUID
	now := uint32(time.Now().Unix())
	var total uint64
	var merge bool
	for n, message := range messages {
		record := message.Record
		if record.UID == 0 {
			lastUID++
			record.UID = lastUID
		} else if record.UID <= lastUID {
			if n > 0 && record.UID <= records[n-1].UID {
				return nil, fmt.Errorf("%w: mailbox %s: uid %d is not above the previous one", lib.ErrProtocol, m.name, record.UID)
			}
			merge = true
		} else {
			lastUID = record.UID
		}
		system, user, err := header.Flags.Flags(message.Flags)
		if err != nil {
			return nil, fmt.Errorf("mailbox %s: %w", m.name, err)
		}
		record.SystemFlags |= system
		for word := range user {
			record.UserFlags[word] |= user[word]
		}
		if record.LastUpdated == 0 {
			record.LastUpdated = now
		}
		if record.InternalDate == 0 {
			record.InternalDate = now
		}
		records[n] = record
	}
	if merge {
		for _, record := range records {
			if _, _, found := m.FindUID(record.UID); found {
				return nil, fmt.Errorf("%w: mailbox %s: uid %d already exists", lib.ErrProtocol, m.name, record.UID)
			}
		}
	}

	// message files first: a failure leaves the index untouched
	written := make([]string, 0, len(messages))
	cleanup := func() {
		for _, path := range written {
			_ = os.Remove(path)
		}
	}
	for n, message := range messages {
		path := m.MessagePath(records[n].UID)
		err = m.writeMessage(path, message, &records[n], options.Sync)
		if err != nil {
			cleanup()
			return nil, err
		}
		written = append(written, path)
		total += uint64(records[n].Size)
	}

	ql, err := il.LockQuota()
	if err != nil {
		cleanup()
		return nil, err
	}
	defer ql.Unlock()
	if !options.IgnoreQuota {
		err = ql.Check(total)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	if header.Flags != m.header.Flags {
		m.header.Flags = header.Flags
		err = hl.WriteHeader()
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	if merge {
		records, err = il.mergeRecords(messages, records)
	} else {
		records, err = il.appendRecords(messages, records)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	err = ql.Add(total)
	if err != nil {
		m.log.Printf("LOSTQUOTA: mailbox %s: unable to record the use of %d bytes in quota %s: %s", m.name, total, m.header.QuotaRoot, err)
	}
	m.store.notify(ChangeAppend, m.name)
	return records, nil
}

// appendRecords writes the cache blobs and the records after the existing ones
func (i *IndexLock) appendRecords(messages []NewMessage, records []mailbox.IndexRecord) ([]mailbox.IndexRecord, error) {
	m := i.mailbox
	cacheStart := m.cacheSize
	blobs := make([]byte, 0)
	header := m.index
	for n := range records {
		records[n].CacheOffset = uint32(cacheStart) + uint32(len(blobs))
		records[n].CacheSize = uint32(len(messages[n].Cache))
		blobs = append(blobs, messages[n].Cache...)
		countRecord(&header, records[n])
		header.LastUID = records[n].UID
	}
	if len(blobs) > 0 {
		_, err := m.cacheFile.WriteAt(blobs, cacheStart)
		if err == nil {
			err = m.cacheFile.Sync()
		}
		if err != nil {
			_ = m.cacheFile.Truncate(cacheStart)
			return nil, fmt.Errorf("%w: mailbox %s: writing cache: %s", lib.ErrIO, m.name, err)
		}
	}
	indexEnd := m.index.IndexLength()
	err := i.AppendRecords(records, true)
	if err != nil {
		_ = m.cacheFile.Truncate(cacheStart)
		return nil, err
	}
	previous := m.index
	header.LastAppendDate = uint32(time.Now().Unix())
	header.Pop3NewUIDL = 1
	i.SetIndexHeader(header)
	err = i.WriteIndexHeader()
	if err != nil {
		i.SetIndexHeader(previous)
		_ = m.indexFile.Truncate(indexEnd)
		_ = m.cacheFile.Truncate(cacheStart)
		return nil, err
	}
	m.cacheSize = cacheStart + int64(len(blobs))
	return records, nil
}

// mergeRecords inserts records below the last UID through a rewrite of the index
func (i *IndexLock) mergeRecords(messages []NewMessage, records []mailbox.IndexRecord) ([]mailbox.IndexRecord, error) {
	m := i.mailbox
	inserts := make([]pending, len(records))
	for n, record := range records {
		inserts[n] = pending{record: record, cache: messages[n].Cache}
	}
	_, err := i.rewrite(nil, inserts)
	if err != nil {
		return nil, err
	}
	header := m.index
	header.LastAppendDate = uint32(time.Now().Unix())
	header.Pop3NewUIDL = 1
	i.SetIndexHeader(header)
	err = i.WriteIndexHeader()
	if err != nil {
		return nil, err
	}
	stored := make([]mailbox.IndexRecord, len(records))
	for n, record := range records {
		_, stored[n], _ = m.FindUID(record.UID)
	}
	return stored, nil
}

// writeMessage puts the content of a message in place, filling size and identity from the body
func (m *Mailbox) writeMessage(path string, message NewMessage, record *mailbox.IndexRecord, sync bool) error {
	_ = os.Remove(path)
	if message.File != "" {
		err := lib.LinkOrCopy(m.log, path, message.File, sync)
		if err != nil || (record.Size != 0 && !record.GUID.IsNull()) {
			return err
		}
		return identify(path, record)
	}
	if message.Body == nil {
		return fmt.Errorf("%w: message %d has no content", lib.ErrUsage, record.UID)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: creating message %d: %s", lib.ErrIO, record.UID, err)
	}
	guid, size, err := mailbox.ReadGUID(io.TeeReader(message.Body, file))
	if err == nil && sync {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("%w: writing message %d: %s", lib.ErrIO, record.UID, err)
	}
	record.Size = uint32(size)
	if record.GUID.IsNull() {
		record.GUID = guid
	}
	return nil
}

// identify fills the size and the identity of a record from the message file
func identify(path string, record *mailbox.IndexRecord) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening message %d: %s", lib.ErrIO, record.UID, err)
	}
	defer file.Close()
	guid, size, err := mailbox.ReadGUID(file)
	if err != nil {
		return fmt.Errorf("%w: reading message %d: %s", lib.ErrIO, record.UID, err)
	}
	record.Size = uint32(size)
	if record.GUID.IsNull() {
		record.GUID = guid
	}
	return nil
}
