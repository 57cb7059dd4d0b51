package store

import (
	"os"

	"github.com/creativeprojects/mailsync/mailbox"
)

// ExpungePredicate decides whether a record is removed
type ExpungePredicate func(record mailbox.IndexRecord) bool

// ExpungeDeleted removes the messages flagged as deleted
func ExpungeDeleted(record mailbox.IndexRecord) bool {
	return record.SystemFlags.Has(mailbox.FlagDeleted)
}

// ExpungeAll removes every message
func ExpungeAll(mailbox.IndexRecord) bool {
	return true
}

// ExpungeUIDs removes the messages whose UID is in the sorted list uids
func ExpungeUIDs(uids []uint32) ExpungePredicate {
	return func(record mailbox.IndexRecord) bool {
		low, high := 0, len(uids)
		for low < high {
			middle := int(uint(low+high) >> 1)
			if uids[middle] < record.UID {
				low = middle + 1
			} else {
				high = middle
			}
		}
		return low < len(uids) && uids[low] == record.UID
	}
}

// Expunge removes the messages matched by predicate (the deleted ones when nil).
// New index and cache files are written with the remaining messages and a new
// generation number. Freed bytes are released from the quota root once the files are
// in place, then the message files are removed. It returns the removed records.
func (m *Mailbox) Expunge(predicate ExpungePredicate) ([]mailbox.IndexRecord, error) {
	if predicate == nil {
		predicate = ExpungeDeleted
	}
	il, err := m.LockIndex()
	if err != nil {
		return nil, err
	}
	defer il.Unlock()
	return il.Expunge(predicate)
}

// Expunge runs an expunge with the index lock already held
func (i *IndexLock) Expunge(predicate ExpungePredicate) ([]mailbox.IndexRecord, error) {
	m := i.mailbox
	if predicate == nil {
		predicate = ExpungeDeleted
	}
	records, err := m.Records()
	if err != nil {
		return nil, err
	}
	matching := 0
	for _, record := range records {
		if predicate(record) {
			matching++
		}
	}
	if matching == 0 {
		return []mailbox.IndexRecord{}, nil
	}

	pop, err := m.LockPop()
	if err != nil {
		return nil, err
	}
	removed, err := i.rewrite(func(record mailbox.IndexRecord) bool {
		return !predicate(record)
	}, nil)
	pop.Unlock()
	if err != nil {
		return nil, err
	}

	var freed uint64
	for _, record := range removed {
		freed += uint64(record.Size)
	}
	ql, err := i.LockQuota()
	if err == nil {
		err = ql.Release(freed)
		ql.Unlock()
	}
	if err != nil {
		m.log.Printf("LOSTQUOTA: mailbox %s: unable to record the release of %d bytes in quota %s: %s", m.name, freed, m.header.QuotaRoot, err)
	}

	for _, record := range removed {
		err = os.Remove(m.MessagePath(record.UID))
		if err != nil && !os.IsNotExist(err) {
			m.log.Printf("mailbox %s: removing message file %d: %s", m.name, record.UID, err)
		}
	}
	m.log.Printf("mailbox %s: expunged %d messages", m.name, len(removed))
	m.store.notify(ChangeMailbox, m.name)
	return removed, nil
}
