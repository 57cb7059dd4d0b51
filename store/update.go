package store

import (
	"fmt"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// FlagUpdate replaces the flags of one message
type FlagUpdate struct {
	UID   uint32
	Flags []string
}

// SetFlags replaces the flags of messages. Unknown UIDs are skipped and returned.
func (m *Mailbox) SetFlags(updates []FlagUpdate) ([]uint32, error) {
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

	missing := make([]uint32, 0)
	header := m.header
	changed := make(map[uint32]mailbox.IndexRecord, len(updates))
	for _, update := range updates {
		msgno, record, found := m.FindUID(update.UID)
		if !found {
			missing = append(missing, update.UID)
			continue
		}
		system, user, err := header.Flags.Flags(update.Flags)
		if err != nil {
			return missing, fmt.Errorf("mailbox %s: %w", m.name, err)
		}
		if system == record.SystemFlags && user == record.UserFlags {
			continue
		}
		record.SystemFlags = system
		record.UserFlags = user
		changed[msgno] = record
	}
	if len(changed) == 0 {
		return missing, nil
	}
	if header.Flags != m.header.Flags {
		m.header.Flags = header.Flags
		err = hl.WriteHeader()
		if err != nil {
			return missing, err
		}
	}
	index := m.index
	now := uint32(time.Now().Unix())
	for msgno, record := range changed {
		previous, err := m.Record(msgno)
		if err != nil {
			return missing, err
		}
		uncountFlags(&index, previous.SystemFlags)
		countFlags(&index, record.SystemFlags)
		record.LastUpdated = now
		err = il.WriteRecord(msgno, record, false)
		if err != nil {
			return missing, err
		}
	}
	il.SetIndexHeader(index)
	err = il.WriteIndexHeader()
	if err != nil {
		return missing, err
	}
	m.store.notify(ChangeMailbox, m.name)
	return missing, nil
}

func countFlags(header *mailbox.IndexHeader, flags mailbox.SystemFlags) {
	if flags.Has(mailbox.FlagDeleted) {
		header.Deleted++
	}
	if flags.Has(mailbox.FlagAnswered) {
		header.Answered++
	}
	if flags.Has(mailbox.FlagFlagged) {
		header.Flagged++
	}
}

// FlagNames returns the flag names of a record
func (m *Mailbox) FlagNames(record mailbox.IndexRecord) []string {
	return append(record.SystemFlags.Names(), m.header.Flags.Names(record.UserFlags)...)
}

// SetLastUID raises the last UID (and the last append date). It never lowers them.
func (m *Mailbox) SetLastUID(uid uint32, lastAppend time.Time) error {
	il, err := m.LockIndex()
	if err != nil {
		return err
	}
	defer il.Unlock()
	header := m.index
	changed := false
	if uid > header.LastUID {
		header.LastUID = uid
		changed = true
	}
	if date := uint32(lastAppend.Unix()); !lastAppend.IsZero() && date > header.LastAppendDate {
		header.LastAppendDate = date
		changed = true
	}
	if !changed {
		return nil
	}
	il.SetIndexHeader(header)
	return il.WriteIndexHeader()
}

// SetACL replaces the access control list of the mailbox
func (m *Mailbox) SetACL(acl string) error {
	hl, err := m.LockHeader()
	if err != nil {
		return err
	}
	defer hl.Unlock()
	if m.header.ACL == acl {
		return nil
	}
	m.header.ACL = acl
	return hl.WriteHeader()
}

// SetQuotaRoot changes the quota root recorded in the header
func (m *Mailbox) SetQuotaRoot(root string) error {
	hl, err := m.LockHeader()
	if err != nil {
		return err
	}
	defer hl.Unlock()
	if m.header.QuotaRoot == root {
		return nil
	}
	m.header.QuotaRoot = root
	return hl.WriteHeader()
}

// Renew gives the mailbox a new uid validity and the unique id derived from it.
// An inbox emptied by a rename is renewed so it is not mistaken for its copy.
func (m *Mailbox) Renew() error {
	hl, err := m.LockHeader()
	if err != nil {
		return err
	}
	defer hl.Unlock()
	il, err := hl.LockIndex()
	if err != nil {
		return err
	}
	defer il.Unlock()
	header := m.index
	uidValidity := lib.NewUIDValidity()
	if uidValidity <= header.UIDValidity {
		uidValidity = header.UIDValidity + 1
	}
	header.UIDValidity = uidValidity
	il.SetIndexHeader(header)
	err = il.WriteIndexHeader()
	if err != nil {
		return err
	}
	m.header.UniqueID = mailbox.MakeUniqueID(m.name, uidValidity)
	return hl.WriteHeader()
}
