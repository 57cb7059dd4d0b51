package state

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	bolt "go.etcd.io/bbolt"
)

// MailboxEntry is the record of a mailbox in the list
type MailboxEntry struct {
	Name      string
	Partition string
	ACL       string
	UniqueID  string
	// Type is empty for a normal mailbox, or "remote", "reserved", "deleted"
	Type string
}

// CreateMailbox adds a mailbox to the list. ErrMailboxExists is returned when the name is taken.
func (s *State) CreateMailbox(entry MailboxEntry) error {
	entry.Name = lib.NormalizeName(entry.Name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(mailboxBucket))
		if bucket.Get([]byte(entry.Name)) != nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxExists, entry.Name)
		}
		return putMailbox(bucket, entry)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMailbox, entry.Name)
	return nil
}

// SetMailbox adds or replaces a mailbox entry
func (s *State) SetMailbox(entry MailboxEntry) error {
	entry.Name = lib.NormalizeName(entry.Name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putMailbox(tx.Bucket([]byte(mailboxBucket)), entry)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMailbox, entry.Name)
	return nil
}

func putMailbox(bucket *bolt.Bucket, entry MailboxEntry) error {
	data, err := SerializeObject(&entry)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(entry.Name), data)
}

// LookupMailbox returns the entry of a mailbox, or ErrMailboxNotFound
func (s *State) LookupMailbox(name string) (MailboxEntry, error) {
	name = lib.NormalizeName(name)
	var entry *MailboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(mailboxBucket)).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, name)
		}
		var err error
		entry, err = DeserializeObject[MailboxEntry](data)
		return err
	})
	if err != nil {
		return MailboxEntry{}, err
	}
	return *entry, nil
}

// DeleteMailbox removes a mailbox from the list
func (s *State) DeleteMailbox(name string) error {
	name = lib.NormalizeName(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(mailboxBucket))
		if bucket.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, name)
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMailbox, name)
	return nil
}

// RenameMailbox moves an entry to a new name and partition in one transaction
func (s *State) RenameMailbox(oldName, newName, partition string) error {
	oldName = lib.NormalizeName(oldName)
	newName = lib.NormalizeName(newName)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(mailboxBucket))
		data := bucket.Get([]byte(oldName))
		if data == nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, oldName)
		}
		if oldName != newName && bucket.Get([]byte(newName)) != nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxExists, newName)
		}
		entry, err := DeserializeObject[MailboxEntry](data)
		if err != nil {
			return err
		}
		entry.Name = newName
		if partition != "" {
			entry.Partition = partition
		}
		if oldName != newName {
			err = bucket.Delete([]byte(oldName))
			if err != nil {
				return err
			}
		}
		return putMailbox(bucket, *entry)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeMailbox, oldName, newName)
	return nil
}

// ListMailboxes returns the entries whose name starts with prefix, sorted by name
func (s *State) ListMailboxes(prefix string) ([]MailboxEntry, error) {
	prefix = lib.NormalizeName(prefix)
	list := make([]MailboxEntry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(mailboxBucket)).Cursor()
		for key, value := cursor.Seek([]byte(prefix)); key != nil && bytes.HasPrefix(key, []byte(prefix)); key, value = cursor.Next() {
			entry, err := DeserializeObject[MailboxEntry](value)
			if err != nil {
				return fmt.Errorf("%w: mailbox entry %s: %s", lib.ErrBadFormat, key, err)
			}
			list = append(list, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// UserMailboxes returns the inbox of user and every mailbox below it
func (s *State) UserMailboxes(user string) ([]MailboxEntry, error) {
	inbox := lib.InboxName(user)
	entries, err := s.ListMailboxes(inbox)
	if err != nil {
		return nil, err
	}
	list := make([]MailboxEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == inbox || strings.HasPrefix(entry.Name, inbox+lib.HierarchySeparator) {
			list = append(list, entry)
		}
	}
	return list, nil
}

// FindUniqueID returns the entry of the mailbox with the given unique id
func (s *State) FindUniqueID(uniqueID string) (MailboxEntry, error) {
	var found *MailboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mailboxBucket)).ForEach(func(key, value []byte) error {
			entry, err := DeserializeObject[MailboxEntry](value)
			if err != nil {
				return fmt.Errorf("%w: mailbox entry %s: %s", lib.ErrBadFormat, key, err)
			}
			if entry.UniqueID == uniqueID {
				found = entry
			}
			return nil
		})
	})
	if err != nil {
		return MailboxEntry{}, err
	}
	if found == nil {
		return MailboxEntry{}, fmt.Errorf("%w: no mailbox with unique id %s", lib.ErrMailboxNotFound, uniqueID)
	}
	return *found, nil
}
