// Package mboxlist keeps the list of mailboxes in step with the mailbox files:
// every creation, deletion or rename goes through the store and the list together.
package mboxlist

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/quota"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
)

// DefaultRights are given to the owner of a personal mailbox created without ACL
const DefaultRights = "lrswipcda"

// List gives access to the mailboxes by name
type List struct {
	store *store.Store
	state *state.State
	log   lib.Logger
}

func New(st *store.Store, db *state.State) *List {
	return NewWithLogger(st, db, nil)
}

func NewWithLogger(st *store.Store, db *state.State, logger lib.Logger) *List {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	return &List{
		store: st,
		state: db,
		log:   logger,
	}
}

func (l *List) Store() *store.Store {
	return l.store
}

func (l *List) State() *state.State {
	return l.state
}

// DefaultACL returns the ACL of a new mailbox: full rights for the owner of a
// personal mailbox, nobody otherwise.
func DefaultACL(name string) string {
	user := lib.UserFromMailbox(name)
	if user == "" {
		return ""
	}
	return user + "\t" + DefaultRights + "\t"
}

func (l *List) Lookup(name string) (state.MailboxEntry, error) {
	return l.state.LookupMailbox(name)
}

// Open opens a listed mailbox on its partition
func (l *List) Open(name string) (*store.Mailbox, error) {
	entry, err := l.state.LookupMailbox(name)
	if err != nil {
		return nil, err
	}
	if entry.Type != "" {
		return nil, fmt.Errorf("%w: %s is a %s mailbox", lib.ErrMailboxNotFound, entry.Name, entry.Type)
	}
	return l.store.Open(entry.Name, entry.Partition)
}

// Create makes a new mailbox and adds it to the list. The mailbox is returned unlocked.
func (l *List) Create(name string, options store.CreateOptions) (*store.Mailbox, error) {
	name = lib.NormalizeName(name)
	lock, err := l.store.LockList()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if _, err = l.state.LookupMailbox(name); err == nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrMailboxExists, name)
	} else if !errors.Is(err, lib.ErrMailboxNotFound) {
		return nil, err
	}
	if options.Partition == "" {
		options.Partition = l.store.DefaultPartition()
	}
	if options.ACL == "" {
		options.ACL = DefaultACL(name)
	}
	m, err := l.store.Create(name, options)
	if err != nil {
		return nil, err
	}
	err = l.state.CreateMailbox(state.MailboxEntry{
		Name:      name,
		Partition: m.Partition(),
		ACL:       m.Header().ACL,
		UniqueID:  m.UniqueID(),
	})
	if err != nil {
		m.Close()
		lib.Check(l.log, l.store.Delete(name, options.Partition, store.DeleteOptions{}), "removing mailbox %s after failing to list it", name)
		return nil, err
	}
	return m, nil
}

// Delete removes a mailbox from the disk then from the list
func (l *List) Delete(name string) error {
	lock, err := l.store.LockList()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return l.delete(name)
}

func (l *List) delete(name string) error {
	entry, err := l.state.LookupMailbox(name)
	if err != nil {
		return err
	}
	err = l.store.Delete(entry.Name, entry.Partition, store.DeleteOptions{})
	if err != nil && !errors.Is(err, lib.ErrMailboxNotFound) {
		return err
	}
	return l.state.DeleteMailbox(entry.Name)
}

// Rename moves a mailbox to a new name, and to a new partition when partition is not empty.
// The list only changes once the files are in place.
func (l *List) Rename(oldName, newName, partition string) error {
	newName = lib.NormalizeName(newName)
	lock, err := l.store.LockList()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	entry, err := l.state.LookupMailbox(oldName)
	if err != nil {
		return err
	}
	if partition == "" {
		partition = entry.Partition
	}
	if entry.Name == newName && entry.Partition == partition {
		return nil
	}
	if entry.Name != newName {
		if _, err = l.state.LookupMailbox(newName); err == nil {
			return fmt.Errorf("%w: %s", lib.ErrMailboxExists, newName)
		}
	}
	err = l.store.Rename(entry.Name, entry.Partition, newName, partition)
	if err != nil {
		return err
	}
	user := lib.UserFromMailbox(entry.Name)
	if user != "" && entry.Name == lib.InboxName(user) {
		return l.renewInbox(entry, newName, partition)
	}
	return l.state.RenameMailbox(entry.Name, newName, partition)
}

// renewInbox lists the copy of a renamed inbox, and gives the inbox left in place a new identity
func (l *List) renewInbox(entry state.MailboxEntry, newName, partition string) error {
	moved := entry
	moved.Name = newName
	moved.Partition = partition
	err := l.state.CreateMailbox(moved)
	if err != nil {
		return err
	}
	inbox, err := l.store.Open(entry.Name, entry.Partition)
	if err != nil {
		return err
	}
	defer inbox.Close()
	err = inbox.Renew()
	if err != nil {
		return err
	}
	entry.UniqueID = inbox.UniqueID()
	return l.state.SetMailbox(entry)
}

// SetACL changes the ACL in the mailbox header and in the list
func (l *List) SetACL(name, acl string) error {
	entry, err := l.state.LookupMailbox(name)
	if err != nil {
		return err
	}
	m, err := l.store.Open(entry.Name, entry.Partition)
	if err != nil {
		return err
	}
	defer m.Close()
	err = m.SetACL(acl)
	if err != nil {
		return err
	}
	entry.ACL = acl
	return l.state.SetMailbox(entry)
}

// UserMailboxes returns the inbox of user and its sub-folders, sorted by name
func (l *List) UserMailboxes(user string) ([]state.MailboxEntry, error) {
	return l.state.UserMailboxes(user)
}

// DeleteUser removes every mailbox of user, deepest first with the inbox last,
// then the subscriptions, seen state and sieve scripts of the user.
func (l *List) DeleteUser(user string) error {
	lock, err := l.store.LockList()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	entries, err := l.state.UserMailboxes(user)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name > entries[j].Name
	})
	for _, entry := range entries {
		err = l.delete(entry.Name)
		if err != nil {
			return err
		}
	}
	return l.state.ResetUser(user)
}

// SetQuota creates the quota root or changes its limit. Mailboxes below a new root
// are moved into it along with their usage.
func (l *List) SetQuota(root string, limit int64) error {
	ledger := l.store.Ledger()
	_, err := ledger.Read(root)
	existed := err == nil
	if err != nil && !errors.Is(err, quota.ErrRootNotFound) {
		return err
	}
	err = ledger.Create(root, limit)
	if err != nil || existed {
		return err
	}
	entries, err := l.state.ListMailboxes(root)
	if err != nil {
		return err
	}
	var used uint64
	for _, entry := range entries {
		if entry.Name != root && !strings.HasPrefix(entry.Name, root+lib.HierarchySeparator) {
			continue
		}
		if found, _ := ledger.FindRoot(entry.Name); found != root {
			continue
		}
		moved, err := l.moveToRoot(entry, root)
		if err != nil {
			return err
		}
		used += moved
	}
	if used == 0 {
		return nil
	}
	locked, err := ledger.Lock(root)
	if err != nil {
		return err
	}
	defer locked.Unlock()
	locked.Add(used)
	return locked.Write()
}

// moveToRoot changes the quota root of a mailbox, releasing its usage from the previous root
func (l *List) moveToRoot(entry state.MailboxEntry, root string) (uint64, error) {
	m, err := l.store.Open(entry.Name, entry.Partition)
	if err != nil {
		return 0, err
	}
	defer m.Close()
	previous := m.Header().QuotaRoot
	if previous == root {
		return 0, nil
	}
	err = m.SetQuotaRoot(root)
	if err != nil {
		return 0, err
	}
	used := uint64(m.IndexHeader().QuotaMailboxUsed)
	if previous != "" && used > 0 {
		locked, err := l.store.Ledger().Lock(previous)
		if err == nil {
			locked.Release(used)
			err = locked.Write()
			locked.Unlock()
		}
		if err != nil {
			l.log.Printf("LOSTQUOTA: unable to release %d bytes of %s from quota %s: %s", used, entry.Name, previous, err)
		}
	}
	return used, nil
}

// Discover adds to the list the mailboxes found on disk but missing from it
func (l *List) Discover() ([]string, error) {
	lock, err := l.store.LockList()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	added := make([]string, 0)
	for _, partition := range l.store.Partitions() {
		names, err := l.store.List(partition)
		if err != nil {
			return added, err
		}
		for _, name := range names {
			if _, err := l.state.LookupMailbox(name); err == nil {
				continue
			}
			m, err := l.store.Open(name, partition)
			if err != nil {
				l.log.Printf("skipping mailbox %s on partition %s: %s", name, partition, err)
				continue
			}
			err = l.state.CreateMailbox(state.MailboxEntry{
				Name:      name,
				Partition: partition,
				ACL:       m.Header().ACL,
				UniqueID:  m.UniqueID(),
			})
			m.Close()
			if err != nil {
				return added, err
			}
			added = append(added, name)
		}
	}
	return added, nil
}
