package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// CreateOptions describe a new mailbox
type CreateOptions struct {
	Partition string
	ACL       string
	// UniqueID is generated from the name and uid validity when empty
	UniqueID string
	// UIDValidity defaults to the current time
	UIDValidity uint32
}

// Create makes a new empty mailbox. Every file is created and written while locked,
// so nobody can see a partial mailbox. The mailbox is returned unlocked.
func (s *Store) Create(name string, options CreateOptions) (*Mailbox, error) {
	path, err := s.Path(name, options.Partition)
	if err != nil {
		return nil, err
	}
	partition := options.Partition
	if partition == "" {
		partition = s.defaultPartition
	}
	err = os.MkdirAll(path, 0700)
	if err != nil {
		return nil, fmt.Errorf("%w: creating directory of %s: %s", lib.ErrIO, name, err)
	}
	uidValidity := options.UIDValidity
	if uidValidity == 0 {
		uidValidity = lib.NewUIDValidity()
	}
	header := mailbox.Header{
		UniqueID: options.UniqueID,
		ACL:      options.ACL,
	}
	if header.UniqueID == "" {
		header.UniqueID = mailbox.MakeUniqueID(name, uidValidity)
	}
	if root, found := s.ledger.FindRoot(name); found {
		header.QuotaRoot = root
	}

	m := &Mailbox{
		store:     s,
		name:      name,
		partition: partition,
		path:      path,
		log:       s.log,
		header:    header,
	}
	headerFile, err := os.OpenFile(m.file(HeaderFile), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", lib.ErrMailboxExists, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: creating header of %s: %s", lib.ErrIO, name, err)
	}
	m.headerFile = headerFile
	err = lib.LockFile(headerFile)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.headerLocks = 1
	hl := &HeaderLock{mailbox: m}
	fail := func(err error) (*Mailbox, error) {
		m.Close()
		for _, file := range []string{IndexFile, CacheFile, HeaderFile} {
			_ = os.Remove(m.file(file))
		}
		return nil, err
	}

	index := mailbox.NewIndexHeader(uidValidity)
	indexFile, err := os.OpenFile(m.file(IndexFile), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fail(fmt.Errorf("%w: creating index of %s: %s", lib.ErrIO, name, err))
	}
	m.indexFile = indexFile
	err = lib.LockFile(indexFile)
	if err != nil {
		return fail(err)
	}
	m.indexLocks = 1
	il := &IndexLock{mailbox: m}
	cacheFile, err := os.OpenFile(m.file(CacheFile), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fail(fmt.Errorf("%w: creating cache of %s: %s", lib.ErrIO, name, err))
	}
	m.cacheFile = cacheFile

	err = writeSynced(cacheFile, mailbox.EncodeGeneration(index.Generation))
	if err == nil {
		err = writeSynced(indexFile, index.Encode())
	}
	if err == nil {
		err = writeSynced(headerFile, header.Bytes())
	}
	if err != nil {
		return fail(fmt.Errorf("%w: initializing %s: %s", lib.ErrIO, name, err))
	}
	err = m.refresh()
	if err != nil {
		return fail(err)
	}
	lib.Check(s.log, lib.SyncDir(path), "syncing directory of %s", name)
	s.createSeen(name, header.UniqueID)

	il.Unlock()
	hl.Unlock()
	s.log.Printf("created mailbox %s on partition %s (uid validity %d)", name, partition, uidValidity)
	return m, nil
}

func writeSynced(file *os.File, data []byte) error {
	_, err := file.WriteAt(data, 0)
	if err == nil {
		err = file.Sync()
	}
	return err
}

// DeleteOptions change the behaviour of a delete
type DeleteOptions struct {
	// DeleteQuotaRoot removes the quota root of the mailbox instead of releasing its usage
	DeleteQuotaRoot bool
}

// Delete removes the mailbox: its usage is released from the quota root, every file of
// the directory is removed, then the empty directories up to the partition. The handle is closed.
// Sub-mailboxes are stored in sub-directories and are left alone.
func (h *HeaderLock) Delete(options DeleteOptions) error {
	m := h.mailbox
	if m.headerLocks == 0 {
		return fmt.Errorf("%w: header lock of %s not held", lib.ErrUsage, m.name)
	}
	il, err := h.LockIndex()
	if err != nil {
		return err
	}
	ql, err := il.LockQuota()
	if err != nil {
		il.Unlock()
		return err
	}
	if options.DeleteQuotaRoot {
		err = ql.DeleteRoot()
	} else {
		err = ql.Release(uint64(m.index.QuotaMailboxUsed))
	}
	if err != nil {
		m.log.Printf("LOSTQUOTA: mailbox %s: unable to release %d bytes from quota %s: %s", m.name, m.index.QuotaMailboxUsed, m.header.QuotaRoot, err)
	}
	ql.Unlock()
	m.store.deleteSeen(m.name, m.header.UniqueID)

	// files go away while the locks are still held
	err = m.store.removeFiles(m.path, m.partition)
	m.Close()
	if err != nil {
		return err
	}
	m.log.Printf("deleted mailbox %s (%s)", m.name, m.header.UniqueID)
	return nil
}

// Delete removes a mailbox by name. A mailbox left half-deleted by a previous
// failure is cleaned up as well: when it cannot be opened its files are removed
// without touching the quota.
func (s *Store) Delete(name, partition string, options DeleteOptions) error {
	path, err := s.Path(name, partition)
	if err != nil {
		return err
	}
	m, err := s.Open(name, partition)
	if err != nil {
		if !exists(path) {
			return fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, name)
		}
		s.log.Printf("mailbox %s cannot be opened (%s), removing its files", name, err)
		return s.removeFiles(path, partition)
	}
	hl, err := m.LockHeader()
	if err != nil {
		m.Close()
		return err
	}
	return hl.Delete(options)
}

// removeFiles deletes the regular files of a mailbox directory, then the directory
// and its parents while they are empty
func (s *Store) removeFiles(path, partition string) error {
	entries, err := os.ReadDir(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: reading directory %s: %s", lib.ErrIO, path, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		err = os.Remove(filepath.Join(path, entry.Name()))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing %s: %s", lib.ErrIO, entry.Name(), err)
		}
	}
	lib.RemoveEmptyParents(path, s.partitionRoot(partition))
	return nil
}

// RenameCopy creates newName as a copy of the locked mailbox: same unique id, ACL and
// flag names, every message linked (or copied) with its UID. The uid validity is kept
// when only the partition changes. The usage is added to the quota root of the new name,
// checking its limit when the root differs. The new mailbox is returned unlocked.
// On failure the partial destination is removed.
func (h *HeaderLock) RenameCopy(newName, newPartition string) (*Mailbox, error) {
	m := h.mailbox
	s := m.store
	il, err := h.LockIndex()
	if err != nil {
		return nil, err
	}
	defer il.Unlock()

	options := CreateOptions{
		Partition: newPartition,
		ACL:       m.header.ACL,
		UniqueID:  m.header.UniqueID,
	}
	if newName == m.name {
		options.UIDValidity = m.index.UIDValidity
	}
	dst, err := s.Create(newName, options)
	if err != nil {
		return nil, err
	}
	// the new mailbox was created here and is not published yet: remove it on failure
	fail := func(err error) (*Mailbox, error) {
		dst.Close()
		lib.Check(m.log, s.removeFiles(dst.path, dst.partition), "removing partial copy %s", newName)
		s.deleteSeen(newName, dst.header.UniqueID)
		return nil, err
	}
	dstHeader, err := dst.LockHeader()
	if err != nil {
		return fail(err)
	}
	defer dstHeader.Unlock()
	dst.header.Flags = m.header.Flags
	err = dstHeader.WriteHeader()
	if err != nil {
		return fail(err)
	}
	dstIndex, err := dstHeader.LockIndex()
	if err != nil {
		return fail(err)
	}
	defer dstIndex.Unlock()

	ql, err := dstIndex.LockQuota()
	if err != nil {
		return fail(err)
	}
	defer ql.Unlock()
	if dst.header.QuotaRoot != m.header.QuotaRoot {
		err = ql.Check(uint64(m.index.QuotaMailboxUsed))
		if err != nil {
			return fail(err)
		}
	}

	err = copyMailboxFiles(m, dst, true)
	if err == nil {
		err = s.copySeen(m.name, newName, m.header.UniqueID)
	}
	if err != nil {
		return fail(err)
	}
	err = ql.Add(uint64(m.index.QuotaMailboxUsed))
	if err != nil {
		m.log.Printf("LOSTQUOTA: mailbox %s: unable to record the use of %d bytes in quota %s: %s", newName, m.index.QuotaMailboxUsed, dst.header.QuotaRoot, err)
	}
	return dst, nil
}

// copyMailboxFiles replaces the index and cache of dst (locked) by copies of the ones of src
// keeping the uid validity of dst. Every message file is linked when linkMessages is set.
func copyMailboxFiles(src, dst *Mailbox, linkMessages bool) error {
	for msgno := uint32(1); linkMessages && msgno <= src.index.Exists; msgno++ {
		record, err := src.Record(msgno)
		if err != nil {
			return err
		}
		target := dst.MessagePath(record.UID)
		_ = os.Remove(target)
		err = lib.LinkOrCopy(src.log, target, src.MessagePath(record.UID), true)
		if err != nil {
			return err
		}
	}
	cache, err := readAll(src.cacheFile)
	if err != nil {
		return err
	}
	index := make([]byte, len(src.indexData))
	copy(index, src.indexData)
	header := src.index
	header.UIDValidity = dst.index.UIDValidity
	encoded := header.Encode()
	copy(index, encoded[:min(len(encoded), int(header.StartOffset))])
	return (&IndexLock{mailbox: dst}).replaceFiles(index, cache)
}

// Rename moves a mailbox to a new name (or partition): the mailbox is copied, then the
// source is deleted. Renaming an inbox keeps the source with its messages expunged.
func (s *Store) Rename(oldName, oldPartition, newName, newPartition string) error {
	src, err := s.Open(oldName, oldPartition)
	if err != nil {
		return err
	}
	hl, err := src.LockHeader()
	if err != nil {
		src.Close()
		return err
	}
	dst, err := hl.RenameCopy(newName, newPartition)
	if err != nil {
		hl.Unlock()
		src.Close()
		return err
	}
	dst.Close()

	if user := lib.UserFromMailbox(oldName); user != "" && oldName == lib.InboxName(user) {
		defer src.Close()
		defer hl.Unlock()
		_, err = src.Expunge(ExpungeAll)
		return err
	}
	return hl.Delete(DeleteOptions{})
}

// SyncMailbox makes the mailbox newName on newPartition a mirror of the locked mailbox.
// Both UID lists are walked in order: message files missing from the destination are
// linked, files of messages no longer in the source are removed, then index, cache and
// header are copied. The destination is created when create is true.
func (h *HeaderLock) SyncMailbox(newName, newPartition string, create bool) (*Mailbox, error) {
	m := h.mailbox
	s := m.store
	il, err := h.LockIndex()
	if err != nil {
		return nil, err
	}
	defer il.Unlock()

	var dst *Mailbox
	if create {
		dst, err = s.Create(newName, CreateOptions{
			Partition:   newPartition,
			ACL:         m.header.ACL,
			UniqueID:    m.header.UniqueID,
			UIDValidity: m.index.UIDValidity,
		})
	} else {
		dst, err = s.Open(newName, newPartition)
	}
	if err != nil {
		return nil, err
	}
	dstHeader, err := dst.LockHeader()
	if err != nil {
		dst.Close()
		return nil, err
	}
	defer dstHeader.Unlock()
	dstIndex, err := dstHeader.LockIndex()
	if err != nil {
		dst.Close()
		return nil, err
	}
	defer dstIndex.Unlock()

	previousUsed := dst.index.QuotaMailboxUsed
	ql, err := dstIndex.LockQuota()
	if err != nil {
		dst.Close()
		return nil, err
	}
	defer ql.Unlock()
	if dst.header.QuotaRoot != m.header.QuotaRoot && m.index.QuotaMailboxUsed > previousUsed {
		err = ql.Check(uint64(m.index.QuotaMailboxUsed - previousUsed))
		if err != nil {
			dst.Close()
			return nil, err
		}
	}

	srcUIDs, err := m.UIDs()
	if err != nil {
		dst.Close()
		return nil, err
	}
	dstUIDs, err := dst.UIDs()
	if err != nil {
		dst.Close()
		return nil, err
	}
	err = MergeUIDs(srcUIDs, dstUIDs, func(uid uint32) error {
		target := dst.MessagePath(uid)
		_ = os.Remove(target)
		return lib.LinkOrCopy(m.log, target, m.MessagePath(uid), true)
	}, func(uid uint32) error {
		err := os.Remove(dst.MessagePath(uid))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing message %d of %s: %s", lib.ErrIO, uid, dst.name, err)
		}
		return nil
	})
	if err == nil {
		err = s.copySeen(m.name, newName, m.header.UniqueID)
	}
	if err != nil {
		dst.Close()
		return nil, err
	}

	dst.header.Flags = m.header.Flags
	dst.header.ACL = m.header.ACL
	err = dstHeader.WriteHeader()
	if err == nil {
		err = copyMailboxFiles(m, dst, false)
	}
	if err != nil {
		dst.Close()
		return nil, err
	}
	if dst.index.UIDValidity != m.index.UIDValidity {
		header := dst.index
		header.UIDValidity = m.index.UIDValidity
		dstIndex.SetIndexHeader(header)
		err = dstIndex.WriteIndexHeader()
		if err != nil {
			dst.Close()
			return nil, err
		}
	}

	used := uint64(m.index.QuotaMailboxUsed)
	if used >= uint64(previousUsed) {
		err = ql.Add(used - uint64(previousUsed))
	} else {
		err = ql.Release(uint64(previousUsed) - used)
	}
	if err != nil {
		m.log.Printf("LOSTQUOTA: mailbox %s: unable to record its usage in quota %s: %s", newName, dst.header.QuotaRoot, err)
	}
	return dst, nil
}

// MergeUIDs walks two strictly increasing UID lists: UIDs only in source are given to
// transfer, UIDs only in destination are given to remove. It stops at the first error,
// and fails when a list is not strictly increasing.
func MergeUIDs(source, destination []uint32, transfer, remove func(uid uint32) error) error {
	if err := checkIncreasing(source); err != nil {
		return err
	}
	if err := checkIncreasing(destination); err != nil {
		return err
	}
	s, d := 0, 0
	for s < len(source) || d < len(destination) {
		var err error
		switch {
		case d >= len(destination) || (s < len(source) && source[s] < destination[d]):
			err = transfer(source[s])
			s++
		case s >= len(source) || destination[d] < source[s]:
			err = remove(destination[d])
			d++
		default:
			s++
			d++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func checkIncreasing(uids []uint32) error {
	for i := 1; i < len(uids); i++ {
		if uids[i] <= uids[i-1] {
			return fmt.Errorf("%w: uid %d follows uid %d", lib.ErrBadFormat, uids[i], uids[i-1])
		}
	}
	return nil
}

// List returns the names of the mailboxes found in a partition, sorted
func (s *Store) List(partition string) ([]string, error) {
	root := s.partitionRoot(partition)
	if root == "" {
		return nil, fmt.Errorf("%w: unknown partition %q", lib.ErrConfig, partition)
	}
	names := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || entry.Name() != HeaderFile {
			return nil
		}
		relative, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil || relative == "." {
			return nil
		}
		names = append(names, strings.ReplaceAll(relative, string(filepath.Separator), lib.HierarchySeparator))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing partition %s: %s", lib.ErrIO, partition, err)
	}
	sort.Strings(names)
	return names, nil
}

// MessageFiles returns the UIDs of the message files present in the mailbox directory
func (m *Mailbox) MessageFiles() ([]uint32, error) {
	entries, err := os.ReadDir(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading directory of %s: %s", lib.ErrIO, m.name, err)
	}
	uids := make([]uint32, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".") {
			continue
		}
		uid, err := strconv.ParseUint(strings.TrimSuffix(name, "."), 10, 32)
		if err != nil {
			continue
		}
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}
