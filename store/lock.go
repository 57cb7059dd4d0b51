package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/quota"
)

// Locks are taken in this order: header, index, quota. The pop lock can be
// taken with the index lock but never while the quota lock is held.
// Each handle counts its locks: taking a lock already held only increments the count.

// HeaderLock proves the header lock of a mailbox is held
type HeaderLock struct {
	mailbox  *Mailbox
	released bool
}

// IndexLock proves the index lock of a mailbox is held
type IndexLock struct {
	mailbox  *Mailbox
	released bool
}

// QuotaLock holds the quota root of a mailbox. The root is nil when the mailbox has no quota.
type QuotaLock struct {
	mailbox  *Mailbox
	root     *quota.Locked
	released bool
}

// PopLock proves the pop lock of a mailbox is held
type PopLock struct {
	mailbox  *Mailbox
	released bool
}

// LockHeader takes the header lock and re-reads the header
func (m *Mailbox) LockHeader() (*HeaderLock, error) {
	if m.headerLocks > 0 {
		m.headerLocks++
		return &HeaderLock{mailbox: m}, nil
	}
	if m.indexLocks > 0 || m.quotaLocks > 0 {
		panic(fmt.Sprintf("mailbox %s: header lock requested while index or quota lock is held", m.name))
	}
	if m.headerFile == nil {
		return nil, fmt.Errorf("%w: %s has no header", lib.ErrMailboxNotFound, m.name)
	}
	for {
		err := lib.LockFile(m.headerFile)
		if err != nil {
			return nil, err
		}
		same, err := lib.SameFile(m.headerFile, m.file(HeaderFile))
		if err != nil {
			_ = lib.UnlockFile(m.headerFile)
			return nil, err
		}
		if same {
			break
		}
		// the header has been rewritten while we were waiting
		_ = m.headerFile.Close()
		file, err := os.OpenFile(m.file(HeaderFile), os.O_RDWR, 0)
		if errors.Is(err, os.ErrNotExist) {
			m.headerFile = nil
			return nil, fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, m.name)
		}
		if err != nil {
			m.headerFile = nil
			return nil, fmt.Errorf("%w: opening header of %s: %s", lib.ErrIO, m.name, err)
		}
		m.headerFile = file
	}
	err := m.readHeader()
	if err != nil {
		_ = lib.UnlockFile(m.headerFile)
		return nil, err
	}
	m.headerLocks = 1
	return &HeaderLock{mailbox: m}, nil
}

// Mailbox returns the locked mailbox
func (h *HeaderLock) Mailbox() *Mailbox {
	return h.mailbox
}

// LockIndex takes the index lock after the header lock
func (h *HeaderLock) LockIndex() (*IndexLock, error) {
	return h.mailbox.LockIndex()
}

// Unlock releases this hold on the header lock
func (h *HeaderLock) Unlock() {
	if h.released {
		return
	}
	h.released = true
	m := h.mailbox
	if m.headerLocks == 0 {
		return
	}
	m.headerLocks--
	if m.headerLocks == 0 && m.headerFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.headerFile), "mailbox %s: releasing header lock", m.name)
	}
}

// WriteHeader saves the header: the content is written to a new file which is locked
// and renamed over the previous one. The lock is kept on the new file.
func (h *HeaderLock) WriteHeader() error {
	m := h.mailbox
	path := m.file(HeaderFile)
	file, err := lib.WriteNewFile(path, m.header.Bytes(), 0600)
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
	if m.headerFile != nil {
		_ = m.headerFile.Close()
	}
	m.headerFile = file
	return nil
}

// SetHeader replaces the header kept in memory. It is saved by WriteHeader.
func (h *HeaderLock) SetHeader(header mailbox.Header) {
	h.mailbox.header = header
}

// LockIndex takes the index lock. The snapshot of the index is refreshed, and the
// files are reopened when another process replaced them.
func (m *Mailbox) LockIndex() (*IndexLock, error) {
	if m.quotaLocks > 0 || m.popLocks > 0 {
		panic(fmt.Sprintf("mailbox %s: index lock requested while quota or pop lock is held", m.name))
	}
	if m.indexLocks > 0 {
		m.indexLocks++
		return &IndexLock{mailbox: m}, nil
	}
	for {
		err := lib.LockFile(m.indexFile)
		if err != nil {
			return nil, err
		}
		same, err := lib.SameFile(m.indexFile, m.file(IndexFile))
		if err != nil {
			_ = lib.UnlockFile(m.indexFile)
			return nil, err
		}
		if same {
			break
		}
		m.log.Printf("mailbox %s: index file replaced, reopening", m.name)
		m.closeIndexFiles()
		err = m.openIndex()
		if err != nil {
			return nil, err
		}
	}
	err := m.refresh()
	if err != nil {
		_ = lib.UnlockFile(m.indexFile)
		return nil, err
	}
	m.indexLocks = 1
	return &IndexLock{mailbox: m}, nil
}

// Mailbox returns the locked mailbox
func (i *IndexLock) Mailbox() *Mailbox {
	return i.mailbox
}

// Unlock releases this hold on the index lock
func (i *IndexLock) Unlock() {
	if i.released {
		return
	}
	i.released = true
	m := i.mailbox
	if m.indexLocks == 0 {
		return
	}
	m.indexLocks--
	if m.indexLocks == 0 && m.indexFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.indexFile), "mailbox %s: releasing index lock", m.name)
	}
}

// LockQuota takes the lock of the quota root of the mailbox
func (i *IndexLock) LockQuota() (*QuotaLock, error) {
	m := i.mailbox
	if m.popLocks > 0 {
		panic(fmt.Sprintf("mailbox %s: quota lock requested while pop lock is held", m.name))
	}
	if m.quotaLocks > 0 {
		m.quotaLocks++
		return &QuotaLock{mailbox: m, root: m.quota.root}, nil
	}
	lock := &QuotaLock{mailbox: m}
	if m.header.QuotaRoot != "" {
		root, err := m.store.ledger.Lock(m.header.QuotaRoot)
		if errors.Is(err, quota.ErrRootNotFound) {
			m.log.Printf("mailbox %s: quota root %s does not exist", m.name, m.header.QuotaRoot)
		} else if err != nil {
			return nil, err
		}
		lock.root = root
	}
	m.quota = lock
	m.quotaLocks = 1
	return &QuotaLock{mailbox: m, root: lock.root}, nil
}

// Root returns the usage of the quota root, and false when the mailbox has no quota
func (q *QuotaLock) Root() (quota.Root, bool) {
	if q.root == nil {
		return quota.Root{}, false
	}
	return q.root.Root(), true
}

// Check returns ErrQuotaExceeded when extra bytes would go over the limit
func (q *QuotaLock) Check(extra uint64) error {
	if q.root == nil {
		return nil
	}
	root := q.root.Root()
	if root.Exceeded(extra) {
		return fmt.Errorf("%w: quota root %s: %d used, %d more requested, limit %d", lib.ErrQuotaExceeded, root.Name, root.Used, extra, root.Limit)
	}
	return nil
}

// Add accounts bytes to the root and saves it
func (q *QuotaLock) Add(bytes uint64) error {
	if q.root == nil || bytes == 0 {
		return nil
	}
	q.root.Add(bytes)
	return q.root.Write()
}

// Release frees bytes from the root and saves it. Usage never goes below zero.
func (q *QuotaLock) Release(bytes uint64) error {
	if q.root == nil || bytes == 0 {
		return nil
	}
	q.root.Release(bytes)
	return q.root.Write()
}

// DeleteRoot removes the quota root itself
func (q *QuotaLock) DeleteRoot() error {
	if q.root == nil {
		return nil
	}
	return q.root.Delete()
}

// Unlock releases this hold on the quota lock
func (q *QuotaLock) Unlock() {
	if q.released {
		return
	}
	q.released = true
	m := q.mailbox
	if m.quotaLocks == 0 {
		return
	}
	m.quotaLocks--
	if m.quotaLocks == 0 && m.quota != nil {
		m.quota.release()
	}
}

func (q *QuotaLock) release() {
	if q.root != nil {
		q.root.Unlock()
	}
	q.mailbox.quota = nil
}

// LockPop takes the pop lock without waiting: ErrMailboxLocked is returned when
// another handle holds it.
func (m *Mailbox) LockPop() (*PopLock, error) {
	if m.quotaLocks > 0 {
		panic(fmt.Sprintf("mailbox %s: pop lock requested while quota lock is held", m.name))
	}
	if m.popLocks > 0 {
		m.popLocks++
		return &PopLock{mailbox: m}, nil
	}
	err := lib.TryLockFile(m.cacheFile)
	if err != nil {
		return nil, err
	}
	m.popLocks = 1
	return &PopLock{mailbox: m}, nil
}

// Unlock releases this hold on the pop lock
func (p *PopLock) Unlock() {
	if p.released {
		return
	}
	p.released = true
	m := p.mailbox
	if m.popLocks == 0 {
		return
	}
	m.popLocks--
	if m.popLocks == 0 && m.cacheFile != nil {
		lib.Check(m.log, lib.UnlockFile(m.cacheFile), "mailbox %s: releasing pop lock", m.name)
	}
}
