package quota

import (
	"fmt"
	"os"

	"github.com/creativeprojects/mailsync/lib"
)

// Locked is a quota root held under its exclusive lock
type Locked struct {
	ledger  *Ledger
	file    *os.File
	root    Root
	deleted bool
}

// Root returns the usage read when the lock was taken, including local changes
func (q *Locked) Root() Root {
	return q.root
}

// Add accounts extra bytes
func (q *Locked) Add(bytes uint64) {
	q.root.Used += bytes
}

// Release returns bytes to the root. The usage never goes below zero.
func (q *Locked) Release(bytes uint64) {
	if bytes > q.root.Used {
		q.ledger.log.Printf("quota root %s: releasing %d bytes but only %d used, clamping to zero", q.root.Name, bytes, q.root.Used)
		q.root.Used = 0
		return
	}
	q.root.Used -= bytes
}

// SetLimit changes the limit of the root
func (q *Locked) SetLimit(limit int64) {
	if limit < 0 {
		limit = NoLimit
	}
	q.root.Limit = limit
}

// Write saves the root: the new content is written aside, locked, then renamed over the previous file.
func (q *Locked) Write() error {
	if q.deleted {
		return fmt.Errorf("%w: quota root %s has been deleted", ErrRootNotFound, q.root.Name)
	}
	path := q.ledger.Path(q.root.Name)
	file, err := lib.WriteNewFile(path, []byte(format(q.root)), 0600)
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
	// keep holding the lock on the file now in place
	_ = q.file.Close()
	q.file = file
	return nil
}

// Delete removes the root file
func (q *Locked) Delete() error {
	defer q.Unlock()
	err := os.Remove(q.ledger.Path(q.root.Name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting quota root %s: %s", lib.ErrIO, q.root.Name, err)
	}
	q.deleted = true
	q.ledger.log.Printf("deleted quota root %s", q.root.Name)
	return nil
}

// Unlock releases the lock. It is safe to call more than once.
func (q *Locked) Unlock() {
	if q.file == nil {
		return
	}
	_ = lib.UnlockFile(q.file)
	_ = q.file.Close()
	q.file = nil
}
