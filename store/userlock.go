package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
)

// FileLock is an advisory lock held on a file of the configuration directory
type FileLock struct {
	file *os.File
}

// LockUser takes the exclusive lock of a user: the replication server holds it
// while applying changes to the mailboxes of that user.
func (s *Store) LockUser(user string) (*FileLock, error) {
	if err := validUser(user); err != nil {
		return nil, err
	}
	return s.lockFile(filepath.Join("lock", "user", user+".lock"), true)
}

// TryLockUser is LockUser without waiting: ErrMailboxLocked is returned when the user is busy
func (s *Store) TryLockUser(user string) (*FileLock, error) {
	if err := validUser(user); err != nil {
		return nil, err
	}
	return s.lockFile(filepath.Join("lock", "user", user+".lock"), false)
}

// LockList takes the lock excluding changes to the list of mailboxes
func (s *Store) LockList() (*FileLock, error) {
	return s.lockFile(filepath.Join("lock", "mailboxes.lock"), true)
}

func (s *Store) lockFile(name string, wait bool) (*FileLock, error) {
	path := filepath.Join(s.configDir, name)
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening lock file: %s", lib.ErrIO, err)
	}
	if wait {
		err = lib.LockFile(file)
	} else {
		err = lib.TryLockFile(file)
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &FileLock{file: file}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *FileLock) Unlock() {
	if l == nil || l.file == nil {
		return
	}
	_ = lib.UnlockFile(l.file)
	_ = l.file.Close()
	l.file = nil
}

func validUser(user string) error {
	if user == "" || user == ".." || strings.ContainsAny(user, "/\x00\r\n") {
		return fmt.Errorf("%w: %q", lib.ErrInvalidUser, user)
	}
	return nil
}
