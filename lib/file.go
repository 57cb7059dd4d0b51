package lib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// NewSuffix is appended to a file name while its replacement is being written
const NewSuffix = ".NEW"

// LockFile takes an exclusive lock on the file, waiting for it if necessary
func LockFile(file *os.File) error {
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: locking %s: %s", ErrIO, file.Name(), err)
		}
		return nil
	}
}

// TryLockFile takes an exclusive lock on the file without waiting.
// It returns ErrMailboxLocked when another descriptor holds a lock.
func TryLockFile(file *os.File) error {
	err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s", ErrMailboxLocked, file.Name())
	}
	if err != nil {
		return fmt.Errorf("%w: locking %s: %s", ErrIO, file.Name(), err)
	}
	return nil
}

// UnlockFile releases the lock held on the file
func UnlockFile(file *os.File) error {
	err := unix.Flock(int(file.Fd()), unix.LOCK_UN)
	if err != nil {
		return fmt.Errorf("%w: unlocking %s: %s", ErrIO, file.Name(), err)
	}
	return nil
}

// SameFile returns true when the open file is still the one reachable at path.
// It returns false when the file at path has been replaced or removed.
func SameFile(file *os.File, path string) (bool, error) {
	var opened, current unix.Stat_t
	err := unix.Fstat(int(file.Fd()), &opened)
	if err != nil {
		return false, fmt.Errorf("%w: fstat %s: %s", ErrIO, file.Name(), err)
	}
	err = unix.Stat(path, &current)
	if errors.Is(err, unix.ENOENT) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %s", ErrIO, path, err)
	}
	return opened.Ino == current.Ino && opened.Dev == current.Dev, nil
}

// SyncDir flushes the directory entries of dir to disk
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open directory: %s", ErrIO, err)
	}
	err = d.Sync()
	_ = d.Close()
	if err != nil {
		return fmt.Errorf("%w: sync directory %s: %s", ErrIO, dir, err)
	}
	return nil
}

// WriteNewFile writes data into path + NewSuffix and flushes it to disk.
// The returned file is still open and positioned at the end of the data.
func WriteNewFile(path string, data []byte, perm os.FileMode) (*os.File, error) {
	newPath := path + NewSuffix
	file, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %s", ErrIO, newPath, err)
	}
	_, err = file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(newPath)
		return nil, fmt.Errorf("%w: writing %s: %s", ErrIO, newPath, err)
	}
	return file, nil
}

// CommitNewFile renames path + NewSuffix over path
func CommitNewFile(path string) error {
	err := os.Rename(path+NewSuffix, path)
	if err != nil {
		return fmt.Errorf("%w: renaming %s: %s", ErrIO, path+NewSuffix, err)
	}
	return nil
}

// LinkOrCopy makes dst a hard link to src, or a copy of it when linking is not possible.
// A copied file is flushed to disk when sync is true. A partial copy is removed.
func LinkOrCopy(logger Logger, dst, src string, sync bool) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		return fmt.Errorf("%w: linking %s: %s", ErrIO, src, err)
	}

	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open source file: %s", ErrIO, err)
	}
	defer func() {
		Check(logger, source.Close(), "closing copied source file")
	}()

	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: create destination: %s", ErrIO, err)
	}
	defer func() {
		if destination != nil {
			Check(logger, destination.Close(), "closing partial destination file")
			Check(logger, os.Remove(dst), "removing partial destination file")
		}
	}()

	if _, err := io.Copy(destination, source); err != nil {
		return fmt.Errorf("%w: copy %s: %s", ErrIO, src, err)
	}
	if sync {
		if err := destination.Sync(); err != nil {
			return fmt.Errorf("%w: sync destination: %s", ErrIO, err)
		}
	}
	err = destination.Close()
	destination = nil
	if err != nil {
		Check(logger, os.Remove(dst), "removing partial destination file")
		return fmt.Errorf("%w: close destination: %s", ErrIO, err)
	}
	return nil
}

// RemoveEmptyParents removes dir and its parents while they are empty, stopping at (and never removing) stop
func RemoveEmptyParents(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && len(dir) > len(stop); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			return
		}
	}
}
