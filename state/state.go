// Package state keeps the data living next to the mailboxes: the list of
// mailboxes, the seen state of each user, subscriptions and sieve scripts.
package state

import (
	"fmt"
	"os"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket     = "metadata"
	mailboxBucket      = "mailboxes"
	seenBucket         = "seen"
	subscriptionBucket = "subscriptions"
	sieveBucket        = "sieve"
	versionKey         = "version"
	stateFileVersion   = 1
)

// Kinds of changes given to the Notifier
const (
	ChangeMailbox = "MAILBOX"
	ChangeSeen    = "SEEN"
	ChangeMeta    = "META"
)

// Notifier is told about every change, so it can be replicated
type Notifier interface {
	Notify(kind string, args ...string)
}

type State struct {
	file     string
	db       *bolt.DB
	log      lib.Logger
	notifier Notifier
}

func Open(filename string) (*State, error) {
	return OpenWithLogger(filename, nil)
}

func OpenWithLogger(filename string, logger lib.Logger) (*State, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	options := bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	db, err := bolt.Open(filename, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %q: %s", lib.ErrIO, filename, err)
	}
	s := &State{
		file: filename,
		db:   db,
		log:  logger,
	}
	err = s.init()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *State) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if current := bucket.Get([]byte(versionKey)); current != nil {
			version, err := DeserializeInt(current)
			if err != nil {
				return fmt.Errorf("%w: state file version: %s", lib.ErrBadFormat, err)
			}
			if version > stateFileVersion {
				return fmt.Errorf("%w: state file version %d is newer than supported version %d", lib.ErrBadFormat, version, stateFileVersion)
			}
		} else {
			version, err := SerializeInt(stateFileVersion)
			if err != nil {
				return err
			}
			err = bucket.Put([]byte(versionKey), version)
			if err != nil {
				return err
			}
		}
		for _, name := range []string{mailboxBucket, seenBucket, subscriptionBucket, sieveBucket} {
			_, err = tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SetNotifier registers the receiver of the changes. Nil disables notifications.
func (s *State) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

func (s *State) notify(kind string, args ...string) {
	if s.notifier != nil {
		s.notifier.Notify(kind, args...)
	}
}

func (s *State) Exists() bool {
	_, err := os.Stat(s.file)
	return err == nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// Backup writes a consistent copy of the state file
func (s *State) Backup(filename string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filename, 0600)
	})
}

// userBucket returns the bucket of user inside the top level bucket name, creating it when create is true
func userBucket(tx *bolt.Tx, name, user string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(name))
	if root == nil {
		return nil, fmt.Errorf("%w: missing bucket %s", lib.ErrBadFormat, name)
	}
	if user == "" {
		return nil, fmt.Errorf("%w: empty user name", lib.ErrInvalidUser)
	}
	if create {
		return root.CreateBucketIfNotExists([]byte(user))
	}
	return root.Bucket([]byte(user)), nil
}

// deleteUserBucket removes the bucket of user inside the top level bucket name
func deleteUserBucket(tx *bolt.Tx, name, user string) error {
	root := tx.Bucket([]byte(name))
	if root == nil || root.Bucket([]byte(user)) == nil {
		return nil
	}
	return root.DeleteBucket([]byte(user))
}

// ResetUser forgets the seen state, subscriptions and sieve scripts of user
func (s *State) ResetUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: empty user name", lib.ErrInvalidUser)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{seenBucket, subscriptionBucket, sieveBucket} {
			err := deleteUserBucket(tx, name, user)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
