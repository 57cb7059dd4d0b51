package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/quota"
)

// File names inside a mailbox directory
const (
	HeaderFile = "mailbox.header"
	IndexFile  = "mailbox.index"
	CacheFile  = "mailbox.cache"
)

const (
	defaultOpenRetries = 60
	defaultRetryDelay  = time.Second
	defaultPartition   = "default"
)

// SeenStore keeps the per-user read state of mailboxes. It is told about
// mailboxes appearing, moving and disappearing.
type SeenStore interface {
	CreateSeen(user, uniqueID string) error
	CopySeen(fromUser, toUser, uniqueID string) error
	DeleteSeen(user, uniqueID string) error
}

// Kinds of message changes given to the ChangeNotifier
const (
	ChangeAppend  = "APPEND"
	ChangeMailbox = "MAILBOX"
)

// ChangeNotifier is told about the messages appended, updated or expunged
type ChangeNotifier interface {
	Notify(kind string, args ...string)
}

// Options configure a Store
type Options struct {
	// Partitions maps a partition name to its root directory
	Partitions map[string]string
	// DefaultPartition is used when no partition is specified. It defaults to the only partition available.
	DefaultPartition string
	// ConfigDir holds the quota and lock files
	ConfigDir string
	// OpenRetries is the number of attempts to open index and cache files with matching generations
	OpenRetries int
	// RetryDelay is the pause between two attempts
	RetryDelay time.Duration
	// Seen is optional
	Seen SeenStore
	// Changes is optional
	Changes ChangeNotifier
}

// Store gives access to the mailboxes kept in a set of partitions
type Store struct {
	partitions       map[string]string
	defaultPartition string
	configDir        string
	retries          int
	retryDelay       time.Duration
	ledger           *quota.Ledger
	seen             SeenStore
	changes          ChangeNotifier
	log              lib.Logger
}

func New(options Options) (*Store, error) {
	return NewWithLogger(options, nil)
}

func NewWithLogger(options Options, logger lib.Logger) (*Store, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	if len(options.Partitions) == 0 {
		return nil, fmt.Errorf("%w: no partition defined", lib.ErrConfig)
	}
	partitions := make(map[string]string, len(options.Partitions))
	for name, dir := range options.Partitions {
		if dir == "" {
			return nil, fmt.Errorf("%w: empty directory for partition %q", lib.ErrConfig, name)
		}
		partitions[name] = filepath.Clean(dir)
	}
	partition := options.DefaultPartition
	if partition == "" {
		if len(partitions) > 1 {
			if _, found := partitions[defaultPartition]; !found {
				return nil, fmt.Errorf("%w: several partitions but no default one", lib.ErrConfig)
			}
			partition = defaultPartition
		} else {
			for name := range partitions {
				partition = name
			}
		}
	}
	if _, found := partitions[partition]; !found {
		return nil, fmt.Errorf("%w: unknown default partition %q", lib.ErrConfig, partition)
	}
	if options.ConfigDir == "" {
		return nil, fmt.Errorf("%w: no configuration directory", lib.ErrConfig)
	}
	retries := options.OpenRetries
	if retries <= 0 {
		retries = defaultOpenRetries
	}
	delay := options.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Store{
		partitions:       partitions,
		defaultPartition: partition,
		configDir:        options.ConfigDir,
		retries:          retries,
		retryDelay:       delay,
		ledger:           quota.NewLedgerWithLogger(options.ConfigDir, logger),
		seen:             options.Seen,
		changes:          options.Changes,
		log:              logger,
	}, nil
}

// Ledger returns the quota ledger used by the store
func (s *Store) Ledger() *quota.Ledger {
	return s.ledger
}

// DefaultPartition returns the name of the partition used when none is given
func (s *Store) DefaultPartition() string {
	return s.defaultPartition
}

// Partitions returns the names of the partitions
func (s *Store) Partitions() []string {
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	return names
}

// Path returns the directory of a mailbox
func (s *Store) Path(name, partition string) (string, error) {
	if partition == "" {
		partition = s.defaultPartition
	}
	root, found := s.partitions[partition]
	if !found {
		return "", fmt.Errorf("%w: unknown partition %q", lib.ErrConfig, partition)
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(root, strings.ReplaceAll(name, lib.HierarchySeparator, string(filepath.Separator))), nil
}

func (s *Store) partitionRoot(partition string) string {
	if partition == "" {
		partition = s.defaultPartition
	}
	return s.partitions[partition]
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty mailbox name", lib.ErrUsage)
	}
	for _, part := range strings.Split(name, lib.HierarchySeparator) {
		if part == "" || part == ".." || strings.ContainsAny(part, "/\x00\r\n") {
			return fmt.Errorf("%w: invalid mailbox name %q", lib.ErrUsage, name)
		}
	}
	return nil
}

func (s *Store) sleep() {
	time.Sleep(s.retryDelay)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SetChangeNotifier replaces the receiver of the message changes. Nil disables notifications.
func (s *Store) SetChangeNotifier(changes ChangeNotifier) {
	s.changes = changes
}

func (s *Store) notify(kind, name string) {
	if s.changes != nil {
		s.changes.Notify(kind, name)
	}
}

func (s *Store) createSeen(name, uniqueID string) {
	if s.seen == nil {
		return
	}
	user := lib.UserFromMailbox(name)
	if user == "" {
		return
	}
	lib.Check(s.log, s.seen.CreateSeen(user, uniqueID), "creating seen state of %s", name)
}

func (s *Store) copySeen(from, to, uniqueID string) error {
	if s.seen == nil {
		return nil
	}
	fromUser, toUser := lib.UserFromMailbox(from), lib.UserFromMailbox(to)
	if fromUser == "" || toUser == "" || fromUser == toUser {
		return nil
	}
	return s.seen.CopySeen(fromUser, toUser, uniqueID)
}

func (s *Store) deleteSeen(name, uniqueID string) {
	if s.seen == nil {
		return
	}
	user := lib.UserFromMailbox(name)
	if user == "" {
		return
	}
	lib.Check(s.log, s.seen.DeleteSeen(user, uniqueID), "deleting seen state of %s", name)
}
