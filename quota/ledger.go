package quota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
)

// NoLimit is the limit of a root without any restriction
const NoLimit int64 = -1

// ErrRootNotFound is returned when no quota file exists for a root
var ErrRootNotFound = errors.New("quota root not found")

// Root is the usage of a quota root. Limit is in bytes, NoLimit when unlimited.
type Root struct {
	Name  string
	Used  uint64
	Limit int64
}

// Exceeded returns true when adding extra bytes goes over the limit
func (r Root) Exceeded(extra uint64) bool {
	if r.Limit < 0 {
		return false
	}
	return r.Used+extra > uint64(r.Limit)
}

// Ledger stores the quota roots under a configuration directory
type Ledger struct {
	dir string
	log lib.Logger
}

func NewLedger(configDir string) *Ledger {
	return NewLedgerWithLogger(configDir, nil)
}

func NewLedgerWithLogger(configDir string, logger lib.Logger) *Ledger {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	return &Ledger{
		dir: filepath.Join(configDir, "quota"),
		log: logger,
	}
}

// Path returns the file holding the root. Files are spread in one-letter
// directories named after the first letter of the root, skipping the namespace prefix.
func (l *Ledger) Path(root string) string {
	return filepath.Join(l.dir, shard(root), root)
}

func shard(root string) string {
	name := root
	if _, rest, found := strings.Cut(root, lib.HierarchySeparator); found && rest != "" {
		name = rest
	}
	c := strings.ToLower(name[:min(1, len(name))])
	if c == "" || c[0] < 'a' || c[0] > 'z' {
		return "q"
	}
	return c
}

// FindRoot returns the quota root governing mailbox name: the longest
// prefix of the name (including the name itself) having a quota file.
func (l *Ledger) FindRoot(name string) (string, bool) {
	candidates := append([]string{name}, lib.ParentNames(name)...)
	for _, candidate := range candidates {
		if _, err := os.Stat(l.Path(candidate)); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// Read returns the current usage of a root without locking it
func (l *Ledger) Read(root string) (Root, error) {
	data, err := os.ReadFile(l.Path(root))
	if errors.Is(err, os.ErrNotExist) {
		return Root{}, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	if err != nil {
		return Root{}, fmt.Errorf("%w: reading quota %s: %s", lib.ErrIO, root, err)
	}
	return parse(root, data)
}

// Create makes a new root with no usage, or updates the limit of an existing one
func (l *Ledger) Create(root string, limit int64) error {
	path := l.Path(root)
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	created, err := l.createEmpty(path, Root{Name: root, Limit: limit})
	if err != nil {
		return err
	}
	if created {
		l.log.Printf("created quota root %s with limit %d", root, limit)
		return nil
	}
	locked, err := l.Lock(root)
	if err != nil {
		return err
	}
	defer locked.Unlock()
	locked.SetLimit(limit)
	return locked.Write()
}

// createEmpty publishes a new root file only if none exists yet
func (l *Ledger) createEmpty(path string, root Root) (bool, error) {
	file, err := lib.WriteNewFile(path, []byte(format(root)), 0600)
	if err != nil {
		return false, err
	}
	_ = file.Close()
	defer os.Remove(path + lib.NewSuffix)
	err = os.Link(path+lib.NewSuffix, path)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: creating quota %s: %s", lib.ErrIO, root.Name, err)
	}
	return true, nil
}

// Lock takes the exclusive lock of the root and reads its current usage
func (l *Ledger) Lock(root string) (*Locked, error) {
	path := l.Path(root)
	for {
		file, err := os.OpenFile(path, os.O_RDWR, 0600)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: opening quota %s: %s", lib.ErrIO, root, err)
		}
		err = lib.LockFile(file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		same, err := lib.SameFile(file, path)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if !same {
			// replaced while waiting for the lock
			_ = file.Close()
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: reading quota %s: %s", lib.ErrIO, root, err)
		}
		current, err := parse(root, data)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		return &Locked{
			ledger: l,
			file:   file,
			root:   current,
		}, nil
	}
}

// Delete removes the root
func (l *Ledger) Delete(root string) error {
	locked, err := l.Lock(root)
	if err != nil {
		return err
	}
	return locked.Delete()
}

func parse(root string, data []byte) (Root, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return Root{}, fmt.Errorf("%w: quota file %s", lib.ErrBadFormat, root)
	}
	used, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return Root{}, fmt.Errorf("%w: quota usage of %s: %s", lib.ErrBadFormat, root, err)
	}
	limit, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return Root{}, fmt.Errorf("%w: quota limit of %s: %s", lib.ErrBadFormat, root, err)
	}
	if limit < 0 {
		limit = NoLimit
	}
	return Root{Name: root, Used: used, Limit: limit}, nil
}

func format(root Root) string {
	return strconv.FormatUint(root.Used, 10) + "\n" + strconv.FormatInt(root.Limit, 10) + "\n"
}
