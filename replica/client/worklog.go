package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
)

// Kinds of work found in the work log
const (
	KindUser    = "USER"
	KindMeta    = "META"
	KindMailbox = "MAILBOX"
	KindAppend  = "APPEND"
	KindSeen    = "SEEN"
)

// Action is one unit of work. Name is a user for USER and META, a mailbox otherwise.
// SeenUser is only set for SEEN.
type Action struct {
	Kind     string
	Name     string
	SeenUser string
	active   bool
}

// WorkList holds the actions read from the work log, without duplicates
type WorkList struct {
	actions []*Action
}

func NewWorkList() *WorkList {
	return &WorkList{
		actions: make([]*Action, 0),
	}
}

// Add appends an action unless the same one is already waiting
func (w *WorkList) Add(kind, name, seenUser string) {
	for _, action := range w.actions {
		if action.active && action.Kind == kind && action.Name == name && action.SeenUser == seenUser {
			return
		}
	}
	w.actions = append(w.actions, &Action{Kind: kind, Name: name, SeenUser: seenUser, active: true})
}

// Actions returns the active actions of one kind, in the order they were added
func (w *WorkList) Actions(kind string) []*Action {
	list := make([]*Action, 0)
	for _, action := range w.actions {
		if action.active && action.Kind == kind {
			list = append(list, action)
		}
	}
	return list
}

// Len is the number of active actions
func (w *WorkList) Len() int {
	count := 0
	for _, action := range w.actions {
		if action.active {
			count++
		}
	}
	return count
}

// Prune removes the actions covered by a larger one: a USER covers everything about
// the user, a MAILBOX covers the appends and seen states of that mailbox.
func (w *WorkList) Prune() {
	for _, action := range w.Actions(KindUser) {
		w.removeUser(action.Name)
	}
	for _, action := range w.Actions(KindMailbox) {
		w.removeSeen(action.Name, "")
		w.removeAppend(action.Name)
	}
}

func (w *WorkList) removeUser(user string) {
	for _, action := range w.actions {
		if !action.active {
			continue
		}
		switch action.Kind {
		case KindMeta:
			action.active = action.Name != user
		case KindMailbox, KindAppend:
			action.active = !lib.IsUserMailbox(action.Name, user)
		case KindSeen:
			action.active = action.SeenUser != user
		}
	}
}

// removeSeen drops the SEEN actions of a mailbox, for one user or all users when seenUser is empty
func (w *WorkList) removeSeen(name, seenUser string) {
	for _, action := range w.actions {
		if action.active && action.Kind == KindSeen && action.Name == name &&
			(seenUser == "" || action.SeenUser == seenUser) {
			action.active = false
		}
	}
}

func (w *WorkList) removeAppend(name string) {
	for _, action := range w.actions {
		if action.active && action.Kind == KindAppend && action.Name == name {
			action.active = false
		}
	}
}

// ParseWorkLog reads the lines "KIND arg [arg]". Invalid lines are reported to the logger and skipped.
func ParseWorkLog(reader io.Reader, logger lib.Logger) (*WorkList, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	work := NewWorkList()
	scanner := bufio.NewScanner(reader)
	number := 0
	for scanner.Scan() {
		number++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields, err := splitFields(line)
		if err != nil {
			logger.Printf("work log line %d: %s", number, err)
			continue
		}
		if err = work.addFields(fields); err != nil {
			logger.Printf("work log line %d: %s", number, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return work, fmt.Errorf("%w: reading work log: %s", lib.ErrIO, err)
	}
	return work, nil
}

func (w *WorkList) addFields(fields []string) error {
	kind := strings.ToUpper(fields[0])
	args := fields[1:]
	switch {
	case (kind == KindUser || kind == KindMeta || kind == KindMailbox || kind == KindAppend) && len(args) == 1:
		w.Add(kind, args[0], "")
	case kind == KindSeen && len(args) == 2:
		w.Add(kind, args[0], args[1])
	// SIEVE user, SUB user mailbox, QUOTA root
	case kind == "SIEVE" && len(args) == 1, kind == "SUB" && len(args) == 2:
		w.Add(KindMeta, args[0], "")
	case kind == "QUOTA" && len(args) == 1:
		user := lib.UserFromMailbox(args[0])
		if user == "" {
			return fmt.Errorf("quota root %q is not personal", args[0])
		}
		w.Add(KindMeta, user, "")
	default:
		return fmt.Errorf("unknown entry %s with %d arguments", kind, len(args))
	}
	return nil
}

// splitFields splits a line on blanks. A field may be double quoted.
func splitFields(line string) ([]string, error) {
	fields := make([]string, 0, 3)
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return fields, nil
		}
		if line[0] == '"' {
			quoted, err := strconv.QuotedPrefix(line)
			if err != nil {
				return nil, fmt.Errorf("invalid quoted field %s", line)
			}
			field, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, fmt.Errorf("invalid quoted field %s", quoted)
			}
			fields = append(fields, field)
			line = line[len(quoted):]
			continue
		}
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			end = len(line)
		}
		fields = append(fields, line[:end])
		line = line[end:]
	}
}

func quoteField(field string) string {
	if field == "" || strings.ContainsAny(field, " \t\"\\\r\n") {
		return strconv.Quote(field)
	}
	return field
}

// ReadWorkFile reads a work log once the writers holding its lock are done
func ReadWorkFile(path string, logger lib.Logger) (*WorkList, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	defer file.Close()
	if err = lib.LockFile(file); err != nil {
		return nil, err
	}
	defer lib.UnlockFile(file)
	return ParseWorkLog(file, logger)
}

// Log appends the changes made to the mailboxes to the work log. It receives the
// notifications of the state database and of the store.
type Log struct {
	path  string
	db    *state.State
	log   lib.Logger
	mutex sync.Mutex
}

func NewLog(path string, db *state.State) *Log {
	return NewLogWithLogger(path, db, nil)
}

func NewLogWithLogger(path string, db *state.State, logger lib.Logger) *Log {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	return &Log{
		path: path,
		db:   db,
		log:  logger,
	}
}

var (
	_ state.Notifier       = (*Log)(nil)
	_ store.ChangeNotifier = (*Log)(nil)
)

// Notify writes the work matching a change. Errors are logged only.
func (l *Log) Notify(kind string, args ...string) {
	var err error
	switch kind {
	// store.ChangeMailbox has the same value
	case state.ChangeMailbox:
		for _, name := range args {
			if err = l.Append(KindMailbox, name); err != nil {
				break
			}
		}
	case store.ChangeAppend:
		err = l.Append(KindAppend, args...)
	case state.ChangeMeta:
		err = l.Append(KindMeta, args...)
	case state.ChangeSeen:
		if len(args) != 2 {
			err = fmt.Errorf("seen change with %d arguments", len(args))
			break
		}
		var entry state.MailboxEntry
		entry, err = l.db.FindUniqueID(args[1])
		if err == nil {
			err = l.Append(KindSeen, entry.Name, args[0])
		}
	default:
		err = fmt.Errorf("unknown change %s", kind)
	}
	if err != nil {
		l.log.Printf("work log: %s %v: %s", kind, args, err)
	}
}

// Append writes one line to the work log
func (l *Log) Append(kind string, args ...string) error {
	line := kind
	for _, arg := range args {
		line += " " + quoteField(arg)
	}
	line += "\n"

	l.mutex.Lock()
	defer l.mutex.Unlock()
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	defer file.Close()
	if err = lib.LockFile(file); err != nil {
		return err
	}
	defer lib.UnlockFile(file)
	if _, err = file.WriteString(line); err != nil {
		return fmt.Errorf("%w: writing %s: %s", lib.ErrIO, l.path, err)
	}
	return nil
}
