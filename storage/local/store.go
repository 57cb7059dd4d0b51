// Package local exposes the personal mailboxes of one user of the mail store as a
// storage backend. The user inbox is presented as INBOX.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/spool"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
	"github.com/emersion/go-imap"
)

const (
	Delimiter = lib.HierarchySeparator
	inboxName = "INBOX"
)

type Store struct {
	list     *mboxlist.List
	user     string
	log      lib.Logger
	selected *store.Mailbox
	name     string
}

func New(list *mboxlist.List, user string) (*Store, error) {
	return NewWithLogger(list, user, nil)
}

func NewWithLogger(list *mboxlist.List, user string, logger lib.Logger) (*Store, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	if user == "" || strings.Contains(user, Delimiter) {
		return nil, fmt.Errorf("%w: %q", lib.ErrInvalidUser, user)
	}
	return &Store{
		list: list,
		user: user,
		log:  logger,
	}, nil
}

func (s *Store) Close() error {
	return s.UnselectMailbox()
}

func (s *Store) Delimiter() string {
	return Delimiter
}

func (s *Store) SupportMessageID() bool {
	return true
}

// storeName converts the name of a backend mailbox to its name in the store
func (s *Store) storeName(info mailbox.Info) string {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	if strings.EqualFold(name, inboxName) {
		return lib.InboxName(s.user)
	}
	return lib.NormalizeName(lib.InboxName(s.user) + Delimiter + name)
}

func (s *Store) infoName(name string) string {
	inbox := lib.InboxName(s.user)
	if name == inbox {
		return inboxName
	}
	return strings.TrimPrefix(name, inbox+Delimiter)
}

func (s *Store) CreateMailbox(info mailbox.Info) error {
	name := s.storeName(info)
	if _, err := s.list.Lookup(name); err == nil {
		return nil
	}
	m, err := s.list.Create(name, store.CreateOptions{})
	if errors.Is(err, lib.ErrMailboxExists) {
		return nil
	}
	if err != nil {
		return err
	}
	m.Close()
	s.log.Printf("Mailbox created: %q", name)
	return nil
}

func (s *Store) ListMailbox() ([]mailbox.Info, error) {
	entries, err := s.list.UserMailboxes(s.user)
	if err != nil {
		return nil, err
	}
	list := make([]mailbox.Info, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != "" {
			continue
		}
		list = append(list, mailbox.Info{
			Delimiter: Delimiter,
			Name:      s.infoName(entry.Name),
		})
	}
	return list, nil
}

func (s *Store) DeleteMailbox(info mailbox.Info) error {
	name := s.storeName(info)
	if s.selected != nil && s.selected.Name() == name {
		_ = s.UnselectMailbox()
	}
	return s.list.Delete(name)
}

func (s *Store) SelectMailbox(info mailbox.Info) (*mailbox.Status, error) {
	_ = s.UnselectMailbox()
	m, err := s.list.Open(s.storeName(info))
	if err != nil {
		return nil, err
	}
	seen, err := s.seenUIDs(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	records, err := m.Records()
	if err != nil {
		m.Close()
		return nil, err
	}
	status := m.Status()
	status.Name = s.infoName(m.Name())
	for _, record := range records {
		if !seen[record.UID] {
			status.Unseen++
		}
	}
	s.selected = m
	s.name = status.Name
	return &status, nil
}

// PutMessage appends a message. The \Seen flag goes into the seen state of the user.
func (s *Store) PutMessage(info mailbox.Info, props mailbox.MessageProperties, body io.Reader) (mailbox.MessageID, error) {
	content, err := io.ReadAll(body)
	if err != nil {
		return mailbox.EmptyMessageID, fmt.Errorf("cannot read message body: %w", err)
	}
	if props.Size > 0 && len(content) != int(props.Size) {
		return mailbox.EmptyMessageID, fmt.Errorf("message body size advertised as %d bytes but read %d bytes from buffer", props.Size, len(content))
	}
	parsed, err := spool.Parse(content)
	if err != nil {
		return mailbox.EmptyMessageID, err
	}
	record := parsed.Record()
	if !props.InternalDate.IsZero() && props.InternalDate.Unix() > 0 {
		record.InternalDate = uint32(props.InternalDate.Unix())
	}

	name := s.storeName(info)
	m, err := s.list.Open(name)
	if err != nil {
		return mailbox.EmptyMessageID, err
	}
	defer m.Close()

	records, err := m.Append([]store.NewMessage{{
		Record: record,
		Flags:  props.Flags,
		Cache:  parsed.Cache,
		Body:   bytes.NewReader(content),
	}}, store.AppendOptions{})
	if err != nil {
		return mailbox.EmptyMessageID, err
	}
	uid := records[0].UID
	if hasSeen(props.Flags) {
		err = s.markSeen(m, uid)
		if err != nil {
			return mailbox.EmptyMessageID, err
		}
	}
	s.log.Printf("Message saved: mailbox=%q uid=%d size=%d flags=%v", name, uid, len(content), props.Flags)
	return mailbox.NewMessageIDFromUint(uid), nil
}

func (s *Store) FetchMessages(ctx context.Context, messages chan *mailbox.Message) error {
	defer close(messages)

	if s.selected == nil {
		return lib.ErrNotSelected
	}
	m := s.selected
	if err := m.Refresh(); err != nil {
		return err
	}
	seen, err := s.seenUIDs(m)
	if err != nil {
		return err
	}
	records, err := m.Records()
	if err != nil {
		return err
	}
	for _, record := range records {
		file, err := m.OpenMessage(record.UID)
		if err != nil {
			return err
		}
		flags := m.FlagNames(record)
		if seen[record.UID] {
			flags = append(flags, imap.SeenFlag)
		}
		message := &mailbox.Message{
			MessageProperties: mailbox.MessageProperties{
				Flags:        flags,
				InternalDate: record.Internal(),
				Size:         record.Size,
				GUID:         record.GUID,
			},
			Uid:  mailbox.NewMessageIDFromUint(record.UID),
			Body: file,
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case messages <- message:
		}
	}
	return nil
}

func (s *Store) UnselectMailbox() error {
	if s.selected != nil {
		s.selected.Close()
		s.selected = nil
		s.name = ""
	}
	return nil
}

func (s *Store) seenUIDs(m *store.Mailbox) (map[uint32]bool, error) {
	seen, err := s.list.State().ReadSeen(s.user, m.UniqueID())
	if err != nil {
		return nil, err
	}
	uids, err := state.ParseUIDSet(seen.SeenUIDs)
	if err != nil {
		return nil, err
	}
	set := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	return set, nil
}

func (s *Store) markSeen(m *store.Mailbox, uid uint32) error {
	db := s.list.State()
	seen, err := db.ReadSeen(s.user, m.UniqueID())
	if err != nil {
		return err
	}
	uids, err := state.ParseUIDSet(seen.SeenUIDs)
	if err != nil {
		return err
	}
	uids = append(uids, uid)
	slices.Sort(uids)
	seen.SeenUIDs = state.FormatUIDSet(slices.Compact(uids))
	return db.WriteSeen(s.user, m.UniqueID(), seen)
}

func hasSeen(flags []string) bool {
	for _, flag := range flags {
		if strings.EqualFold(flag, imap.SeenFlag) {
			return true
		}
	}
	return false
}
