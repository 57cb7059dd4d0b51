// Package mdir stores an account as a Maildir++ tree: one maildir per mailbox
package mdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-maildir"
)

const Delimiter = "."

type Maildir struct {
	root     string
	log      lib.Logger
	selected string
}

func New(root string) (*Maildir, error) {
	return NewWithLogger(root, nil)
}

func NewWithLogger(root string, logger lib.Logger) (*Maildir, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("maildir is not supported on Windows")
	}
	if logger == nil {
		logger = &lib.NoLog{}
	}
	err := os.MkdirAll(root, 0700)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrIO, err)
	}

	return &Maildir{
		root: root,
		log:  logger,
	}, nil
}

func (m *Maildir) Close() error {
	return nil
}

func (m *Maildir) Root() string {
	return m.root
}

func (m *Maildir) Delimiter() string {
	return Delimiter
}

func (m *Maildir) SupportMessageID() bool {
	return true
}

// CreateMailbox doesn't return an error if the mailbox already exists
func (m *Maildir) CreateMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	dirName := filepath.Join(m.root, name)
	if _, err := os.Stat(dirName); err == nil || errors.Is(err, fs.ErrExist) {
		// mailbox already exists
		return nil
	}
	err := maildir.Dir(dirName).Init()
	if err != nil {
		return err
	}
	m.log.Printf("Mailbox created: %q", name)
	return m.setMailboxStatus(name, mailbox.Status{
		Name:        name,
		UidValidity: lib.NewUIDValidity(),
	})
}

func (m *Maildir) ListMailbox() ([]mailbox.Info, error) {
	list := make([]mailbox.Info, 0)
	files, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() {
			continue
		}
		list = append(list, mailbox.Info{
			Delimiter: Delimiter,
			Name:      file.Name(),
		})
	}
	return list, nil
}

func (m *Maildir) DeleteMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	_ = os.Remove(m.statusFile(name))
	return os.RemoveAll(filepath.Join(m.root, name))
}

func (m *Maildir) SelectMailbox(info mailbox.Info) (*mailbox.Status, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	if !m.mailboxExists(name) {
		return nil, lib.ErrMailboxNotFound
	}
	status, err := m.getMailboxStatus(name)
	if err != nil {
		// a maildir created by another program
		status = &mailbox.Status{Name: name, UidValidity: lib.NewUIDValidity()}
		lib.Check(m.log, m.setMailboxStatus(name, *status), "saving status of mailbox %q", name)
	}
	msgs, err := maildir.Dir(filepath.Join(m.root, name)).Messages()
	if err != nil {
		return nil, err
	}
	status.Name = name
	status.Messages = uint32(len(msgs))
	status.Unseen = 0
	for _, msg := range msgs {
		if !hasFlag(msg.Flags(), maildir.FlagSeen) {
			status.Unseen++
		}
	}
	m.selected = name
	return status, nil
}

func (m *Maildir) PutMessage(info mailbox.Info, props mailbox.MessageProperties, body io.Reader) (mailbox.MessageID, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	if !m.mailboxExists(name) {
		return mailbox.EmptyMessageID, lib.ErrMailboxNotFound
	}
	mbox := maildir.Dir(filepath.Join(m.root, name))
	msg, copied, err := m.createFromStream(mbox, props.Flags, body)
	if err != nil {
		if msg != nil {
			_ = os.Remove(msg.Filename())
		}
		return mailbox.EmptyMessageID, err
	}
	if props.Size > 0 && copied != int64(props.Size) {
		_ = os.Remove(msg.Filename())
		return mailbox.EmptyMessageID, fmt.Errorf("message body size advertised as %d bytes but read %d bytes from buffer", props.Size, copied)
	}
	m.log.Printf("Message saved: mailbox=%q key=%q size=%d flags=%v date=%q", name, msg.Key(), copied, props.Flags, props.InternalDate)

	if !props.InternalDate.IsZero() {
		_ = os.Chtimes(msg.Filename(), time.Now(), props.InternalDate)
	}
	return mailbox.NewMessageIDFromString(msg.Key()), nil
}

func (m *Maildir) createFromStream(mbox maildir.Dir, flags []string, body io.Reader) (*maildir.Message, int64, error) {
	msg, writer, err := mbox.Create(toFlags(flags))
	if err != nil {
		return msg, 0, err
	}
	copied, err := io.Copy(writer, body)
	if err != nil {
		_ = writer.Close()
		return msg, copied, err
	}
	return msg, copied, writer.Close()
}

// FetchMessages sends the messages of the selected mailbox, oldest first
func (m *Maildir) FetchMessages(ctx context.Context, messages chan *mailbox.Message) error {
	defer close(messages)

	if m.selected == "" {
		return lib.ErrNotSelected
	}

	mbox := maildir.Dir(filepath.Join(m.root, m.selected))
	msgs, err := mbox.Messages()
	if err != nil {
		return err
	}
	type entry struct {
		msg  *maildir.Message
		info fs.FileInfo
	}
	entries := make([]entry, 0, len(msgs))
	for _, msg := range msgs {
		info, err := os.Stat(msg.Filename())
		if err != nil {
			return fmt.Errorf("cannot stat %q: %w", msg.Filename(), err)
		}
		entries = append(entries, entry{msg: msg, info: info})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].info.ModTime().Before(entries[j].info.ModTime())
	})

	for _, entry := range entries {
		file, err := entry.msg.Open()
		if err != nil {
			return fmt.Errorf("cannot open key %q: %w", entry.msg.Key(), err)
		}
		message := &mailbox.Message{
			MessageProperties: mailbox.MessageProperties{
				Flags:        flagsToStrings(entry.msg.Flags()),
				InternalDate: entry.info.ModTime(),
				Size:         uint32(entry.info.Size()),
			},
			Uid:  mailbox.NewMessageIDFromString(entry.msg.Key()),
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

func (m *Maildir) UnselectMailbox() error {
	m.selected = ""
	return nil
}

func (m *Maildir) mailboxExists(name string) bool {
	stat, err := os.Stat(filepath.Join(m.root, name))
	if err != nil {
		return false
	}
	return stat.IsDir()
}

func (m *Maildir) statusFile(name string) string {
	return filepath.Join(m.root, name+".json")
}

func (m *Maildir) setMailboxStatus(name string, status mailbox.Status) error {
	file, err := os.Create(m.statusFile(name))
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewEncoder(file).Encode(status)
}

func (m *Maildir) getMailboxStatus(name string) (*mailbox.Status, error) {
	file, err := os.Open(m.statusFile(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrMailboxNotFound, err)
	}
	defer file.Close()

	status := &mailbox.Status{}
	err = json.NewDecoder(file).Decode(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrBadFormat, err)
	}
	return status, nil
}

func hasFlag(flags []maildir.Flag, flag maildir.Flag) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
