// Package mem is an in-memory account, mostly used as a source of messages in tests
package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

const Delimiter = "."

type memMessage struct {
	content []byte
	flags   []string
	date    time.Time
	guid    mailbox.GUID
}

type memMailbox struct {
	uidValidity uint32
	currentUid  uint32
	messages    map[uint32]*memMessage
}

func (m *memMailbox) newMessage(content []byte, flags []string, date time.Time) uint32 {
	m.currentUid++
	m.messages[m.currentUid] = &memMessage{
		content: content,
		flags:   flags,
		date:    date,
		guid:    mailbox.ComputeGUID(content),
	}
	return m.currentUid
}

type Backend struct {
	data     map[string]*memMailbox
	log      lib.Logger
	selected string
	mutex    sync.Mutex
}

func New() *Backend {
	return NewWithLogger(nil)
}

func NewWithLogger(logger lib.Logger) *Backend {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	return &Backend{
		data: make(map[string]*memMailbox),
		log:  logger,
	}
}

func (m *Backend) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.data = make(map[string]*memMailbox)
	return nil
}

func (m *Backend) Delimiter() string {
	return Delimiter
}

func (m *Backend) SupportMessageID() bool {
	return true
}

func (m *Backend) CreateMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.data[name]; ok {
		// already exists
		return nil
	}
	m.data[name] = &memMailbox{
		uidValidity: lib.NewUIDValidity(),
		messages:    make(map[uint32]*memMessage),
	}
	return nil
}

func (m *Backend) ListMailbox() ([]mailbox.Info, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	list := make([]mailbox.Info, 0, len(m.data))
	for name := range m.data {
		list = append(list, mailbox.Info{
			Delimiter: Delimiter,
			Name:      name,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func (m *Backend) DeleteMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.data, name)
	return nil
}

func (m *Backend) SelectMailbox(info mailbox.Info) (*mailbox.Status, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	m.mutex.Lock()
	defer m.mutex.Unlock()

	mbox, ok := m.data[name]
	if !ok {
		return nil, lib.ErrMailboxNotFound
	}
	m.selected = name
	return &mailbox.Status{
		Name:        name,
		Messages:    uint32(len(mbox.messages)),
		UidValidity: mbox.uidValidity,
		LastUID:     mbox.currentUid,
	}, nil
}

func (m *Backend) PutMessage(info mailbox.Info, props mailbox.MessageProperties, body io.Reader) (mailbox.MessageID, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)
	buffer := &bytes.Buffer{}
	read, err := buffer.ReadFrom(body)
	if err != nil {
		return mailbox.EmptyMessageID, fmt.Errorf("cannot read message source: %w", err)
	}
	if props.Size > 0 && read != int64(props.Size) {
		return mailbox.EmptyMessageID, fmt.Errorf("message body size advertised as %d bytes but read %d bytes from buffer", props.Size, read)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	mbox, ok := m.data[name]
	if !ok {
		return mailbox.EmptyMessageID, lib.ErrMailboxNotFound
	}
	uid := mbox.newMessage(buffer.Bytes(), props.Flags, props.InternalDate)
	m.log.Printf("Message saved: mailbox=%q uid=%d size=%d flags=%v", name, uid, read, props.Flags)
	return mailbox.NewMessageIDFromUint(uid), nil
}

func (m *Backend) FetchMessages(ctx context.Context, messages chan *mailbox.Message) error {
	defer close(messages)

	m.mutex.Lock()
	mbox, ok := m.data[m.selected]
	if m.selected == "" || !ok {
		m.mutex.Unlock()
		return lib.ErrNotSelected
	}
	uids := make([]uint32, 0, len(mbox.messages))
	for uid := range mbox.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	list := make([]*mailbox.Message, len(uids))
	for i, uid := range uids {
		msg := mbox.messages[uid]
		list[i] = &mailbox.Message{
			MessageProperties: mailbox.MessageProperties{
				Flags:        msg.flags,
				InternalDate: msg.date,
				Size:         uint32(len(msg.content)),
				GUID:         msg.guid,
			},
			Uid:  mailbox.NewMessageIDFromUint(uid),
			Body: io.NopCloser(bytes.NewReader(msg.content)),
		}
	}
	m.mutex.Unlock()

	for _, msg := range list {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case messages <- msg:
		}
	}
	return nil
}

func (m *Backend) UnselectMailbox() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selected = ""
	return nil
}

// GenerateFakeEmails creates the mailbox when needed and fills it with random messages
func (m *Backend) GenerateFakeEmails(info mailbox.Info, count uint32, minSize, maxSize int) {
	_ = m.CreateMailbox(info)
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, Delimiter)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	var i uint32
	for i = 1; i <= count; i++ {
		m.data[name].newMessage(
			lib.GenerateEmail("user1@example.com", "user2@example.com", i, minSize, maxSize),
			lib.GenerateFlags(5),
			lib.GenerateDateFrom(time.Date(2010, 1, 1, 12, 0, 0, 0, time.Local)),
		)
	}
}
