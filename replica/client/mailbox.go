package client

import (
	"fmt"
	"os"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
)

// mailboxSync brings the server copy of one mailbox up to date. The mailbox is
// selected on the server on the first command needing it.
type mailboxSync struct {
	client   *Client
	mailbox  *store.Mailbox
	selected bool
}

func (c *Client) newMailboxSync(m *store.Mailbox) *mailboxSync {
	return &mailboxSync{
		client:  c,
		mailbox: m,
	}
}

func (s *mailboxSync) selectMailbox() error {
	if s.selected {
		return nil
	}
	_, err := s.client.selectMailbox(s.mailbox.Name(), s.mailbox.UniqueID())
	if err != nil {
		return err
	}
	s.selected = true
	return nil
}

// run sends the flag changes, the expunges, the missing messages and the seen state of user.
// remote is nil when the server copy has just been created.
func (s *mailboxSync) run(remote *remoteMailbox, seenUser string) error {
	m := s.mailbox
	justCreated := remote == nil
	if justCreated {
		remote = &remoteMailbox{
			name:     m.Name(),
			uniqueID: m.UniqueID(),
		}
	}
	records, err := m.Records()
	if err != nil {
		return err
	}
	header := m.Header()
	diff := diffMessages(records, remote.messages, newFlagTable(&header.Flags, remote.messages))

	if len(diff.flags) > 0 {
		if err = s.selectMailbox(); err != nil {
			return err
		}
		if err = s.setFlags(records, diff.flags); err != nil {
			return err
		}
	}
	if len(diff.expunge) > 0 {
		if err = s.selectMailbox(); err != nil {
			return err
		}
		if err = s.expunge(diff.expunge); err != nil {
			return err
		}
	}
	index := m.IndexHeader()
	if len(diff.upload) > 0 {
		if err = s.selectMailbox(); err != nil {
			return err
		}
		if err = s.upload(pickRecords(records, diff.upload)); err != nil {
			return err
		}
	} else if justCreated || remote.lastUID != index.LastUID {
		if err = s.selectMailbox(); err != nil {
			return err
		}
		if err = s.uidLast(); err != nil {
			return err
		}
	}

	if seenUser == "" {
		return nil
	}
	seen, err := s.client.list.State().ReadSeen(seenUser, m.UniqueID())
	if err != nil {
		return err
	}
	if justCreated ||
		unixSeconds(seen.LastChange) > unixSeconds(remote.seenLastChange) ||
		seen.LastUID > remote.seenLastUID {
		if err = s.selectMailbox(); err != nil {
			return err
		}
		return s.client.setSeen(seenUser, seen)
	}
	return nil
}

// pickRecords returns the records with the given UIDs, both lists sorted
func pickRecords(records []mailbox.IndexRecord, uids []uint32) []mailbox.IndexRecord {
	picked := make([]mailbox.IndexRecord, 0, len(uids))
	i := 0
	for _, record := range records {
		for i < len(uids) && uids[i] < record.UID {
			i++
		}
		if i == len(uids) {
			break
		}
		if uids[i] == record.UID {
			picked = append(picked, record)
		}
	}
	return picked
}

// setFlags sends SETFLAGS uid (flags) [uid (flags)...]
func (s *mailboxSync) setFlags(records []mailbox.IndexRecord, uids []uint32) error {
	args := make([]interface{}, 0, len(uids)*2)
	for _, record := range pickRecords(records, uids) {
		args = append(args, protocol.Uint(uint64(record.UID)), protocol.FormatFlags(s.mailbox.FlagNames(record)))
	}
	_, err := s.client.conn.Do("SETFLAGS", args...)
	return err
}

// expunge sends EXPUNGE uid... with the UIDs in increasing order
func (s *mailboxSync) expunge(uids []uint32) error {
	args := make([]interface{}, len(uids))
	for i, uid := range uids {
		args[i] = protocol.Uint(uint64(uid))
	}
	_, err := s.client.conn.Do("EXPUNGE", args...)
	return err
}

func (s *mailboxSync) uidLast() error {
	index := s.mailbox.IndexHeader()
	_, err := s.client.conn.Do("UIDLAST",
		protocol.Uint(uint64(index.LastUID)),
		protocol.Uint(uint64(index.LastAppendDate)),
	)
	return err
}

// upload sends the records in batches. A message the server keeps for the session is
// sent with COPY, the others with their cache and body. The last batch carries the last
// UID of the mailbox.
func (s *mailboxSync) upload(records []mailbox.IndexRecord) error {
	for start := 0; start < len(records); start += uploadBatch {
		end := start + uploadBatch
		if end > len(records) {
			end = len(records)
		}
		err := s.uploadBatch(records[start:end], end == len(records))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *mailboxSync) uploadBatch(records []mailbox.IndexRecord, last bool) error {
	c := s.client
	m := s.mailbox
	index := m.IndexHeader()
	args := make([]interface{}, 0, 2+len(records)*12)
	if last {
		args = append(args, protocol.Uint(uint64(index.LastUID)), protocol.Uint(uint64(index.LastAppendDate)))
	} else {
		args = append(args, protocol.Uint(0), protocol.Uint(0))
	}

	files := make([]*os.File, 0, len(records))
	defer func() {
		for _, file := range files {
			file.Close()
		}
	}()
	sent := make(map[mailbox.GUID]bool)
	copies := 0
	for _, record := range records {
		kind := uploadParsed
		if !record.GUID.IsNull() && c.onServer[record.GUID] {
			kind = uploadCopy
			copies++
		}
		args = append(args,
			protocol.Atom(kind),
			protocol.FormatGUID(record.GUID),
			protocol.Uint(uint64(record.UID)),
			protocol.Uint(uint64(record.InternalDate)),
			protocol.Uint(uint64(record.SentDate)),
			protocol.Uint(uint64(record.LastUpdated)),
			protocol.FormatFlags(m.FlagNames(record)),
		)
		if kind == uploadCopy {
			continue
		}
		cache, err := m.CacheBlob(record)
		if err != nil {
			return err
		}
		file, err := m.OpenMessage(record.UID)
		if err != nil {
			return fmt.Errorf("%w: opening message %d of %s: %s", lib.ErrIO, record.UID, m.Name(), err)
		}
		files = append(files, file)
		args = append(args,
			protocol.Uint(uint64(record.HeaderSize)),
			protocol.Uint(uint64(record.ContentLines)),
			protocol.Uint(uint64(record.CacheVersion)),
			protocol.Literal(cache),
			protocol.ReaderLiteral(file, int(record.Size)),
		)
		sent[record.GUID] = true
	}
	_, err := c.conn.Do("UPLOAD", args...)
	if err != nil {
		return err
	}
	for guid := range sent {
		if !guid.IsNull() {
			c.onServer[guid] = true
		}
	}
	metrics.ClientMessageAdd("uploaded", len(records)-copies)
	metrics.ClientMessageAdd("copied", copies)
	return nil
}

// Kinds of UPLOAD items
const (
	uploadParsed = "PARSED"
	uploadCopy   = "COPY"
)

// setSeen sends SETSEEN on the selected mailbox
func (c *Client) setSeen(user string, seen state.SeenState) error {
	_, err := c.conn.Do("SETSEEN",
		user,
		protocol.Unix(seen.LastRead),
		protocol.Uint(uint64(seen.LastUID)),
		protocol.Unix(seen.LastChange),
		seen.SeenUIDs,
	)
	return err
}

// createOnServer creates the server copy of m, with the same unique id and uid validity
func (c *Client) createOnServer(m *store.Mailbox) error {
	_, err := c.conn.Do("CREATE",
		m.Name(),
		protocol.Atom(m.UniqueID()),
		m.Header().ACL,
		protocol.Uint(uint64(m.IndexHeader().UIDValidity)),
	)
	return err
}
