// Package remote reads and writes the mailboxes of an account on an IMAP server
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
)

type Config struct {
	ServerURL           string
	Username            string
	Password            string
	DebugLogger         lib.Logger
	NoTLS               bool
	SkipTLSVerification bool
}

type Imap struct {
	client        *client.Client
	uidplusClient *uidplus.Client
	log           lib.Logger
	delimiter     string
	selected      *mailbox.Status
}

func NewImap(cfg Config) (*Imap, error) {
	log := cfg.DebugLogger
	if log == nil {
		log = &lib.NoLog{}
	}
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: missing server, username or password", lib.ErrConfig)
	}

	var imapClient *client.Client
	var err error
	log.Printf("Connecting to server %s...", cfg.ServerURL)
	if cfg.NoTLS {
		imapClient, err = client.Dial(cfg.ServerURL)
	} else {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerification,
		}
		imapClient, err = client.DialTLS(cfg.ServerURL, tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect to server %s: %s", lib.ErrIO, cfg.ServerURL, err)
	}
	log.Print("Connected")

	if err := imapClient.Login(cfg.Username, cfg.Password); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("%w: authentication failure: %s", lib.ErrPermissionDenied, err)
	}
	log.Printf("Logged in as %s", cfg.Username)

	if caps, err := imapClient.Capability(); err == nil {
		log.Printf("capabilities: %+v", caps)
	}

	compression := compress.NewClient(imapClient)
	if supported, err := compression.SupportCompress(compress.Deflate); err == nil && supported {
		if err = compression.Compress(compress.Deflate); err != nil {
			log.Printf("cannot enable compression: %s", err)
		} else {
			log.Print("compression enabled")
		}
	}

	// try to enable UIDPLUS extension
	uidExt := uidplus.NewClient(imapClient)
	supported, err := uidExt.SupportUidPlus()
	if err != nil || !supported {
		log.Print("IMAP server does NOT support UIDPLUS extension")
		uidExt = nil
	}

	return &Imap{
		client:        imapClient,
		uidplusClient: uidExt,
		log:           log,
	}, nil
}

func (i *Imap) Close() error {
	i.log.Print("Closing connection")
	return i.client.Logout()
}

func (i *Imap) Delimiter() string {
	if i.delimiter == "" {
		_, _ = i.ListMailbox()
	}
	return i.delimiter
}

func (i *Imap) SupportMessageID() bool {
	return i.uidplusClient != nil
}

func (i *Imap) ListMailbox() ([]mailbox.Info, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- i.client.List("", "*", mailboxes)
	}()

	info := make([]mailbox.Info, 0, 10)
	for m := range mailboxes {
		i.log.Printf("* %q: %+v (delimiter = %q)", m.Name, m.Attributes, m.Delimiter)
		info = append(info, mailbox.Info{
			Delimiter: m.Delimiter,
			Name:      m.Name,
		})
		// sets the delimiter (if not already set)
		if i.delimiter == "" {
			i.delimiter = m.Delimiter
		}
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return info, nil
}

func (i *Imap) CreateMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, i.Delimiter())
	mailboxes, err := i.ListMailbox()
	if err != nil {
		return err
	}
	for _, mailbox := range mailboxes {
		if mailbox.Name == name {
			// already existing
			return nil
		}
	}
	i.log.Printf("Creating mailbox %q using delimiter %q", name, i.Delimiter())
	return i.client.Create(name)
}

func (i *Imap) DeleteMailbox(info mailbox.Info) error {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, i.Delimiter())
	i.log.Printf("Deleting mailbox %q using delimiter %q", name, i.Delimiter())
	return i.client.Delete(name)
}

func (i *Imap) SelectMailbox(info mailbox.Info) (*mailbox.Status, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, i.Delimiter())
	i.log.Printf("Selecting mailbox %q using delimiter %q", name, i.Delimiter())
	status, err := i.client.Select(name, true)
	if err != nil {
		return nil, err
	}
	i.selected = &mailbox.Status{
		Name:        status.Name,
		Flags:       status.Flags,
		Messages:    status.Messages,
		Unseen:      status.Unseen,
		UidValidity: status.UidValidity,
		LastUID:     status.UidNext - 1,
	}
	if status.UidNext == 0 {
		i.selected.LastUID = 0
	}
	return i.selected, nil
}

func (i *Imap) PutMessage(info mailbox.Info, props mailbox.MessageProperties, body io.Reader) (mailbox.MessageID, error) {
	name := lib.VerifyDelimiter(info.Name, info.Delimiter, i.Delimiter())
	buffer := &bytes.Buffer{}
	read, err := buffer.ReadFrom(body)
	if err != nil {
		return mailbox.EmptyMessageID, fmt.Errorf("cannot read message body: %w", err)
	}
	if props.Size > 0 && read != int64(props.Size) {
		return mailbox.EmptyMessageID, fmt.Errorf("message body size advertised as %d bytes but read %d bytes from buffer", props.Size, read)
	}

	// IMAP server cannot accept the recent flag
	flags := mailbox.StripRecentFlag(props.Flags)

	var uid uint32
	if i.uidplusClient != nil {
		_, uid, err = i.uidplusClient.Append(name, flags, props.InternalDate, buffer)
	} else {
		err = i.client.Append(name, flags, props.InternalDate, buffer)
	}
	if err != nil {
		return mailbox.EmptyMessageID,
			fmt.Errorf("cannot append new message to IMAP server (mailbox=%q size=%d flags=%v): %w",
				name, read, flags, err,
			)
	}
	i.log.Printf("Message saved: mailbox=%q uid=%v size=%d flags=%v date=%q", name, uid, read, flags, props.InternalDate)

	return mailbox.NewMessageIDFromUint(uid), nil
}

func (i *Imap) FetchMessages(ctx context.Context, messages chan *mailbox.Message) error {
	defer close(messages)

	if i.selected == nil {
		return lib.ErrNotSelected
	}
	if i.selected.Messages == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, i.selected.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, imap.FetchRFC822Size}

	receiver := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	// fetch messages in the background
	go func() {
		done <- i.client.Fetch(seqset, items, receiver)
	}()

	cancelled := false
	for msg := range receiver {
		if cancelled {
			// the fetch command still needs to complete
			continue
		}
		i.log.Printf("Received IMAP message seq=%d flags=%+v date=%q", msg.SeqNum, msg.Flags, msg.InternalDate)
		message := &mailbox.Message{
			MessageProperties: mailbox.MessageProperties{
				Flags:        mailbox.StripRecentFlag(msg.Flags),
				InternalDate: msg.InternalDate,
				Size:         msg.Size,
			},
			Uid:  mailbox.NewMessageIDFromUint(msg.Uid),
			Body: io.NopCloser(msg.GetBody(section)),
		}
		select {
		case <-ctx.Done():
			cancelled = true
		case messages <- message:
		}
	}
	// will return the error from Fetch when it's finished
	err := <-done
	if cancelled {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func (i *Imap) UnselectMailbox() error {
	if i.selected == nil {
		return nil
	}
	i.selected = nil
	return i.client.Unselect()
}
