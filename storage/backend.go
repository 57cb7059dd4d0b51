// Package storage moves messages between mail accounts: the local store, a Maildir
// tree, a remote IMAP account or memory.
package storage

import (
	"context"
	"io"

	"github.com/creativeprojects/mailsync/mailbox"
)

type Backend interface {
	// Delimiter used to construct a path of mailboxes with its children
	Delimiter() string
	// SupportMessageID indicates if the backend returns an ID for a new message (like the IMAP UIDPLUS extension)
	SupportMessageID() bool
	// Close the backend
	Close() error
	// CreateMailbox doesn't return an error when the mailbox already exists
	CreateMailbox(info mailbox.Info) error
	ListMailbox() ([]mailbox.Info, error)
	DeleteMailbox(info mailbox.Info) error
	// SelectMailbox opens the current mailbox for fetching messages
	SelectMailbox(info mailbox.Info) (*mailbox.Status, error)
	PutMessage(info mailbox.Info, props mailbox.MessageProperties, body io.Reader) (mailbox.MessageID, error)
	// FetchMessages needs a mailbox to be selected first. The channel is closed on return.
	FetchMessages(ctx context.Context, messages chan *mailbox.Message) error
	// UnselectMailbox after fetching messages
	UnselectMailbox() error
}

// Progresser receives a tick for every message processed
type Progresser interface {
	Increment()
}
