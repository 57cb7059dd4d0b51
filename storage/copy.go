package storage

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// CopyEntry links a message in the source mailbox to its copy
type CopyEntry struct {
	SourceID mailbox.MessageID
	TargetID mailbox.MessageID
}

// CopyMessages copies the messages of the selected source mailbox into the same mailbox
// at destination. A message which cannot be saved is logged and skipped.
func CopyMessages(ctx context.Context, backendSource, backendDest Backend, mbox mailbox.Info, pbar Progresser, logger lib.Logger) ([]CopyEntry, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	err := backendDest.CreateMailbox(mbox)
	if err != nil {
		return nil, fmt.Errorf("cannot create mailbox at destination: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := make(chan *mailbox.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- backendSource.FetchMessages(ctx, receiver)
	}()

	entries := make([]CopyEntry, 0)
	for msg := range receiver {
		if pbar != nil {
			pbar.Increment()
		}
		id, err := backendDest.PutMessage(mbox, msg.MessageProperties, msg.Body)
		_ = msg.Body.Close()
		if err != nil {
			// keep going
			logger.Printf("error saving message %s: %s", msg.Uid, err)
			continue
		}
		entries = append(entries, CopyEntry{SourceID: msg.Uid, TargetID: id})
	}
	// wait until all the messages arrived
	err = <-done
	_ = backendSource.UnselectMailbox()
	if err != nil {
		return entries, fmt.Errorf("error loading messages: %w", err)
	}
	return entries, nil
}
