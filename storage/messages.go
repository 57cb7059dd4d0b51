package storage

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/mailbox"
)

// LoadMessageProperties reads the selected mailbox and returns the messages without
// their body. The identity of the messages is computed when the backend doesn't know it.
func LoadMessageProperties(ctx context.Context, backend Backend, pbar Progresser) ([]mailbox.Message, error) {
	messages := make([]mailbox.Message, 0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := make(chan *mailbox.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- backend.FetchMessages(ctx, receiver)
	}()

	var readErr error
	for msg := range receiver {
		if pbar != nil {
			pbar.Increment()
		}
		if readErr == nil && msg.GUID.IsNull() {
			guid, _, err := mailbox.ReadGUID(msg.Body)
			if err != nil {
				readErr = fmt.Errorf("error reading message %s: %w", msg.Uid, err)
				cancel()
			}
			msg.GUID = guid
		}
		_ = msg.Body.Close()
		msg.Body = nil
		if readErr == nil {
			messages = append(messages, *msg)
		}
	}
	// wait until all the messages arrived
	err := <-done
	_ = backend.UnselectMailbox()
	if readErr != nil {
		return messages, readErr
	}
	if err != nil {
		return messages, fmt.Errorf("error loading messages: %w", err)
	}
	return messages, nil
}
