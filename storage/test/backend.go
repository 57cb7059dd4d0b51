// Package test runs the same scenario on every storage backend
package test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/storage"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sampleMessage = "From: contact@example.org\r\n" +
		"To: contact@example.org\r\n" +
		"Subject: A little message, just for you\r\n" +
		"Date: Wed, 11 May 2016 14:31:59 +0000\r\n" +
		"Message-ID: <0000000@localhost/>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hi there :)"
	sampleMessageDate  = time.Date(2020, 10, 20, 12, 11, 0, 0, time.UTC)
	sampleMessageFlags = []string{imap.FlaggedFlag, imap.AnsweredFlag}
	sampleMessageGUID  = mailbox.ComputeGUID([]byte(sampleMessage))
)

// RunTestsOnBackend is the unit tests runner called by the concrete implementations of storage.Backend
func RunTestsOnBackend(t *testing.T, backend storage.Backend) {
	require.NotNil(t, backend)

	t.Run("ListMailbox", func(t *testing.T) {
		list, err := backend.ListMailbox()
		require.NoError(t, err)

		// check there's at least one mailbox
		require.Greater(t, len(list), 0)
		// check the expected delimiter
		assert.Equal(t, backend.Delimiter(), list[0].Delimiter)
	})

	t.Run("CreateExistingMailbox", func(t *testing.T) {
		list, err := backend.ListMailbox()
		require.NoError(t, err)

		assert.True(t, mailboxExists("INBOX", list))

		err = backend.CreateMailbox(mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "INBOX",
		})
		require.NoError(t, err)
	})

	t.Run("CreateDeleteMailboxSameDelimiter", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Path" + backend.Delimiter() + "Mailbox",
		}
		createMailbox(t, backend, info)
		deleteMailbox(t, backend, info)
		// also deletes the "Path" one if exists (it should on IMAP)
		_ = backend.DeleteMailbox(mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Path",
		})
	})

	t.Run("CreateDeleteMailboxDifferentDelimiter", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: "#",
			Name:      "Path#Mailbox",
		}
		createMailbox(t, backend, info)
		deleteMailbox(t, backend, info)
		_ = backend.DeleteMailbox(mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Path",
		})
	})

	t.Run("SelectMailboxDoesNotExist", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "No mailbox at that name",
		}
		status, err := backend.SelectMailbox(info)
		assert.Nil(t, status)
		require.Error(t, err)
		// IMAP doesn't have a specific error (it's up to the server implementation)
	})

	t.Run("SelectMailbox", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "INBOX",
		}
		status, err := backend.SelectMailbox(info)
		require.NoError(t, err)
		t.Logf("%v", status)
		assert.Equal(t, info.Name, status.Name)
		assert.NotZero(t, status.UidValidity)
		assert.NoError(t, backend.UnselectMailbox())
	})

	t.Run("CreateSimpleMailbox", func(t *testing.T) {
		createMailbox(t, backend, mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		})
	})

	t.Run("AppendMessage", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		}
		uid, err := backend.PutMessage(info, sampleProperties(uint32(len(sampleMessage))), bytes.NewBufferString(sampleMessage))
		require.NoError(t, err)
		if backend.SupportMessageID() {
			assert.False(t, uid.IsZero())
		}

		// Verify the mailbox shows 1 message
		status, err := backend.SelectMailbox(info)
		require.NoError(t, err)
		t.Logf("%v", status)
		assert.Equal(t, info.Name, status.Name)
		assert.Equal(t, uint32(1), status.Messages)
	})

	t.Run("FetchOneMessage", func(t *testing.T) {
		receiver := make(chan *mailbox.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- backend.FetchMessages(context.Background(), receiver)
		}()

		count := 0
		for msg := range receiver {
			count++
			assert.NotNil(t, msg)
			buffer := &bytes.Buffer{}
			read, err := buffer.ReadFrom(msg.Body)
			assert.NoError(t, err)
			msg.Body.Close()
			assert.Equal(t, int64(len(sampleMessage)), read)
			if msg.Size > 0 {
				assert.Equal(t, read, int64(msg.Size))
			}
			if !msg.GUID.IsNull() {
				assert.Equal(t, sampleMessageGUID, msg.GUID)
			}
			assert.True(t, sampleMessageDate.Equal(msg.InternalDate))
			assert.ElementsMatch(t, sampleMessageFlags, msg.Flags)
			t.Logf("Received message uid=%s size=%d flags=%+v", msg.Uid, read, msg.Flags)
		}
		assert.Equal(t, 1, count)

		// wait until all the messages arrived
		err := <-done
		assert.NoError(t, err)

		err = backend.UnselectMailbox()
		assert.NoError(t, err)
	})

	t.Run("AppendTwoMoreMessages", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		}
		for i := 0; i < 2; i++ {
			uid, err := backend.PutMessage(info, sampleProperties(uint32(len(sampleMessage))), bytes.NewBufferString(sampleMessage))
			require.NoError(t, err)
			if backend.SupportMessageID() {
				assert.False(t, uid.IsZero())
			}
		}

		// Verify the mailbox shows 3 messages
		status, err := backend.SelectMailbox(info)
		require.NoError(t, err)
		assert.Equal(t, info.Name, status.Name)
		assert.Equal(t, uint32(3), status.Messages)

		err = backend.UnselectMailbox()
		assert.NoError(t, err)
	})

	t.Run("FetchThreeMessages", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		}
		_, err := backend.SelectMailbox(info)
		require.NoError(t, err)

		receiver := make(chan *mailbox.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- backend.FetchMessages(context.Background(), receiver)
		}()

		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			count := 0
			for msg := range receiver {
				count++
				buffer := &bytes.Buffer{}
				read, err := buffer.ReadFrom(msg.Body)
				assert.NoError(t, err)
				msg.Body.Close()
				assert.Equal(t, int64(len(sampleMessage)), read)
				assert.True(t, sampleMessageDate.Equal(msg.InternalDate))
				assert.ElementsMatch(t, sampleMessageFlags, msg.Flags)
			}
			assert.Equal(t, 3, count)
		}()
		// wait until all the messages arrived
		err = <-done
		assert.NoError(t, err)

		wg.Wait()

		err = backend.UnselectMailbox()
		assert.NoError(t, err)
	})

	t.Run("FetchCancelled", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		}
		_, err := backend.SelectMailbox(info)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		receiver := make(chan *mailbox.Message)
		done := make(chan error, 1)
		go func() {
			done <- backend.FetchMessages(ctx, receiver)
		}()
		// take one message then stop reading
		msg, ok := <-receiver
		if ok {
			_ = msg.Body.Close()
		}
		cancel()
		for msg := range receiver {
			_ = msg.Body.Close()
		}
		<-done
		assert.NoError(t, backend.UnselectMailbox())
	})

	t.Run("AppendMessageWithWrongSize", func(t *testing.T) {
		info := mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		}
		_, err := backend.PutMessage(info, sampleProperties(uint32(len(sampleMessage))-1), bytes.NewBufferString(sampleMessage))
		assert.Error(t, err)

		// Verify the mailbox still shows 3 messages
		status, err := backend.SelectMailbox(info)
		assert.NoError(t, err)
		assert.Equal(t, uint32(3), status.Messages)

		err = backend.UnselectMailbox()
		assert.NoError(t, err)
	})

	t.Run("DeleteSimpleMailbox", func(t *testing.T) {
		deleteMailbox(t, backend, mailbox.Info{
			Delimiter: backend.Delimiter(),
			Name:      "Work",
		})
	})
}

func sampleProperties(size uint32) mailbox.MessageProperties {
	return mailbox.MessageProperties{
		Flags:        sampleMessageFlags,
		InternalDate: sampleMessageDate,
		Size:         size,
	}
}

// PrepareBackend makes sure the backend has an INBOX with one message
func PrepareBackend(backend storage.Backend) error {
	info := mailbox.Info{
		Delimiter: backend.Delimiter(),
		Name:      "INBOX",
	}
	existing, err := backend.ListMailbox()
	if err != nil {
		return err
	}
	if mailboxExists(info.Name, existing) {
		// no need to create the mailbox and add a message to it
		return nil
	}
	err = backend.CreateMailbox(info)
	if err != nil {
		return err
	}
	props := mailbox.MessageProperties{
		Flags:        []string{imap.FlaggedFlag},
		InternalDate: time.Now(),
		Size:         uint32(len(sampleMessage)),
	}
	_, err = backend.PutMessage(info, props, bytes.NewBufferString(sampleMessage))
	return err
}

func createMailbox(t *testing.T, backend storage.Backend, info mailbox.Info) {
	t.Helper()

	err := backend.CreateMailbox(info)
	require.NoError(t, err)

	list, err := backend.ListMailbox()
	require.NoError(t, err)

	name := lib.VerifyDelimiter(info.Name, info.Delimiter, backend.Delimiter())
	assert.True(t, mailboxExists(name, list))
}

func deleteMailbox(t *testing.T, backend storage.Backend, info mailbox.Info) {
	t.Helper()

	err := backend.DeleteMailbox(info)
	require.NoError(t, err)

	list, err := backend.ListMailbox()
	require.NoError(t, err)

	name := lib.VerifyDelimiter(info.Name, info.Delimiter, backend.Delimiter())
	assert.False(t, mailboxExists(name, list))
}

func mailboxExists(name string, in []mailbox.Info) bool {
	for _, mailbox := range in {
		if mailbox.Name == name {
			return true
		}
	}
	return false
}
