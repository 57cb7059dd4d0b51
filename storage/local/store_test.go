package local

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/storage/test"
	"github.com/creativeprojects/mailsync/store"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newList(t *testing.T) *mboxlist.List {
	t.Helper()
	db, err := state.OpenWithLogger(filepath.Join(t.TempDir(), "state.db"), lib.NewTestLogger(t, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithLogger(store.Options{
		Partitions:  map[string]string{"default": filepath.Join(t.TempDir(), "default")},
		ConfigDir:   t.TempDir(),
		OpenRetries: 3,
		RetryDelay:  time.Millisecond,
		Seen:        db,
	}, lib.NewTestLogger(t, "store"))
	require.NoError(t, err)
	return mboxlist.NewWithLogger(st, db, lib.NewTestLogger(t, "mboxlist"))
}

func TestLocalBackend(t *testing.T) {
	backend, err := NewWithLogger(newList(t), "john", lib.NewTestLogger(t, "local"))
	require.NoError(t, err)

	defer backend.Close()

	err = test.PrepareBackend(backend)
	require.NoError(t, err)

	test.RunTestsOnBackend(t, backend)
}

func TestInvalidUser(t *testing.T) {
	_, err := New(newList(t), "john.doe")
	assert.ErrorIs(t, err, lib.ErrInvalidUser)
}

func TestNames(t *testing.T) {
	list := newList(t)
	backend, err := New(list, "john")
	require.NoError(t, err)

	require.NoError(t, backend.CreateMailbox(mailbox.Info{Delimiter: "/", Name: "inbox"}))
	require.NoError(t, backend.CreateMailbox(mailbox.Info{Delimiter: "/", Name: "Archive/2020"}))
	_, err = list.Lookup("user.john")
	assert.NoError(t, err)
	_, err = list.Lookup("user.john.Archive.2020")
	assert.NoError(t, err)

	mailboxes, err := backend.ListMailbox()
	require.NoError(t, err)
	assert.Equal(t, []mailbox.Info{
		{Delimiter: ".", Name: "INBOX"},
		{Delimiter: ".", Name: "Archive.2020"},
	}, mailboxes)
}

func TestSeenFlag(t *testing.T) {
	list := newList(t)
	backend, err := New(list, "john")
	require.NoError(t, err)
	defer backend.Close()

	info := mailbox.Info{Delimiter: ".", Name: "INBOX"}
	require.NoError(t, backend.CreateMailbox(info))
	body := lib.GenerateEmail("jane@example.com", "john@example.com", 1, 10, 20)
	for _, flags := range [][]string{{imap.SeenFlag, "$Work"}, {}} {
		_, err = backend.PutMessage(info, mailbox.MessageProperties{Flags: flags}, bytes.NewReader(body))
		require.NoError(t, err)
	}

	status, err := backend.SelectMailbox(info)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), status.Messages)
	assert.Equal(t, uint32(1), status.Unseen)
	assert.Equal(t, uint32(2), status.LastUID)

	m, err := list.Open("user.john")
	require.NoError(t, err)
	seen, err := list.State().ReadSeen("john", m.UniqueID())
	m.Close()
	require.NoError(t, err)
	assert.Equal(t, "1", seen.SeenUIDs)

	receiver := make(chan *mailbox.Message, 10)
	require.NoError(t, backend.FetchMessages(context.Background(), receiver))
	flags := make([][]string, 0)
	for msg := range receiver {
		flags = append(flags, msg.Flags)
		assert.Equal(t, mailbox.ComputeGUID(body), msg.GUID)
		_ = msg.Body.Close()
	}
	require.Len(t, flags, 2)
	assert.ElementsMatch(t, []string{imap.SeenFlag, "$Work"}, flags[0])
	assert.Empty(t, flags[1])
}
