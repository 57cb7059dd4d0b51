package storage

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/storage/local"
	"github.com/creativeprojects/mailsync/storage/mdir"
	"github.com/creativeprojects/mailsync/storage/mem"
	"github.com/creativeprojects/mailsync/storage/remote"
	"github.com/creativeprojects/mailsync/store"
	compress "github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

var (
	_ Backend = &remote.Imap{}
	_ Backend = &local.Store{}
	_ Backend = &mdir.Maildir{}
	_ Backend = &mem.Backend{}
)

func TestImapBackend(t *testing.T) {
	be := memory.New()

	server := server.New(be)
	server.AllowInsecureAuth = true
	server.Enable(compress.NewExtension())

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = server.Serve(listener)
	}()

	backend, err := remote.NewImap(remote.Config{
		ServerURL:   listener.Addr().String(),
		Username:    "username",
		Password:    "password",
		NoTLS:       true,
		DebugLogger: lib.NewTestLogger(t, "imap"),
	})
	require.NoError(t, err)

	RunIntegrationTestsOnBackend(t, backend)
	err = backend.Close()
	assert.NoError(t, err)

	err = server.Close()
	assert.NoError(t, err)
	wg.Wait()
}

func TestMaildirBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("maildir is not supported on Windows")
		return
	}
	backend, err := mdir.NewWithLogger(t.TempDir(), lib.NewTestLogger(t, "maildir"))
	require.NoError(t, err)

	defer backend.Close()

	RunIntegrationTestsOnBackend(t, backend)
}

func TestLocalBackend(t *testing.T) {
	db, err := state.OpenWithLogger(filepath.Join(t.TempDir(), "state.db"), lib.NewTestLogger(t, "state"))
	require.NoError(t, err)
	defer db.Close()
	st, err := store.NewWithLogger(store.Options{
		Partitions:  map[string]string{"default": t.TempDir()},
		ConfigDir:   t.TempDir(),
		OpenRetries: 3,
		RetryDelay:  time.Millisecond,
		Seen:        db,
	}, lib.NewTestLogger(t, "store"))
	require.NoError(t, err)

	backend, err := local.NewWithLogger(mboxlist.New(st, db), "john", lib.NewTestLogger(t, "local"))
	require.NoError(t, err)

	defer backend.Close()

	RunIntegrationTestsOnBackend(t, backend)
}

func TestMemoryBackend(t *testing.T) {
	backend := mem.NewWithLogger(lib.NewTestLogger(t, "mem"))

	defer backend.Close()

	RunIntegrationTestsOnBackend(t, backend)
}

func RunIntegrationTestsOnBackend(t *testing.T, backend Backend) {
	require.NotNil(t, backend)

	t.Run("CopyMailbox", func(t *testing.T) {
		var total uint32 = 23
		info := mailbox.Info{Name: "Mailbox Copy", Delimiter: "."}

		memBackend := mem.New()
		memBackend.GenerateFakeEmails(info, total, 100, 100000)

		_, err := memBackend.SelectMailbox(info)
		assert.NoError(t, err)

		progress := &testProgress{}
		entries, err := CopyMessages(context.Background(), memBackend, backend, info, progress, lib.NewTestLogger(t, "copy"))
		assert.NoError(t, err)

		assert.Equal(t, total, progress.count)
		assert.Equal(t, int(total), len(entries))

		// Verify the mailbox shows the right number of messages
		status, err := backend.SelectMailbox(info)
		require.NoError(t, err)

		assert.Equal(t, info.Name, status.Name)
		assert.Equal(t, total, status.Messages)

		// every message arrived intact
		messages, err := LoadMessageProperties(context.Background(), backend, nil)
		require.NoError(t, err)
		require.Len(t, messages, int(total))

		_, err = memBackend.SelectMailbox(info)
		require.NoError(t, err)
		sources, err := LoadMessageProperties(context.Background(), memBackend, nil)
		require.NoError(t, err)
		guids := make(map[mailbox.GUID]bool, len(sources))
		for _, source := range sources {
			guids[source.GUID] = true
		}
		for _, message := range messages {
			assert.True(t, guids[message.GUID])
			assert.Nil(t, message.Body)
		}

		err = backend.DeleteMailbox(info)
		assert.NoError(t, err)
	})
}

type testProgress struct {
	count uint32
}

func (p *testProgress) Increment() {
	p.count++
}
