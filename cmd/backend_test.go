package cmd

import (
	"context"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/storage"
	"github.com/creativeprojects/mailsync/storage/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupConfig points the global configuration to a fresh store in temporary directories
func setupConfig(t *testing.T, extra string) {
	t.Helper()
	root := t.TempDir()
	content := "store:\n" +
		"  partition: " + filepath.Join(root, "spool") + "\n" +
		"  configdir: " + filepath.Join(root, "config") + "\n" +
		extra
	var err error
	config, err = cfg.Load(io.NopCloser(strings.NewReader(content)))
	require.NoError(t, err)
	t.Cleanup(func() { config = nil })
}

func TestBackendFromConfig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("maildir is not supported on Windows")
		return
	}
	maildirRoot := t.TempDir()
	setupConfig(t, "accounts:\n"+
		"  local:\n    type: local\n    user: john\n"+
		"  maildir:\n    type: maildir\n    root: "+maildirRoot+"\n"+
		"  remote:\n    type: imap\n    serverURL: localhost:1\n")

	t.Run("unknown", func(t *testing.T) {
		_, err := NewBackend("nothere", lib.NewTestLogger(t, "backend"))
		assert.ErrorIs(t, err, lib.ErrUsage)
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := NewBackend("remote", lib.NewTestLogger(t, "backend"))
		assert.ErrorIs(t, err, lib.ErrConfig)
	})

	t.Run("copy maildir to local", func(t *testing.T) {
		source, err := NewBackend("maildir", lib.NewTestLogger(t, "maildir"))
		require.NoError(t, err)
		defer source.Close()
		require.NoError(t, test.PrepareBackend(source))

		destination, err := NewBackend("local", lib.NewTestLogger(t, "local"))
		require.NoError(t, err)
		defer destination.Close()

		inbox := mailbox.Info{Delimiter: source.Delimiter(), Name: "INBOX"}
		status, err := source.SelectMailbox(inbox)
		require.NoError(t, err)
		require.Equal(t, uint32(1), status.Messages)

		entries, err := storage.CopyMessages(context.Background(), source, destination, inbox, nil, lib.NewTestLogger(t, "copy"))
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		status, err = destination.SelectMailbox(mailbox.ChangeDelimiter(inbox, destination.Delimiter()))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), status.Messages)
		require.NoError(t, destination.UnselectMailbox())
	})
}

func TestCountDuplicates(t *testing.T) {
	one := mailbox.ComputeGUID([]byte("one"))
	two := mailbox.ComputeGUID([]byte("two"))
	identities := map[mailbox.GUID][]string{
		one:             {"INBOX", "Archive", "Sent"},
		two:             {"INBOX"},
		mailbox.GUID{}: {"INBOX", "INBOX"},
	}
	assert.Equal(t, 2, countDuplicates(identities))
}

func TestDisplayFlags(t *testing.T) {
	assert.Equal(t, "Seen, Flagged, $Label", displayFlags([]string{"\\Seen", "\\Flagged", "$Label"}))
	assert.Equal(t, "", displayFlags(nil))
}
