package state

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *recorder) Notify(kind string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change := kind
	for _, arg := range args {
		change += " " + arg
	}
	r.changes = append(r.changes, change)
}

func openTestState(t *testing.T) *State {
	t.Helper()
	s, err := OpenWithLogger(filepath.Join(t.TempDir(), "state.db"), lib.NewTestLogger(t, "state"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestReopenState(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(filename)
	require.NoError(t, err)
	require.NoError(t, s.CreateMailbox(MailboxEntry{Name: "user.bob", Partition: "default"}))
	require.NoError(t, s.Close())

	s, err = Open(filename)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Exists())
	entry, err := s.LookupMailbox("user.bob")
	require.NoError(t, err)
	assert.Equal(t, "default", entry.Partition)
}

func TestMailboxList(t *testing.T) {
	s := openTestState(t)
	notifier := &recorder{}
	s.SetNotifier(notifier)

	for _, name := range []string{"user.bob", "user.bob.Sent", "user.bobby", "user.alice"} {
		require.NoError(t, s.CreateMailbox(MailboxEntry{Name: name, Partition: "default", UniqueID: name + "-id"}))
	}
	err := s.CreateMailbox(MailboxEntry{Name: "user.bob"})
	assert.ErrorIs(t, err, lib.ErrMailboxExists)

	list, err := s.ListMailboxes("user.bob")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.UserMailboxes("bob")
	require.NoError(t, err)
	require.Len(t, list, 2)

	found, err := s.FindUniqueID("user.bob.Sent-id")
	require.NoError(t, err)
	assert.Equal(t, "user.bob.Sent", found.Name)
	_, err = s.FindUniqueID("missing")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)
	assert.Equal(t, "user.bob", list[0].Name)
	assert.Equal(t, "user.bob.Sent", list[1].Name)

	require.NoError(t, s.RenameMailbox("user.bob.Sent", "user.bob.Archive", "other"))
	entry, err := s.LookupMailbox("user.bob.Archive")
	require.NoError(t, err)
	assert.Equal(t, "other", entry.Partition)
	assert.Equal(t, "user.bob.Sent-id", entry.UniqueID)
	_, err = s.LookupMailbox("user.bob.Sent")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)

	err = s.RenameMailbox("user.bob.Archive", "user.alice", "")
	assert.ErrorIs(t, err, lib.ErrMailboxExists)

	require.NoError(t, s.DeleteMailbox("user.bobby"))
	assert.ErrorIs(t, s.DeleteMailbox("user.bobby"), lib.ErrMailboxNotFound)

	assert.Equal(t, []string{
		"MAILBOX user.bob",
		"MAILBOX user.bob.Sent",
		"MAILBOX user.bobby",
		"MAILBOX user.alice",
		"MAILBOX user.bob.Sent user.bob.Archive",
		"MAILBOX user.bobby",
	}, notifier.changes)
}

func TestSeenState(t *testing.T) {
	s := openTestState(t)

	seen, err := s.ReadSeen("bob", "unknown")
	require.NoError(t, err)
	assert.Equal(t, SeenState{}, seen)

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.CreateSeen("bob", "abc"))
	require.NoError(t, s.WriteSeen("bob", "abc", SeenState{LastRead: now, LastUID: 5, LastChange: now, SeenUIDs: "1:3"}))
	// create does not overwrite
	require.NoError(t, s.CreateSeen("bob", "abc"))

	require.NoError(t, s.CopySeen("bob", "alice", "abc"))
	seen, err = s.ReadSeen("alice", "abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), seen.LastUID)
	assert.Equal(t, "1:3", seen.SeenUIDs)
	assert.True(t, now.Equal(seen.LastChange))

	require.NoError(t, s.DeleteSeen("bob", "abc"))
	seen, err = s.ReadSeen("bob", "abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seen.LastUID)

	require.NoError(t, s.DeleteUserSeen("alice"))
	seen, err = s.ReadSeen("alice", "abc")
	require.NoError(t, err)
	assert.Empty(t, seen.SeenUIDs)

	_, err = s.ReadSeen("", "abc")
	assert.ErrorIs(t, err, lib.ErrInvalidUser)
}

func TestUIDSet(t *testing.T) {
	fixtures := []struct {
		set  string
		uids []uint32
		text string
	}{
		{"", []uint32{}, ""},
		{"5", []uint32{5}, "5"},
		{"1:3,5", []uint32{1, 2, 3, 5}, "1:3,5"},
		{"3:1,2,7,8", []uint32{1, 2, 3, 7, 8}, "1:3,7:8"},
	}
	for _, fixture := range fixtures {
		t.Run(fixture.set, func(t *testing.T) {
			uids, err := ParseUIDSet(fixture.set)
			require.NoError(t, err)
			assert.Equal(t, fixture.uids, uids)
			assert.Equal(t, fixture.text, FormatUIDSet(uids))
		})
	}

	for _, invalid := range []string{"0", "a", "1:", ",", "1:x"} {
		_, err := ParseUIDSet(invalid)
		assert.Truef(t, errors.Is(err, lib.ErrBadFormat), "set %q", invalid)
	}
}

func TestSubscriptions(t *testing.T) {
	s := openTestState(t)
	notifier := &recorder{}
	s.SetNotifier(notifier)

	list, err := s.Subscriptions("bob")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Subscribe("bob", "user.bob.Sent"))
	require.NoError(t, s.Subscribe("bob", "shared.news"))
	require.NoError(t, s.Subscribe("bob", "shared.news"))
	require.NoError(t, s.Unsubscribe("bob", "user.bob.Sent"))
	require.NoError(t, s.Unsubscribe("alice", "user.bob.Sent"))

	list, err = s.Subscriptions("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.news"}, list)
	assert.Contains(t, notifier.changes, "META bob")

	require.NoError(t, s.DeleteSubscriptions("bob"))
	list, err = s.Subscriptions("bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSieveScripts(t *testing.T) {
	s := openTestState(t)
	modified := time.Unix(1700000000, 0)

	require.NoError(t, s.PutSieve("bob", "vacation", modified, []byte("keep;")))
	require.NoError(t, s.PutSieve("bob", "spam", modified, []byte("discard;")))
	require.NoError(t, s.ActivateSieve("bob", "vacation"))

	// replacing the content keeps the script active
	require.NoError(t, s.PutSieve("bob", "vacation", modified.Add(time.Hour), []byte("stop;")))
	script, err := s.GetSieve("bob", "vacation")
	require.NoError(t, err)
	assert.True(t, script.Active)
	assert.Equal(t, []byte("stop;"), script.Content)

	require.NoError(t, s.ActivateSieve("bob", "spam"))
	scripts, err := s.ListSieve("bob")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "spam", scripts[0].Name)
	assert.True(t, scripts[0].Active)
	assert.False(t, scripts[1].Active)

	assert.ErrorIs(t, s.ActivateSieve("bob", "missing"), lib.ErrMailboxNotFound)
	_, err = s.GetSieve("alice", "spam")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)

	require.NoError(t, s.DeactivateSieve("bob"))
	scripts, err = s.ListSieve("bob")
	require.NoError(t, err)
	for _, script := range scripts {
		assert.False(t, script.Active)
	}

	require.NoError(t, s.DeleteSieve("bob", "spam"))
	assert.ErrorIs(t, s.DeleteSieve("bob", "spam"), lib.ErrMailboxNotFound)
}

func TestResetUser(t *testing.T) {
	s := openTestState(t)
	require.NoError(t, s.Subscribe("bob", "user.bob.Sent"))
	require.NoError(t, s.PutSieve("bob", "vacation", time.Now(), []byte("keep;")))
	require.NoError(t, s.WriteSeen("bob", "abc", SeenState{LastUID: 3}))
	require.NoError(t, s.Subscribe("alice", "user.alice.Sent"))

	require.NoError(t, s.ResetUser("bob"))

	subs, err := s.Subscriptions("bob")
	require.NoError(t, err)
	assert.Empty(t, subs)
	scripts, err := s.ListSieve("bob")
	require.NoError(t, err)
	assert.Empty(t, scripts)
	seen, err := s.ReadSeen("bob", "abc")
	require.NoError(t, err)
	assert.Zero(t, seen.LastUID)

	subs, err = s.Subscriptions("alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestBackup(t *testing.T) {
	s := openTestState(t)
	require.NoError(t, s.CreateMailbox(MailboxEntry{Name: "user.bob"}))
	backup := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(backup))

	copied, err := Open(backup)
	require.NoError(t, err)
	defer copied.Close()
	_, err = copied.LookupMailbox("user.bob")
	assert.NoError(t, err)
}
