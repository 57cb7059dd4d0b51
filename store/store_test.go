package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, partitions ...string) *Store {
	t.Helper()
	if len(partitions) == 0 {
		partitions = []string{"default"}
	}
	dirs := make(map[string]string, len(partitions))
	for _, name := range partitions {
		dirs[name] = filepath.Join(t.TempDir(), name)
	}
	s, err := NewWithLogger(Options{
		Partitions:       dirs,
		DefaultPartition: partitions[0],
		ConfigDir:        t.TempDir(),
		OpenRetries:      3,
		RetryDelay:       time.Millisecond,
	}, lib.NewTestLogger(t, "store"))
	require.NoError(t, err)
	return s
}

func createMailbox(t *testing.T, s *Store, name string) *Mailbox {
	t.Helper()
	m, err := s.Create(name, CreateOptions{ACL: "anyone\tlrs\t"})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func messagesOfSizes(sizes ...int) []NewMessage {
	messages := make([]NewMessage, len(sizes))
	for i, size := range sizes {
		messages[i] = NewMessage{
			Body:  strings.NewReader(strings.Repeat(string(rune('a'+i)), size)),
			Cache: []byte("cache-" + string(rune('a'+i))),
		}
	}
	return messages
}

func TestNewStoreValidation(t *testing.T) {
	_, err := New(Options{ConfigDir: t.TempDir()})
	assert.ErrorIs(t, err, lib.ErrConfig)

	_, err = New(Options{Partitions: map[string]string{"a": t.TempDir(), "b": t.TempDir()}, ConfigDir: t.TempDir()})
	assert.ErrorIs(t, err, lib.ErrConfig)

	_, err = New(Options{Partitions: map[string]string{"a": t.TempDir()}})
	assert.ErrorIs(t, err, lib.ErrConfig)

	s, err := New(Options{Partitions: map[string]string{"a": t.TempDir()}, ConfigDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "a", s.DefaultPartition())
}

func TestPath(t *testing.T) {
	s, err := New(Options{Partitions: map[string]string{"default": "/var/spool/mail"}, ConfigDir: "/var/lib/mailsync"})
	require.NoError(t, err)

	path, err := s.Path("user.bob.Sent", "")
	require.NoError(t, err)
	assert.Equal(t, "/var/spool/mail/user/bob/Sent", path)

	for _, name := range []string{"", "user..bob", "user.bob/../x", "user.bob.", ".."} {
		_, err = s.Path(name, "")
		assert.ErrorIs(t, err, lib.ErrUsage, name)
	}
	_, err = s.Path("user.bob", "other")
	assert.ErrorIs(t, err, lib.ErrConfig)
}

func TestCreateAndOpen(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Create("user.bob", CreateOptions{ACL: "bob\tlrswipcda\t", UIDValidity: 1234})
	require.NoError(t, err)
	defer m.Close()

	for _, file := range []string{HeaderFile, IndexFile, CacheFile} {
		assert.FileExists(t, filepath.Join(m.Path(), file))
	}
	assert.Equal(t, mailbox.MakeUniqueID("user.bob", 1234), m.UniqueID())

	opened, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, "bob\tlrswipcda\t", opened.Header().ACL)
	index := opened.IndexHeader()
	assert.Equal(t, uint32(1234), index.UIDValidity)
	assert.Equal(t, uint32(0), index.Exists)
	assert.Equal(t, uint32(mailbox.MinorVersion), index.MinorVersion)

	_, err = s.Create("user.bob", CreateOptions{})
	assert.ErrorIs(t, err, lib.ErrMailboxExists)

	_, err = s.Open("user.alice", "")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)
}

func TestAppendAssignsIncreasingUIDs(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")

	expected := uint32(0)
	for _, batch := range [][]int{{10}, {20, 30, 40}, {5, 5}} {
		records, err := m.Append(messagesOfSizes(batch...), AppendOptions{})
		require.NoError(t, err)
		for _, record := range records {
			expected++
			assert.Equal(t, expected, record.UID)
		}
	}
	uids, err := m.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6}, uids)
	assert.Equal(t, uint32(6), m.IndexHeader().LastUID)
	assert.Equal(t, uint32(110), m.IndexHeader().QuotaMailboxUsed)

	_, record, found := m.FindUID(3)
	require.True(t, found)
	assert.Equal(t, uint32(30), record.Size)
	assert.Equal(t, mailbox.ComputeGUID([]byte(strings.Repeat("b", 30))), record.GUID)
	blob, err := m.CacheBlob(record)
	require.NoError(t, err)
	assert.Equal(t, []byte("cache-b"), blob)

	content, err := os.ReadFile(m.MessagePath(3))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 30), string(content))
}

func TestAppendWithFlags(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")

	messages := messagesOfSizes(10, 10)
	messages[0].Flags = []string{imap.FlaggedFlag, "$Important", imap.SeenFlag}
	messages[1].Flags = []string{imap.DeletedFlag, imap.AnsweredFlag, "$Later"}
	records, err := m.Append(messages, AppendOptions{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{imap.FlaggedFlag, "$Important"}, m.FlagNames(records[0]))
	assert.ElementsMatch(t, []string{imap.DeletedFlag, imap.AnsweredFlag, "$Later"}, m.FlagNames(records[1]))

	index := m.IndexHeader()
	assert.Equal(t, uint32(1), index.Flagged)
	assert.Equal(t, uint32(1), index.Deleted)
	assert.Equal(t, uint32(1), index.Answered)

	// flag names are saved in the header
	opened, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer opened.Close()
	flags := opened.Header().Flags
	_, found := flags.Find("$Important")
	assert.True(t, found)
	_, found = flags.Find("$later")
	assert.True(t, found)
}

func TestAppendBelowLastUID(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")

	messages := messagesOfSizes(10)
	messages[0].Record.UID = 5
	_, err := m.Append(messages, AppendOptions{})
	require.NoError(t, err)
	generation := m.IndexHeader().Generation

	messages = messagesOfSizes(20, 30)
	messages[0].Record.UID = 3
	messages[1].Record.UID = 8
	records, err := m.Append(messages, AppendOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint32(3), records[0].UID)

	uids, err := m.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 5, 8}, uids)
	index := m.IndexHeader()
	assert.Equal(t, uint32(8), index.LastUID)
	assert.Equal(t, uint32(60), index.QuotaMailboxUsed)
	assert.Equal(t, generation+1, index.Generation)

	// cache blobs follow their records in the rewritten cache
	for _, uid := range uids {
		_, record, found := m.FindUID(uid)
		require.True(t, found)
		_, err := m.CacheBlob(record)
		assert.NoError(t, err)
	}

	// an existing uid is refused and nothing changes
	messages = messagesOfSizes(10)
	messages[0].Record.UID = 5
	_, err = m.Append(messages, AppendOptions{})
	assert.ErrorIs(t, err, lib.ErrProtocol)
	uids, err = m.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 5, 8}, uids)

	// uids out of order within one append
	messages = messagesOfSizes(10, 10)
	messages[0].Record.UID = 20
	messages[1].Record.UID = 15
	_, err = m.Append(messages, AppendOptions{})
	assert.ErrorIs(t, err, lib.ErrProtocol)
}

func TestQuotaScenario(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ledger().Create("user.bob", 1000))
	m := createMailbox(t, s, "user.bob")
	assert.Equal(t, "user.bob", m.Header().QuotaRoot)

	_, err := m.Append(messagesOfSizes(100, 200, 300), AppendOptions{})
	require.NoError(t, err)
	root, err := s.Ledger().Read("user.bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(600), root.Used)

	missing, err := m.SetFlags([]FlagUpdate{{UID: 2, Flags: []string{imap.DeletedFlag}}})
	require.NoError(t, err)
	assert.Empty(t, missing)

	removed, err := m.Expunge(nil)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, uint32(2), removed[0].UID)

	assert.Equal(t, uint32(2), m.IndexHeader().Exists)
	uids, err := m.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, uids)
	root, err = s.Ledger().Read("user.bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), root.Used)
	assert.NoFileExists(t, m.MessagePath(2))

	// a second expunge of the same uid removes nothing
	removed, err = m.Expunge(ExpungeUIDs([]uint32{2}))
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, uint32(2), m.IndexHeader().Exists)
	root, err = s.Ledger().Read("user.bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), root.Used)
}

func TestQuotaExceeded(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ledger().Create("user.bob", 250))
	m := createMailbox(t, s, "user.bob")

	_, err := m.Append(messagesOfSizes(200), AppendOptions{})
	require.NoError(t, err)
	_, err = m.Append(messagesOfSizes(100), AppendOptions{})
	assert.ErrorIs(t, err, lib.ErrQuotaExceeded)
	assert.Equal(t, uint32(1), m.IndexHeader().Exists)
	assert.NoFileExists(t, m.MessagePath(2))

	_, err = m.Append(messagesOfSizes(100), AppendOptions{IgnoreQuota: true})
	require.NoError(t, err)
	root, err := s.Ledger().Read("user.bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), root.Used)
}

func TestDeleteSharedQuotaRoot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ledger().Create("user.bob", 10000))
	first := createMailbox(t, s, "user.bob.First")
	second := createMailbox(t, s, "user.bob.Second")
	assert.Equal(t, "user.bob", first.Header().QuotaRoot)
	assert.Equal(t, "user.bob", second.Header().QuotaRoot)

	_, err := first.Append(messagesOfSizes(100, 150), AppendOptions{})
	require.NoError(t, err)
	_, err = second.Append(messagesOfSizes(300), AppendOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete("user.bob.First", "", DeleteOptions{}))

	root, err := s.Ledger().Read("user.bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), root.Used)
	_, err = s.Open("user.bob.First", "")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)
}

func TestDeleteQuotaRoot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ledger().Create("user.bob", 10000))
	m := createMailbox(t, s, "user.bob")
	hl, err := m.LockHeader()
	require.NoError(t, err)
	require.NoError(t, hl.Delete(DeleteOptions{DeleteQuotaRoot: true}))
	_, found := s.Ledger().FindRoot("user.bob")
	assert.False(t, found)
}

func TestDeleteRemovesEmptyParents(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob.Sent")
	_, err := m.Append(messagesOfSizes(10), AppendOptions{})
	require.NoError(t, err)
	other := createMailbox(t, s, "user.alice")

	require.NoError(t, s.Delete("user.bob.Sent", "", DeleteOptions{}))
	partition := s.partitionRoot("")
	assert.NoDirExists(t, filepath.Join(partition, "user", "bob"))
	assert.DirExists(t, filepath.Join(partition, "user"))
	assert.DirExists(t, other.Path())
}

func TestDeleteKeepsSubMailboxes(t *testing.T) {
	s := newTestStore(t)
	parent := createMailbox(t, s, "user.bob")
	child := createMailbox(t, s, "user.bob.Sent")

	require.NoError(t, s.Delete("user.bob", "", DeleteOptions{}))
	assert.NoFileExists(t, filepath.Join(parent.Path(), HeaderFile))
	assert.FileExists(t, filepath.Join(child.Path(), HeaderFile))
}

func TestDeleteHalfDeletedMailbox(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	_, err := m.Append(messagesOfSizes(10), AppendOptions{})
	require.NoError(t, err)
	// a previous delete stopped after the header
	require.NoError(t, os.Remove(filepath.Join(m.Path(), HeaderFile)))

	require.NoError(t, s.Delete("user.bob", "", DeleteOptions{}))
	assert.NoDirExists(t, m.Path())

	assert.ErrorIs(t, s.Delete("user.bob", "", DeleteOptions{}), lib.ErrMailboxNotFound)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"user.bob", "user.bob.Sent", "shared.news", "user.alice"} {
		createMailbox(t, s, name)
	}
	names, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.news", "user.alice", "user.bob", "user.bob.Sent"}, names)
}

func TestSetFlagsUpdatesCounters(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	_, err := m.Append(messagesOfSizes(10, 10, 10), AppendOptions{})
	require.NoError(t, err)

	missing, err := m.SetFlags([]FlagUpdate{
		{UID: 1, Flags: []string{imap.FlaggedFlag, imap.AnsweredFlag}},
		{UID: 3, Flags: []string{imap.FlaggedFlag, "$Work"}},
		{UID: 9, Flags: []string{imap.FlaggedFlag}},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, missing)
	assert.Equal(t, uint32(2), m.IndexHeader().Flagged)
	assert.Equal(t, uint32(1), m.IndexHeader().Answered)

	_, err = m.SetFlags([]FlagUpdate{{UID: 1, Flags: nil}})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.IndexHeader().Flagged)
	assert.Equal(t, uint32(0), m.IndexHeader().Answered)

	_, record, found := m.FindUID(3)
	require.True(t, found)
	assert.ElementsMatch(t, []string{imap.FlaggedFlag, "$Work"}, m.FlagNames(record))
}

func TestSetLastUIDNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	require.NoError(t, m.SetLastUID(10, time.Time{}))
	assert.Equal(t, uint32(10), m.IndexHeader().LastUID)
	require.NoError(t, m.SetLastUID(4, time.Time{}))
	assert.Equal(t, uint32(10), m.IndexHeader().LastUID)

	records, err := m.Append(messagesOfSizes(10), AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(11), records[0].UID)
}

func TestSetACLAndQuotaRoot(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	require.NoError(t, m.SetACL("bob\tlrs\t"))
	require.NoError(t, m.SetQuotaRoot("user.bob"))

	opened, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, "bob\tlrs\t", opened.Header().ACL)
	assert.Equal(t, "user.bob", opened.Header().QuotaRoot)
	assert.Equal(t, m.UniqueID(), opened.UniqueID())
}

func TestUserLock(t *testing.T) {
	s := newTestStore(t)
	lock, err := s.LockUser("bob")
	require.NoError(t, err)

	_, err = s.TryLockUser("bob")
	assert.ErrorIs(t, err, lib.ErrMailboxLocked)
	other, err := s.TryLockUser("alice")
	require.NoError(t, err)
	other.Unlock()

	lock.Unlock()
	lock.Unlock()
	lock, err = s.TryLockUser("bob")
	require.NoError(t, err)
	lock.Unlock()

	_, err = s.LockUser("../bob")
	assert.ErrorIs(t, err, lib.ErrInvalidUser)
}

type seenCall struct {
	action, from, to, uniqueID string
}

type fakeSeen struct {
	calls []seenCall
}

func (f *fakeSeen) CreateSeen(user, uniqueID string) error {
	f.calls = append(f.calls, seenCall{"create", user, "", uniqueID})
	return nil
}

func (f *fakeSeen) CopySeen(fromUser, toUser, uniqueID string) error {
	f.calls = append(f.calls, seenCall{"copy", fromUser, toUser, uniqueID})
	return nil
}

func (f *fakeSeen) DeleteSeen(user, uniqueID string) error {
	f.calls = append(f.calls, seenCall{"delete", user, "", uniqueID})
	return nil
}

func TestSeenStoreNotified(t *testing.T) {
	s := newTestStore(t)
	seen := &fakeSeen{}
	s.seen = seen

	m, err := s.Create("user.bob.Work", CreateOptions{UIDValidity: 10})
	require.NoError(t, err)
	uniqueID := m.UniqueID()
	m.Close()
	require.NoError(t, s.Rename("user.bob.Work", "", "user.alice.Work", ""))

	assert.Equal(t, []seenCall{
		{"create", "bob", "", uniqueID},
		{"create", "alice", "", uniqueID},
		{"copy", "bob", "alice", uniqueID},
		{"delete", "bob", "", uniqueID},
	}, seen.calls)
}

func writeOldIndex(t *testing.T, path string, uidValidity uint32, records []mailbox.IndexRecord) {
	t.Helper()
	const start, recordSize = 44, 52
	buf := make([]byte, start+len(records)*recordSize)
	put := func(offset int, value uint32) {
		binary.BigEndian.PutUint32(buf[offset:], value)
	}
	put(mailbox.OffsetMinorVersion, 3)
	put(mailbox.OffsetStartOffset, start)
	put(mailbox.OffsetRecordSize, recordSize)
	put(mailbox.OffsetExists, uint32(len(records)))
	var used, last uint32
	for i, record := range records {
		copy(buf[start+i*recordSize:], record.Encode()[:recordSize])
		used += record.Size
		last = record.UID
	}
	put(mailbox.OffsetLastUID, last)
	put(mailbox.OffsetQuotaMailboxUsed, used)
	put(mailbox.OffsetUIDValidity, uidValidity)
	require.NoError(t, os.WriteFile(path, buf, 0600))
}

func TestUpgradeOlderIndex(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	writeOldIndex(t, filepath.Join(m.Path(), IndexFile), 77, []mailbox.IndexRecord{
		{UID: 2, Size: 10, SystemFlags: mailbox.FlagDeleted},
		{UID: 7, Size: 20, SystemFlags: mailbox.FlagFlagged | mailbox.FlagAnswered},
	})

	opened, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer opened.Close()

	index := opened.IndexHeader()
	assert.Equal(t, uint32(mailbox.IndexHeaderSize), index.StartOffset)
	assert.Equal(t, uint32(mailbox.IndexRecordSize), index.RecordSize)
	assert.Equal(t, uint32(mailbox.MinorVersion), index.MinorVersion)
	assert.Equal(t, uint32(0), index.Generation)
	assert.Equal(t, uint32(77), index.UIDValidity)
	assert.Equal(t, uint32(1), index.Deleted)
	assert.Equal(t, uint32(1), index.Flagged)
	assert.Equal(t, uint32(1), index.Answered)
	assert.False(t, index.NeedsUpgrade)

	info, err := os.Stat(filepath.Join(m.Path(), IndexFile))
	require.NoError(t, err)
	assert.Equal(t, int64(mailbox.IndexHeaderSize+2*mailbox.IndexRecordSize), info.Size())

	uids, err := opened.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 7}, uids)
}

func TestGenerationMismatch(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	require.NoError(t, os.WriteFile(filepath.Join(m.Path(), CacheFile), mailbox.EncodeGeneration(5), 0600))

	_, err := s.Open("user.bob", "")
	assert.ErrorIs(t, err, lib.ErrBadFormat)

	opened, err := s.OpenWithOptions("user.bob", "", OpenOptions{Reconstruct: true})
	require.NoError(t, err)
	opened.Close()
}

func TestExpungeKeepsGenerationsMatching(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")
	_, err := m.Append(messagesOfSizes(10, 20, 30), AppendOptions{})
	require.NoError(t, err)
	before := m.IndexHeader().Generation

	_, err = m.Expunge(ExpungeUIDs([]uint32{1, 3}))
	require.NoError(t, err)

	index, err := os.ReadFile(filepath.Join(m.Path(), IndexFile))
	require.NoError(t, err)
	cache, err := os.ReadFile(filepath.Join(m.Path(), CacheFile))
	require.NoError(t, err)
	indexGeneration, err := mailbox.DecodeGeneration(index)
	require.NoError(t, err)
	cacheGeneration, err := mailbox.DecodeGeneration(cache)
	require.NoError(t, err)
	assert.Equal(t, before+1, indexGeneration)
	assert.Equal(t, indexGeneration, cacheGeneration)

	_, record, found := m.FindUID(2)
	require.True(t, found)
	blob, err := m.CacheBlob(record)
	require.NoError(t, err)
	assert.Equal(t, []byte("cache-b"), blob)
}

func TestStaleHandleReopensAfterExpunge(t *testing.T) {
	s := newTestStore(t)
	first := createMailbox(t, s, "user.bob")
	second, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Append(messagesOfSizes(10, 20), AppendOptions{})
	require.NoError(t, err)
	_, err = first.Expunge(ExpungeUIDs([]uint32{1}))
	require.NoError(t, err)

	il, err := second.LockIndex()
	require.NoError(t, err)
	defer il.Unlock()
	assert.Equal(t, uint32(1), second.IndexHeader().Exists)
	assert.Equal(t, first.IndexHeader().Generation, second.IndexHeader().Generation)
	uids, err := second.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, uids)
}

func TestLocksAreReentrant(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")

	hl, err := m.LockHeader()
	require.NoError(t, err)
	again, err := m.LockHeader()
	require.NoError(t, err)
	il, err := hl.LockIndex()
	require.NoError(t, err)
	nested, err := m.LockIndex()
	require.NoError(t, err)
	assert.Equal(t, 2, m.headerLocks)
	assert.Equal(t, 2, m.indexLocks)

	nested.Unlock()
	nested.Unlock()
	assert.Equal(t, 1, m.indexLocks)
	il.Unlock()
	again.Unlock()
	hl.Unlock()
	assert.Equal(t, 0, m.indexLocks)
	assert.Equal(t, 0, m.headerLocks)
}

func TestLockOrderViolationsPanic(t *testing.T) {
	s := newTestStore(t)
	m := createMailbox(t, s, "user.bob")

	il, err := m.LockIndex()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = m.LockHeader() })

	pop, err := m.LockPop()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = il.LockQuota() })
	pop.Unlock()

	ql, err := il.LockQuota()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = m.LockPop() })
	ql.Unlock()
	il.Unlock()

	pop, err = m.LockPop()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = m.LockIndex() })
	pop.Unlock()
}

func TestPopLockIsExclusive(t *testing.T) {
	s := newTestStore(t)
	first := createMailbox(t, s, "user.bob")
	second, err := s.Open("user.bob", "")
	require.NoError(t, err)
	defer second.Close()

	pop, err := first.LockPop()
	require.NoError(t, err)
	_, err = second.LockPop()
	assert.ErrorIs(t, err, lib.ErrMailboxLocked)

	// expunge needs the pop lock
	_, err = second.Append(messagesOfSizes(10), AppendOptions{})
	require.NoError(t, err)
	_, err = second.Expunge(ExpungeAll)
	assert.ErrorIs(t, err, lib.ErrMailboxLocked)

	pop.Unlock()
	removed, err := second.Expunge(ExpungeAll)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
}

func TestExpungeUIDs(t *testing.T) {
	predicate := ExpungeUIDs([]uint32{2, 5, 9, 9, 12})
	for uid, expected := range map[uint32]bool{1: false, 2: true, 3: false, 5: true, 9: true, 12: true, 13: false} {
		assert.Equal(t, expected, predicate(mailbox.IndexRecord{UID: uid}), uid)
	}
	assert.False(t, ExpungeUIDs(nil)(mailbox.IndexRecord{UID: 1}))
}
