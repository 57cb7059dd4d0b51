package server

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/nettest"
)

const (
	testUser     = "replicator"
	testPassword = "secret"
)

type testServer struct {
	server  *Server
	list    *mboxlist.List
	address string
}

func newTestList(t *testing.T) *mboxlist.List {
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

func startServer(t *testing.T, options Options) *testServer {
	t.Helper()
	if options.Users == nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
		require.NoError(t, err)
		options.Users = map[string]string{testUser: string(hash)}
	}
	if options.StagingDir == "" {
		options.StagingDir = filepath.Join(t.TempDir(), "stage")
	}
	list := newTestList(t)
	server, err := NewWithLogger(list, options, lib.NewTestLogger(t, "server"))
	require.NoError(t, err)

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(listener)
	}()
	t.Cleanup(func() {
		assert.NoError(t, server.Close())
		assert.NoError(t, <-done)
	})
	return &testServer{
		server:  server,
		list:    list,
		address: listener.Addr().String(),
	}
}

func (ts *testServer) dial(t *testing.T) *protocol.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.address)
	require.NoError(t, err)
	client := protocol.NewConnWithLogger(conn, lib.NewTestLogger(t, "client"))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func plainResponse(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + password))
}

// login returns a connection authenticated and locked on user
func (ts *testServer) login(t *testing.T, user string) *protocol.Conn {
	t.Helper()
	client := ts.dial(t)
	_, err := client.Do("AUTHENTICATE", "PLAIN", plainResponse(testUser, testPassword))
	require.NoError(t, err)
	if user != "" {
		_, err = client.Do("USER", user)
		require.NoError(t, err)
	}
	return client
}

func do(t *testing.T, client *protocol.Conn, name string, args ...interface{}) *protocol.Reply {
	t.Helper()
	reply, err := client.Do(name, args...)
	require.NoError(t, err)
	return reply
}

// simpleItem returns the fields of a SIMPLE upload item
func simpleItem(uid uint32, body []byte, flags ...string) []interface{} {
	return []interface{}{
		protocol.Atom(UploadSimple),
		protocol.FormatGUID(mailbox.ComputeGUID(body)),
		protocol.Uint(uint64(uid)),
		protocol.Unix(time.Unix(1700000000, 0)),
		protocol.Unix(time.Time{}),
		protocol.Unix(time.Unix(1700000100, 0)),
		protocol.FormatFlags(flags),
		protocol.Literal(body),
	}
}

func copyItem(uid uint32, guid mailbox.GUID) []interface{} {
	return []interface{}{
		protocol.Atom(UploadCopy),
		protocol.FormatGUID(guid),
		protocol.Uint(uint64(uid)),
		protocol.Unix(time.Unix(1700000000, 0)),
		protocol.Unix(time.Time{}),
		protocol.Unix(time.Unix(1700000100, 0)),
		protocol.FormatFlags(nil),
	}
}

func upload(t *testing.T, client *protocol.Conn, lastUID uint32, items ...[]interface{}) error {
	t.Helper()
	args := []interface{}{protocol.Uint(uint64(lastUID)), protocol.Unix(time.Unix(1700000200, 0))}
	for _, item := range items {
		args = append(args, item...)
	}
	_, err := client.Do("UPLOAD", args...)
	return err
}

func message(uid uint32) []byte {
	return lib.GenerateEmail("master@example.com", "john@example.com", uid, 200, 400)
}

func fakeCert(t *testing.T) tls.Certificate {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	privKey := ed25519.NewKeyFromSeed(seed)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certBuf)
	require.NoError(t, err)
	return tls.Certificate{
		Certificate: [][]byte{certBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

func TestAuthenticationRequired(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.dial(t)

	_, err := client.Do("USER", "john")
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)

	do(t, client, "NOOP")
}

func TestAuthenticate(t *testing.T) {
	ts := startServer(t, Options{})

	client := ts.dial(t)
	_, err := client.Do("AUTHENTICATE", "PLAIN", plainResponse(testUser, "wrong"))
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)
	_, err = client.Do("AUTHENTICATE", "PLAIN", plainResponse("nobody", testPassword))
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)
	_, err = client.Do("AUTHENTICATE", "CRAM-MD5", "abc")
	assert.ErrorIs(t, err, lib.ErrProtocol)
	_, err = client.Do("AUTHENTICATE", "PLAIN", "not base64!")
	assert.ErrorIs(t, err, lib.ErrProtocol)

	do(t, client, "AUTHENTICATE", "PLAIN", plainResponse(testUser, testPassword))
	_, err = client.Do("AUTHENTICATE", "PLAIN", plainResponse(testUser, testPassword))
	assert.ErrorIs(t, err, lib.ErrProtocol)
	do(t, client, "USER", "john")
}

func TestNoAuthenticationWithoutUsers(t *testing.T) {
	ts := startServer(t, Options{Users: map[string]string{}})
	client := ts.dial(t)
	do(t, client, "USER", "john")
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.dial(t)

	_, err := client.Do("FROBNICATE", "now")
	assert.ErrorIs(t, err, lib.ErrProtocol)
	_, err = client.Do("NOOP", "extra")
	assert.ErrorIs(t, err, lib.ErrProtocol)
	do(t, client, "NOOP")
}

func TestExit(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")

	reply := do(t, client, "EXIT")
	assert.Equal(t, "Finished", reply.Info)
	_, err := client.ReadReply()
	assert.Error(t, err)
}

func TestStartTLS(t *testing.T) {
	ts := startServer(t, Options{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}},
	})
	client := ts.dial(t)

	do(t, client, "STARTTLS")
	require.NoError(t, client.StartTLS(&tls.Config{InsecureSkipVerify: true}))
	assert.True(t, client.IsTLS())

	_, err := client.Do("STARTTLS")
	assert.ErrorIs(t, err, lib.ErrProtocol)

	reply := do(t, client, "AUTHENTICATE", "PLAIN", plainResponse(testUser, testPassword))
	assert.Contains(t, reply.Info, "tls protection")
}

func TestStartTLSNotAvailable(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.dial(t)
	_, err := client.Do("STARTTLS")
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)
}

func TestLocalMasterIsRefused(t *testing.T) {
	ts := startServer(t, Options{LocalMasters: []string{"boss"}})
	client := ts.login(t, "")

	for _, verb := range []string{"USER", "RESET", "USER_ALL"} {
		_, err := client.Do(verb, "boss")
		assert.ErrorIs(t, err, lib.ErrInvalidUser, verb)
	}
	do(t, client, "USER", "john")
}

func TestStateMachine(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "")

	_, err := client.Do("LIST")
	assert.ErrorIs(t, err, lib.ErrInvalidUser)

	do(t, client, "USER", "john")
	_, err = client.Do("STATUS")
	assert.ErrorIs(t, err, lib.ErrNotSelected)

	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	do(t, client, "STATUS")

	do(t, client, "ENDUSER")
	_, err = client.Do("STATUS")
	assert.ErrorIs(t, err, lib.ErrInvalidUser)
}

func TestOwnership(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")

	_, err := client.Do("CREATE", "user.mary", nil, nil, protocol.Uint(0))
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)
	_, err = client.Do("SETQUOTA", "user.mary", protocol.Int(100))
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)

	do(t, client, "CREATE", "shared.news", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "shared.news")
}

func TestCreateSelectInfo(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")

	do(t, client, "CREATE", "user.john", "0123456789abcdef", "john\tlrs\t", protocol.Uint(42))
	_, err := client.Do("CREATE", "user.john", nil, nil, protocol.Uint(0))
	assert.ErrorIs(t, err, lib.ErrMailboxExists)

	reply := do(t, client, "SELECT", "user.john")
	require.Len(t, reply.Data, 1)
	fields := protocol.NewArgs("SELECT", reply.Data[0])
	uniqueID, err := fields.String()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", uniqueID)
	uidValidity, err := fields.Number()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), uidValidity)

	reply = do(t, client, "INFO")
	require.Len(t, reply.Data, 1)
	assert.Len(t, reply.Data[0], 3)

	entry, err := ts.list.Lookup("user.john")
	require.NoError(t, err)
	assert.Equal(t, "john\tlrs\t", entry.ACL)
}

func TestSelectMissingMailbox(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	_, err := client.Do("SELECT", "user.john.nothere")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)
}

func TestUploadAndStatus(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")

	first, second := message(1), message(3)
	require.NoError(t, upload(t, client, 5, simpleItem(1, first, "\\Flagged"), simpleItem(3, second, "$Label")))

	reply := do(t, client, "STATUS")
	assert.Equal(t, "5", reply.Info)
	require.Len(t, reply.Data, 2)

	fields := protocol.NewArgs("STATUS", reply.Data[1])
	uid, err := fields.Number()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), uid)
	guid, err := fields.GUID()
	require.NoError(t, err)
	assert.Equal(t, mailbox.ComputeGUID(second), guid)
	flags, err := fields.Flags()
	require.NoError(t, err)
	assert.Equal(t, []string{"$Label"}, flags)

	reply = do(t, client, "CONTENTS")
	require.Len(t, reply.Data, 2)
	body, err := protocol.ParseBytes(reply.Data[0][3])
	require.NoError(t, err)
	assert.Equal(t, first, body)
}

func TestUploadRejectsWrongIdentity(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")

	item := simpleItem(1, message(1))
	item[1] = protocol.FormatGUID(mailbox.ComputeGUID([]byte("something else")))
	err := upload(t, client, 1, item)
	assert.ErrorIs(t, err, lib.ErrProtocol)

	reply := do(t, client, "STATUS")
	assert.Empty(t, reply.Data)
}

func TestUploadParsed(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")

	body := []byte("Subject: parsed\r\n\r\nline one\r\nline two\r\n")
	err := upload(t, client, 1, []interface{}{
		protocol.Atom(UploadParsed),
		protocol.FormatGUID(mailbox.ComputeGUID(body)),
		protocol.Uint(1),
		protocol.Unix(time.Unix(1700000000, 0)),
		protocol.Unix(time.Unix(1600000000, 0)),
		protocol.Unix(time.Unix(1700000100, 0)),
		protocol.FormatFlags(nil),
		protocol.Uint(19),
		protocol.Uint(2),
		protocol.Uint(1),
		protocol.Literal([]byte("cached")),
		protocol.Literal(body),
	})
	require.NoError(t, err)

	m, err := ts.list.Open("user.john")
	require.NoError(t, err)
	defer m.Close()
	_, record, found := m.FindUID(1)
	require.True(t, found)
	assert.Equal(t, uint32(19), record.HeaderSize)
	assert.Equal(t, uint32(2), record.ContentLines)
	assert.Equal(t, uint32(1600000000), record.SentDate)
	assert.Equal(t, uint32(len(body)), record.Size)
	cache, err := m.CacheBlob(record)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(cache))
}

func TestReserveAndCopy(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "CREATE", "user.john.Copy", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	content := message(1)
	guid := mailbox.ComputeGUID(content)
	require.NoError(t, upload(t, client, 1, simpleItem(1, content)))
	do(t, client, "ENDUSER")

	// a fresh session knows nothing of what was uploaded by the first one
	other := ts.login(t, "john")
	do(t, other, "SELECT", "user.john.Copy")
	err := upload(t, other, 7, copyItem(7, guid))
	assert.ErrorIs(t, err, lib.ErrUnknownReservation)

	missing := mailbox.ComputeGUID([]byte("missing"))
	reply := do(t, other, "RESERVE", "user.john", []interface{}{protocol.FormatGUID(guid), protocol.FormatGUID(missing)})
	require.Len(t, reply.Data, 1)
	reserved, err := protocol.ParseGUID(reply.Data[0][0])
	require.NoError(t, err)
	assert.Equal(t, guid, reserved)

	// already reserved: nothing sent back
	reply = do(t, other, "RESERVE", "user.john", []interface{}{protocol.FormatGUID(guid)})
	assert.Empty(t, reply.Data)

	require.NoError(t, upload(t, other, 7, copyItem(7, guid)))
	m, err := ts.list.Open("user.john.Copy")
	require.NoError(t, err)
	defer m.Close()
	_, record, found := m.FindUID(7)
	require.True(t, found)
	assert.Equal(t, guid, record.GUID)
	assert.Equal(t, uint32(len(content)), record.Size)
	data, err := os.ReadFile(m.MessagePath(7))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestUploadedMessagesCanBeCopied(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "CREATE", "user.john.Copy", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	content := message(1)
	require.NoError(t, upload(t, client, 1, simpleItem(1, content)))

	do(t, client, "SELECT", "user.john.Copy")
	require.NoError(t, upload(t, client, 1, copyItem(1, mailbox.ComputeGUID(content))))
}

func TestEndUserAsksForRestart(t *testing.T) {
	ts := startServer(t, Options{MaxReserved: 1})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	require.NoError(t, upload(t, client, 1, simpleItem(1, message(1))))

	reply := do(t, client, "ENDUSER")
	assert.Equal(t, CodeContinue, reply.Code)

	do(t, client, "USER", "john")
	do(t, client, "SELECT", "user.john")
	require.NoError(t, upload(t, client, 2, simpleItem(2, message(2))))
	reply = do(t, client, "ENDUSER")
	assert.Equal(t, CodeRestart, reply.Code)
	assert.Equal(t, "Unlocked user", reply.Info)

	// reservations are gone
	do(t, client, "USER", "john")
	do(t, client, "CREATE", "user.john.Copy", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john.Copy")
	err := upload(t, client, 1, copyItem(1, mailbox.ComputeGUID(message(1))))
	assert.ErrorIs(t, err, lib.ErrUnknownReservation)
}

func TestStagingRemovedOnDisconnect(t *testing.T) {
	staging := filepath.Join(t.TempDir(), "stage")
	ts := startServer(t, Options{StagingDir: staging})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	require.NoError(t, upload(t, client, 1, simpleItem(1, message(1))))

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	do(t, client, "EXIT")
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(staging)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetFlagsAndExpunge(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	require.NoError(t, upload(t, client, 5, simpleItem(1, message(1)), simpleItem(3, message(3)), simpleItem(5, message(5))))

	do(t, client, "SETFLAGS", protocol.Uint(3), protocol.FormatFlags([]string{"\\Answered", "$Done"}))
	_, err := client.Do("SETFLAGS", protocol.Uint(6), protocol.FormatFlags(nil))
	assert.ErrorIs(t, err, lib.ErrProtocol)

	_, err = client.Do("EXPUNGE", protocol.Uint(5), protocol.Uint(1))
	assert.ErrorIs(t, err, lib.ErrProtocol)
	do(t, client, "EXPUNGE", protocol.Uint(1), protocol.Uint(5), protocol.Uint(5))
	do(t, client, "EXPUNGE", protocol.Uint(1), protocol.Uint(5))

	m, err := ts.list.Open("user.john")
	require.NoError(t, err)
	defer m.Close()
	uids, err := m.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, uids)
	_, record, _ := m.FindUID(3)
	assert.ElementsMatch(t, []string{"\\Answered", "$Done"}, m.FlagNames(record))
}

func TestUIDLastAndSeen(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")

	do(t, client, "UIDLAST", protocol.Uint(12), protocol.Unix(time.Unix(1700000000, 0)))
	do(t, client, "UIDLAST", protocol.Uint(3), protocol.Unix(time.Unix(1600000000, 0)))
	change := time.Unix(1700000500, 0)
	do(t, client, "SETSEEN", "john", protocol.Unix(change), protocol.Uint(12), protocol.Unix(change), "1:4,7")
	_, err := client.Do("SETSEEN", "john", protocol.Unix(change), protocol.Uint(12), protocol.Unix(change), "1:x")
	assert.ErrorIs(t, err, lib.ErrProtocol)

	reply := do(t, client, "SELECT", "user.john")
	fields := protocol.NewArgs("SELECT", reply.Data[0])
	_, _ = fields.String()
	_, _ = fields.Number()
	lastUID, err := fields.Number()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), lastUID)
	lastChange, err := fields.Unix()
	require.NoError(t, err)
	assert.True(t, change.Equal(lastChange))
	seenUID, err := fields.Number()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), seenUID)
}

func TestRenameAndDelete(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "CREATE", "user.john.Old", nil, nil, protocol.Uint(0))

	do(t, client, "RENAME", "user.john.Old", "user.john.New")
	_, err := client.Do("RENAME", "user.john.New", "user.mary.New")
	assert.ErrorIs(t, err, lib.ErrPermissionDenied)

	reply := do(t, client, "LIST")
	names := make([]string, 0, len(reply.Data))
	for _, line := range reply.Data {
		name, err := protocol.ParseString(line[1])
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"user.john", "user.john.New"}, names)

	do(t, client, "DELETE", "user.john.New")
	_, err = client.Do("DELETE", "user.john.New")
	assert.ErrorIs(t, err, lib.ErrMailboxNotFound)
}

func TestSubscriptionsAndQuota(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")

	do(t, client, "ADDSUB", "user.john.Sent")
	do(t, client, "ADDSUB", "shared.news")
	do(t, client, "DELSUB", "shared.news")
	reply := do(t, client, "LSUB")
	require.Len(t, reply.Data, 1)
	name, err := protocol.ParseString(reply.Data[0][0])
	require.NoError(t, err)
	assert.Equal(t, "user.john.Sent", name)

	reply = do(t, client, "QUOTA", "user.john")
	assert.Empty(t, reply.Data)
	do(t, client, "SETQUOTA", "user.john", protocol.Int(5000))
	reply = do(t, client, "QUOTA", "user.john")
	require.Len(t, reply.Data, 1)
	limit, err := protocol.ParseInt(reply.Data[0][1])
	require.NoError(t, err)
	assert.Equal(t, int64(5000), limit)

	_, err = client.Do("SETQUOTA", "user.john", protocol.Int(-2))
	assert.ErrorIs(t, err, lib.ErrProtocol)
}

func TestSieve(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	modified := time.Unix(1700000000, 0)

	do(t, client, "UPLOAD_SIEVE", "vacation", protocol.Unix(modified), protocol.Literal([]byte("keep;\r\n")))
	do(t, client, "UPLOAD_SIEVE", "filter", protocol.Unix(modified), protocol.Literal([]byte("discard;\r\n")))
	do(t, client, "ACTIVATE_SIEVE", "vacation")

	reply := do(t, client, "LIST_SIEVE")
	require.Len(t, reply.Data, 2)
	fields := protocol.NewArgs("LIST_SIEVE", reply.Data[1])
	name, _ := fields.String()
	assert.Equal(t, "vacation", name)
	_, _ = fields.Unix()
	active, err := fields.Number()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), active)

	reply = do(t, client, "GET_SIEVE", "vacation")
	require.Len(t, reply.Data, 1)
	content, err := protocol.ParseBytes(reply.Data[0][0])
	require.NoError(t, err)
	assert.Equal(t, "keep;\r\n", string(content))

	do(t, client, "DEACTIVATE_SIEVE")
	do(t, client, "DELETE_SIEVE", "filter")
	_, err = client.Do("GET_SIEVE", "filter")
	assert.Error(t, err)
}

func TestUserAll(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "CREATE", "user.john.Sent", nil, nil, protocol.Uint(0))
	do(t, client, "SELECT", "user.john")
	require.NoError(t, upload(t, client, 2, simpleItem(1, message(1)), simpleItem(2, message(2))))
	do(t, client, "ADDSUB", "user.john.Sent")
	do(t, client, "UPLOAD_SIEVE", "main", protocol.Unix(time.Unix(1700000000, 0)), protocol.Literal([]byte("keep;")))
	do(t, client, "SETQUOTA", "user.john", protocol.Int(-1))
	do(t, client, "ENDUSER")

	reply := do(t, client, "USER_ALL", "john")
	kinds := make([]string, 0, len(reply.Data))
	for _, line := range reply.Data {
		kind, err := protocol.ParseString(line[0])
		require.NoError(t, err)
		kinds = append(kinds, kind)
	}
	assert.Equal(t, []string{"MAILBOX", "MESSAGE", "MESSAGE", "MAILBOX", "SUB", "SIEVE", "QUOTA"}, kinds)

	// USER_ALL locks the user
	do(t, client, "LIST")

	reply = do(t, client, "USER_SOME", "user.john.Sent", "user.john.Missing")
	require.Len(t, reply.Data, 1)
}

func TestReset(t *testing.T) {
	ts := startServer(t, Options{})
	client := ts.login(t, "john")
	do(t, client, "CREATE", "user.john", nil, nil, protocol.Uint(0))
	do(t, client, "CREATE", "user.john.Sent", nil, nil, protocol.Uint(0))
	do(t, client, "ADDSUB", "user.john.Sent")
	do(t, client, "ENDUSER")

	do(t, client, "RESET", "john")
	reply := do(t, client, "LIST")
	assert.Empty(t, reply.Data)
	reply = do(t, client, "LSUB")
	assert.Empty(t, reply.Data)
}

func TestMaxConnections(t *testing.T) {
	ts := startServer(t, Options{MaxConnections: 1})
	first := ts.dial(t)
	do(t, first, "NOOP")

	second := ts.dial(t)
	require.NoError(t, second.WriteCommand("NOOP"))
	replied := make(chan struct{})
	go func() {
		_, _ = second.ReadReply()
		close(replied)
	}()
	select {
	case <-replied:
		t.Fatal("second connection should wait for the first one to close")
	case <-time.After(100 * time.Millisecond):
	}
	do(t, first, "EXIT")
	select {
	case <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("second connection never served")
	}
}
