package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/creativeprojects/mailsync/store"
	"golang.org/x/time/rate"
)

type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
	stateUser
	stateSelected
)

type handler struct {
	run func(s *session, args *protocol.Args) error
	// state is the minimum state the session must be in
	state sessionState
}

var handlers = map[string]handler{
	"NOOP":         {(*session).cmdNoop, stateNotAuthenticated},
	"EXIT":         {(*session).cmdExit, stateNotAuthenticated},
	"STARTTLS":     {(*session).cmdStartTLS, stateNotAuthenticated},
	"AUTHENTICATE": {(*session).cmdAuthenticate, stateNotAuthenticated},

	"RESTART":  {(*session).cmdRestart, stateAuthenticated},
	"USER":     {(*session).cmdUser, stateAuthenticated},
	"ENDUSER":  {(*session).cmdEndUser, stateAuthenticated},
	"RESET":    {(*session).cmdReset, stateAuthenticated},
	"USER_ALL": {(*session).cmdUserAll, stateAuthenticated},

	"USER_SOME":        {(*session).cmdUserSome, stateUser},
	"LIST":             {(*session).cmdList, stateUser},
	"SELECT":           {(*session).cmdSelect, stateUser},
	"RESERVE":          {(*session).cmdReserve, stateUser},
	"CREATE":           {(*session).cmdCreate, stateUser},
	"DELETE":           {(*session).cmdDelete, stateUser},
	"RENAME":           {(*session).cmdRename, stateUser},
	"SETACL":           {(*session).cmdSetACL, stateUser},
	"LSUB":             {(*session).cmdLsub, stateUser},
	"ADDSUB":           {(*session).cmdAddSub, stateUser},
	"DELSUB":           {(*session).cmdDelSub, stateUser},
	"QUOTA":            {(*session).cmdQuota, stateUser},
	"SETQUOTA":         {(*session).cmdSetQuota, stateUser},
	"LIST_SIEVE":       {(*session).cmdListSieve, stateUser},
	"GET_SIEVE":        {(*session).cmdGetSieve, stateUser},
	"UPLOAD_SIEVE":     {(*session).cmdUploadSieve, stateUser},
	"ACTIVATE_SIEVE":   {(*session).cmdActivateSieve, stateUser},
	"DEACTIVATE_SIEVE": {(*session).cmdDeactivateSieve, stateUser},
	"DELETE_SIEVE":     {(*session).cmdDeleteSieve, stateUser},

	"INFO":     {(*session).cmdInfo, stateSelected},
	"STATUS":   {(*session).cmdStatus, stateSelected},
	"CONTENTS": {(*session).cmdContents, stateSelected},
	"UPLOAD":   {(*session).cmdUpload, stateSelected},
	"UIDLAST":  {(*session).cmdUIDLast, stateSelected},
	"SETFLAGS": {(*session).cmdSetFlags, stateSelected},
	"SETSEEN":  {(*session).cmdSetSeen, stateSelected},
	"EXPUNGE":  {(*session).cmdExpunge, stateSelected},
}

// errExit ends the session after the reply has been sent
var errExit = errors.New("exit")

// session is the state of one connection
type session struct {
	server   *Server
	conn     *protocol.Conn
	log      lib.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	state    sessionState
	authUser string
	tlsDone  bool
	// user is the locked user, userLock the lock file held for it
	user     string
	userLock *store.FileLock
	selected *store.Mailbox
	reserved *reservations
}

func newSession(server *Server, conn net.Conn) *session {
	logger := lib.WithPrefix(server.log, conn.RemoteAddr().String())
	pconn := protocol.NewConnWithLogger(conn, logger)
	pconn.SetMaxLiteralSize(server.options.MaxLiteralSize)
	pconn.SetDebug(server.options.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		server: server,
		conn:   pconn,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if server.options.CommandRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(server.options.CommandRate), 1)
	}
	if len(server.options.Users) == 0 {
		s.state = stateAuthenticated
	}
	return s
}

// run reads and answers commands until the client leaves or the connection breaks
func (s *session) run() {
	defer s.cleanup()
	for {
		if s.server.options.IdleTimeout > 0 {
			_ = s.conn.SetDeadline(time.Now().Add(s.server.options.IdleTimeout))
		}
		cmd, err := s.conn.ReadCommand()
		if err != nil {
			if errors.Is(err, lib.ErrProtocol) {
				if s.conn.WriteBAD("%s", err) != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Printf("read: %s", err)
			}
			return
		}
		if s.limiter != nil {
			if s.limiter.Wait(s.ctx) != nil {
				return
			}
		}
		err = s.command(cmd)
		if err != nil {
			if !errors.Is(err, errExit) {
				s.log.Printf("%s: %s", cmd.Name, err)
			}
			return
		}
	}
}

// command runs one command and writes its reply. The returned error ends the session.
func (s *session) command(cmd *protocol.Command) error {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.CommandObserve(cmd.Name, status, start)
	}()

	h, found := handlers[cmd.Name]
	if !found {
		status = "bad"
		return s.conn.WriteBAD("Unrecognized command %s", cmd.Name)
	}
	err := s.allowed(h.state)
	if err == nil {
		err = h.run(s, cmd.Reader())
	}
	if err == nil || errors.Is(err, errExit) {
		return err
	}
	if errors.Is(err, lib.ErrProtocol) {
		status = "bad"
		s.log.Printf("%s: %s", cmd.Name, err)
		return s.conn.WriteBAD("%s", err)
	}
	status = "no"
	s.log.Printf("%s: %s", cmd.Name, err)
	return s.conn.WriteNO(err)
}

func (s *session) allowed(state sessionState) error {
	if s.state >= state {
		return nil
	}
	switch s.state {
	case stateNotAuthenticated:
		return fmt.Errorf("%w: please authenticate first", lib.ErrPermissionDenied)
	case stateAuthenticated:
		return fmt.Errorf("%w: no user locked", lib.ErrInvalidUser)
	default:
		return fmt.Errorf("%w: please select a mailbox first", lib.ErrNotSelected)
	}
}

// ownMailbox checks the locked user can change the mailbox.
// Shared mailboxes belong to nobody and can be changed under any user.
func (s *session) ownMailbox(name string) error {
	owner := lib.UserFromMailbox(name)
	if owner != "" && owner != s.user {
		return fmt.Errorf("%w: %s does not belong to %s", lib.ErrPermissionDenied, name, s.user)
	}
	return nil
}

// lockUser takes the lock of user, releasing the lock held on a previous user
func (s *session) lockUser(user string) error {
	if user == "" || strings.ContainsAny(user, "./") {
		return fmt.Errorf("%w: %q", lib.ErrInvalidUser, user)
	}
	if s.server.isLocalMaster(user) {
		return fmt.Errorf("%w: %s is mastered on this host", lib.ErrInvalidUser, user)
	}
	if s.user == user && s.userLock != nil {
		return nil
	}
	s.unlockUser()
	lock, err := s.server.list.Store().LockUser(user)
	if err != nil {
		return err
	}
	s.user = user
	s.userLock = lock
	s.state = stateUser
	return nil
}

func (s *session) unlockUser() {
	s.unselect()
	if s.userLock != nil {
		s.userLock.Unlock()
		s.userLock = nil
	}
	s.user = ""
	if s.state > stateAuthenticated {
		s.state = stateAuthenticated
	}
}

func (s *session) unselect() {
	if s.selected != nil {
		s.selected.Close()
		s.selected = nil
	}
	if s.state == stateSelected {
		s.state = stateUser
	}
}

// clearReserved removes the staging directory of the session
func (s *session) clearReserved() {
	if s.reserved == nil {
		return
	}
	lib.Check(s.log, s.reserved.remove(), "removing staging directory")
	s.reserved = nil
}

func (s *session) cleanup() {
	s.cancel()
	s.unlockUser()
	s.clearReserved()
	_ = s.conn.Close()
}

// close interrupts the session from another goroutine
func (s *session) close() {
	s.cancel()
	_ = s.conn.Close()
}

// staging returns the reservations of the session, creating its staging directory on first use
func (s *session) staging() (*reservations, error) {
	if s.reserved != nil {
		return s.reserved, nil
	}
	dir, err := os.MkdirTemp(s.server.options.StagingDir, "session-")
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create staging directory: %s", lib.ErrIO, err)
	}
	s.reserved = newReservations(dir, s.log)
	return s.reserved, nil
}
