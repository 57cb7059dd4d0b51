package server

import (
	"errors"
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/quota"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// Codes of the ENDUSER reply
const (
	CodeRestart  = "RESTART"
	CodeContinue = "CONTINUE"
)

// cmdUser: USER name
func (s *session) cmdUser(args *protocol.Args) error {
	user, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.lockUser(user); err != nil {
		return err
	}
	return s.conn.WriteOK("Locked user")
}

// cmdEndUser unlocks the user. The reservations are kept for the next user,
// unless there are too many of them: the client is then asked to forget what it
// knows about the messages on the server.
func (s *session) cmdEndUser(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	s.unlockUser()
	if s.reserved != nil && s.reserved.len() > s.server.options.MaxReserved {
		s.clearReserved()
		return s.conn.WriteOKCode(CodeRestart, "Unlocked user")
	}
	return s.conn.WriteOKCode(CodeContinue, "Unlocked user")
}

// cmdReset: RESET user removes every mailbox of the user with its subscriptions,
// seen state and sieve scripts. The user stays locked.
func (s *session) cmdReset(args *protocol.Args) error {
	user, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.lockUser(user); err != nil {
		return err
	}
	s.log.Printf("resetting user %s", user)
	err = s.server.list.DeleteUser(user)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Reset completed")
}

// cmdLsub: LSUB
// Reply: * name for every subscription of the locked user
func (s *session) cmdLsub(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	names, err := s.server.list.State().Subscriptions(s.user)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err = s.conn.WriteData(name); err != nil {
			return err
		}
	}
	return s.conn.WriteOK("Lsub completed")
}

func (s *session) cmdAddSub(args *protocol.Args) error {
	name, err := subscriptionArgs(args)
	if err != nil {
		return err
	}
	err = s.server.list.State().Subscribe(s.user, name)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Subscribed")
}

func (s *session) cmdDelSub(args *protocol.Args) error {
	name, err := subscriptionArgs(args)
	if err != nil {
		return err
	}
	err = s.server.list.State().Unsubscribe(s.user, name)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Unsubscribed")
}

func subscriptionArgs(args *protocol.Args) (string, error) {
	name, err := args.String()
	if err != nil {
		return "", err
	}
	return lib.NormalizeName(name), args.End()
}

// cmdQuota: QUOTA root
// Reply: * root limit used, nothing when the root does not exist
func (s *session) cmdQuota(args *protocol.Args) error {
	root, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	found, err := s.server.list.Store().Ledger().Read(root)
	if errors.Is(err, quota.ErrRootNotFound) {
		return s.conn.WriteOK("No quota root")
	}
	if err != nil {
		return err
	}
	err = s.conn.WriteData(found.Name, protocol.Int(found.Limit), protocol.Uint(found.Used))
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Quota completed")
}

// cmdSetQuota: SETQUOTA root limit, with -1 for no limit
func (s *session) cmdSetQuota(args *protocol.Args) error {
	root, err := args.String()
	if err != nil {
		return err
	}
	limit, err := args.Int()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if limit < quota.NoLimit {
		return fmt.Errorf("%w: invalid quota limit %d", lib.ErrProtocol, limit)
	}
	if err = s.ownMailbox(root); err != nil {
		return err
	}
	err = s.server.list.SetQuota(root, limit)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Quota updated")
}
