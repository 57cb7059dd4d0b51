package client

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// remoteMessage is a message of a server mailbox
type remoteMessage struct {
	uid   uint32
	guid  mailbox.GUID
	flags []string
}

// remoteMailbox is the state of a mailbox on the server
type remoteMailbox struct {
	uniqueID       string
	name           string
	acl            string
	uidValidity    uint32
	lastUID        uint32
	seenLastChange time.Time
	seenLastUID    uint32
	messages       []remoteMessage
	// mark is set once the mailbox is known to exist here too
	mark bool
}

type remoteSieve struct {
	name     string
	modified time.Time
	active   bool
	mark     bool
}

type remoteQuota struct {
	root  string
	limit int64
	used  uint64
}

// remoteUser is what the server knows about a user
type remoteUser struct {
	mailboxes     []*remoteMailbox
	subscriptions []string
	sieve         []*remoteSieve
	quota         *remoteQuota
}

func (r *remoteUser) byUniqueID(uniqueID string) *remoteMailbox {
	for _, m := range r.mailboxes {
		if m.uniqueID == uniqueID {
			return m
		}
	}
	return nil
}

func (r *remoteUser) byName(name string) *remoteMailbox {
	for _, m := range r.mailboxes {
		if m.name == name {
			return m
		}
	}
	return nil
}

// parseUser reads the data lines of USER_ALL and USER_SOME
func parseUser(command string, data [][]interface{}) (*remoteUser, error) {
	user := &remoteUser{
		mailboxes:     make([]*remoteMailbox, 0),
		subscriptions: make([]string, 0),
		sieve:         make([]*remoteSieve, 0),
	}
	var current *remoteMailbox
	for _, fields := range data {
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: empty %s response", lib.ErrProtocol, command)
		}
		kind, err := protocol.ParseString(fields[0])
		if err != nil {
			return nil, err
		}
		args := protocol.NewArgs(command, fields[1:])
		switch strings.ToUpper(kind) {
		case "MAILBOX":
			current, err = parseRemoteMailbox(args)
			if err != nil {
				return nil, err
			}
			user.mailboxes = append(user.mailboxes, current)
		case "MESSAGE":
			if current == nil {
				return nil, fmt.Errorf("%w: %s sent a message before any mailbox", lib.ErrProtocol, command)
			}
			message, err := parseRemoteMessage(args)
			if err != nil {
				return nil, err
			}
			current.messages = append(current.messages, message)
		case "SUB":
			name, err := args.String()
			if err != nil {
				return nil, err
			}
			user.subscriptions = append(user.subscriptions, name)
		case "SIEVE":
			script, err := parseRemoteSieve(args)
			if err != nil {
				return nil, err
			}
			user.sieve = append(user.sieve, script)
		case "QUOTA":
			quota, err := parseRemoteQuota(args)
			if err != nil {
				return nil, err
			}
			user.quota = &quota
		default:
			return nil, fmt.Errorf("%w: unexpected %s response %q", lib.ErrProtocol, command, kind)
		}
		if err = args.End(); err != nil {
			return nil, err
		}
	}
	for _, m := range user.mailboxes {
		sort.Slice(m.messages, func(i, j int) bool {
			return m.messages[i].uid < m.messages[j].uid
		})
	}
	return user, nil
}

func parseRemoteMailbox(args *protocol.Args) (*remoteMailbox, error) {
	var err error
	m := &remoteMailbox{
		messages: make([]remoteMessage, 0),
	}
	if m.uniqueID, err = args.String(); err != nil {
		return nil, err
	}
	if m.name, err = args.String(); err != nil {
		return nil, err
	}
	if m.acl, err = args.OptionalString(); err != nil {
		return nil, err
	}
	if m.uidValidity, err = args.Number(); err != nil {
		return nil, err
	}
	if m.lastUID, err = args.Number(); err != nil {
		return nil, err
	}
	if m.seenLastChange, err = args.Unix(); err != nil {
		return nil, err
	}
	if m.seenLastUID, err = args.Number(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseRemoteMessage(args *protocol.Args) (remoteMessage, error) {
	var err error
	message := remoteMessage{}
	if message.uid, err = args.Number(); err != nil {
		return message, err
	}
	if message.uid == 0 {
		return message, fmt.Errorf("%w: message with uid 0", lib.ErrProtocol)
	}
	if message.guid, err = args.GUID(); err != nil {
		return message, err
	}
	if message.flags, err = args.Flags(); err != nil {
		return message, err
	}
	return message, nil
}

// parseRemoteSieve reads: name modified active
func parseRemoteSieve(args *protocol.Args) (*remoteSieve, error) {
	var err error
	script := &remoteSieve{}
	if script.name, err = args.String(); err != nil {
		return nil, err
	}
	if script.modified, err = args.Unix(); err != nil {
		return nil, err
	}
	active, err := args.Number()
	if err != nil {
		return nil, err
	}
	script.active = active != 0
	return script, nil
}

// parseRemoteQuota reads: root limit used
func parseRemoteQuota(args *protocol.Args) (remoteQuota, error) {
	var err error
	quota := remoteQuota{}
	if quota.root, err = args.String(); err != nil {
		return quota, err
	}
	if quota.limit, err = args.Int(); err != nil {
		return quota, err
	}
	if quota.used, err = args.Uint(); err != nil {
		return quota, err
	}
	return quota, nil
}
