package server

import (
	"fmt"
	"sort"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
	"github.com/emersion/go-imap"
)

// cmdSelect: SELECT name
// Reply: * uniqueid uidvalidity lastuid seen-lastchange seen-lastuid
func (s *session) cmdSelect(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.ownMailbox(name); err != nil {
		return err
	}
	s.unselect()
	m, err := s.server.list.Open(name)
	if err != nil {
		return err
	}
	seen, err := s.server.list.State().ReadSeen(s.user, m.UniqueID())
	if err != nil {
		m.Close()
		return err
	}
	s.selected = m
	s.state = stateSelected
	index := m.IndexHeader()
	err = s.conn.WriteData(
		protocol.Atom(m.UniqueID()),
		protocol.Uint(uint64(index.UIDValidity)),
		protocol.Uint(uint64(index.LastUID)),
		protocol.Unix(seen.LastChange),
		protocol.Uint(uint64(seen.LastUID)),
	)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Mailbox selected")
}

// refreshSelected reloads the selected mailbox so the reply sees the changes of other processes
func (s *session) refreshSelected() error {
	return s.selected.Refresh()
}

// cmdInfo: INFO
// Reply: * uidvalidity lastuid (user flag names)
func (s *session) cmdInfo(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	if err := s.refreshSelected(); err != nil {
		return err
	}
	index := s.selected.IndexHeader()
	header := s.selected.Header()
	names := make([]string, 0, header.Flags.Count())
	for _, name := range header.Flags {
		if name != "" {
			names = append(names, name)
		}
	}
	err := s.conn.WriteData(
		protocol.Uint(uint64(index.UIDValidity)),
		protocol.Uint(uint64(index.LastUID)),
		protocol.FormatFlags(names),
	)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Info completed")
}

// cmdStatus: STATUS
// Reply: * uid guid (flags) for every message, then OK lastuid
func (s *session) cmdStatus(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	if err := s.refreshSelected(); err != nil {
		return err
	}
	records, err := s.selected.Records()
	if err != nil {
		return err
	}
	for _, record := range records {
		err = s.conn.WriteData(
			protocol.Uint(uint64(record.UID)),
			protocol.FormatGUID(record.GUID),
			protocol.FormatFlags(s.selected.FlagNames(record)),
		)
		if err != nil {
			return err
		}
	}
	return s.conn.WriteOK("%d", s.selected.IndexHeader().LastUID)
}

// cmdContents: CONTENTS
// Reply: * uid internaldate (flags) {body} for every message
func (s *session) cmdContents(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	if err := s.refreshSelected(); err != nil {
		return err
	}
	records, err := s.selected.Records()
	if err != nil {
		return err
	}
	seen, err := s.seenUIDs(s.selected.UniqueID())
	if err != nil {
		return err
	}
	for _, record := range records {
		flags := s.selected.FlagNames(record)
		if seen[record.UID] {
			flags = append(flags, imap.SeenFlag)
		}
		file, err := s.selected.OpenMessage(record.UID)
		if err != nil {
			return err
		}
		err = s.conn.WriteData(
			protocol.Uint(uint64(record.UID)),
			protocol.Unix(record.Internal()),
			protocol.FormatFlags(flags),
			protocol.ReaderLiteral(file, int(record.Size)),
		)
		file.Close()
		if err != nil {
			return err
		}
	}
	return s.conn.WriteOK("Contents completed")
}

func (s *session) seenUIDs(uniqueID string) (map[uint32]bool, error) {
	seen, err := s.server.list.State().ReadSeen(s.user, uniqueID)
	if err != nil {
		return nil, err
	}
	uids, err := state.ParseUIDSet(seen.SeenUIDs)
	if err != nil {
		return nil, err
	}
	set := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	return set, nil
}

// cmdUIDLast: UIDLAST lastuid lastappend
func (s *session) cmdUIDLast(args *protocol.Args) error {
	lastUID, err := args.Number()
	if err != nil {
		return err
	}
	lastAppend, err := args.Unix()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	err = s.selected.SetLastUID(lastUID, lastAppend)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Last UID updated")
}

// cmdSetFlags: SETFLAGS uid (flags) [uid (flags)...]
func (s *session) cmdSetFlags(args *protocol.Args) error {
	if err := s.refreshSelected(); err != nil {
		return err
	}
	lastUID := s.selected.IndexHeader().LastUID
	updates := make([]store.FlagUpdate, 0, args.Remaining()/2)
	for !args.Done() {
		uid, err := args.Number()
		if err != nil {
			return err
		}
		if uid == 0 || uid > lastUID {
			return fmt.Errorf("%w: invalid uid %d", lib.ErrProtocol, uid)
		}
		flags, err := args.Flags()
		if err != nil {
			return err
		}
		updates = append(updates, store.FlagUpdate{UID: uid, Flags: flags})
	}
	missing, err := s.selected.SetFlags(updates)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		s.log.Printf("SETFLAGS on %s: %d messages not found", s.selected.Name(), len(missing))
	}
	return s.conn.WriteOK("Flags updated")
}

// cmdSetSeen: SETSEEN user lastread lastuid lastchange seenuids
func (s *session) cmdSetSeen(args *protocol.Args) error {
	user, err := args.String()
	if err != nil {
		return err
	}
	seen := state.SeenState{}
	if seen.LastRead, err = args.Unix(); err != nil {
		return err
	}
	if seen.LastUID, err = args.Number(); err != nil {
		return err
	}
	if seen.LastChange, err = args.Unix(); err != nil {
		return err
	}
	if seen.SeenUIDs, err = args.OptionalString(); err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if user == "" {
		return fmt.Errorf("%w: empty user", lib.ErrInvalidUser)
	}
	if _, err = state.ParseUIDSet(seen.SeenUIDs); err != nil {
		return fmt.Errorf("%w: %s", lib.ErrProtocol, err)
	}
	err = s.server.list.State().WriteSeen(user, s.selected.UniqueID(), seen)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Seen state updated")
}

// cmdExpunge: EXPUNGE uid... with the UIDs in increasing order
func (s *session) cmdExpunge(args *protocol.Args) error {
	uids := make([]uint32, 0, args.Remaining())
	for !args.Done() {
		uid, err := args.Number()
		if err != nil {
			return err
		}
		if len(uids) > 0 && uid < uids[len(uids)-1] {
			return fmt.Errorf("%w: UID list out of order", lib.ErrProtocol)
		}
		uids = append(uids, uid)
	}
	expunged, err := s.selected.Expunge(store.ExpungeUIDs(uids))
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Expunged %d messages", len(expunged))
}

// cmdCreate: CREATE name uniqueid acl uidvalidity
func (s *session) cmdCreate(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	options := store.CreateOptions{}
	if options.UniqueID, err = args.OptionalString(); err != nil {
		return err
	}
	if options.ACL, err = args.OptionalString(); err != nil {
		return err
	}
	if options.UIDValidity, err = args.Number(); err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.ownMailbox(name); err != nil {
		return err
	}
	m, err := s.server.list.Create(name, options)
	if err != nil {
		return err
	}
	m.Close()
	return s.conn.WriteOK("Mailbox created")
}

// cmdDelete: DELETE name
func (s *session) cmdDelete(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.ownMailbox(name); err != nil {
		return err
	}
	if s.selected != nil && s.selected.Name() == name {
		s.unselect()
	}
	err = s.server.list.Delete(name)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Mailbox deleted")
}

// cmdRename: RENAME oldname newname
func (s *session) cmdRename(args *protocol.Args) error {
	oldName, err := args.String()
	if err != nil {
		return err
	}
	newName, err := args.String()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.ownMailbox(oldName); err != nil {
		return err
	}
	if err = s.ownMailbox(newName); err != nil {
		return err
	}
	if s.selected != nil && s.selected.Name() == oldName {
		s.unselect()
	}
	err = s.server.list.Rename(oldName, newName, "")
	if err != nil {
		return err
	}
	return s.conn.WriteOK("Mailbox renamed")
}

// cmdSetACL: SETACL name acl
func (s *session) cmdSetACL(args *protocol.Args) error {
	name, err := args.String()
	if err != nil {
		return err
	}
	acl, err := args.OptionalString()
	if err != nil {
		return err
	}
	if err = args.End(); err != nil {
		return err
	}
	if err = s.ownMailbox(name); err != nil {
		return err
	}
	err = s.server.list.SetACL(name, acl)
	if err != nil {
		return err
	}
	return s.conn.WriteOK("ACL updated")
}

// cmdList: LIST
// Reply: * uniqueid name acl for every mailbox of the locked user
func (s *session) cmdList(args *protocol.Args) error {
	if err := args.End(); err != nil {
		return err
	}
	entries, err := s.server.list.UserMailboxes(s.user)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		err = s.conn.WriteData(protocol.Atom(entry.UniqueID), entry.Name, entry.ACL)
		if err != nil {
			return err
		}
	}
	return s.conn.WriteOK("List completed")
}

// writeMailbox sends the state of a mailbox:
//
//   - MAILBOX uniqueid name acl uidvalidity lastuid seen-lastchange seen-lastuid
//   - MESSAGE uid guid (flags)
func (s *session) writeMailbox(entry state.MailboxEntry) error {
	m, err := s.server.list.Open(entry.Name)
	if err != nil {
		return err
	}
	defer m.Close()
	seen, err := s.server.list.State().ReadSeen(s.user, m.UniqueID())
	if err != nil {
		return err
	}
	records, err := m.Records()
	if err != nil {
		return err
	}
	index := m.IndexHeader()
	err = s.conn.WriteData(
		protocol.Atom("MAILBOX"),
		protocol.Atom(m.UniqueID()),
		m.Name(),
		m.Header().ACL,
		protocol.Uint(uint64(index.UIDValidity)),
		protocol.Uint(uint64(index.LastUID)),
		protocol.Unix(seen.LastChange),
		protocol.Uint(uint64(seen.LastUID)),
	)
	if err != nil {
		return err
	}
	for _, record := range records {
		err = s.conn.WriteData(
			protocol.Atom("MESSAGE"),
			protocol.Uint(uint64(record.UID)),
			protocol.FormatGUID(record.GUID),
			protocol.FormatFlags(m.FlagNames(record)),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// cmdUserSome: USER_SOME name... sends the state of the named mailboxes which exist
func (s *session) cmdUserSome(args *protocol.Args) error {
	names := make([]string, 0, args.Remaining())
	for !args.Done() {
		name, err := args.String()
		if err != nil {
			return err
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: missing required argument to USER_SOME", lib.ErrProtocol)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.ownMailbox(name); err != nil {
			return err
		}
		entry, err := s.server.list.Lookup(name)
		if err != nil {
			continue
		}
		if err = s.writeMailbox(entry); err != nil {
			return err
		}
	}
	return s.conn.WriteOK("User_Some completed")
}

// cmdUserAll: USER_ALL user locks the user and sends the state of every one of its mailboxes,
// then its subscriptions, sieve scripts and quota:
//
//   - SUB name
//   - SIEVE name modified active
//   - QUOTA root limit used
func (s *session) cmdUserAll(args *protocol.Args) error {
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
	entries, err := s.server.list.UserMailboxes(user)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type != "" {
			continue
		}
		if err = s.writeMailbox(entry); err != nil {
			return err
		}
	}
	subscriptions, err := s.server.list.State().Subscriptions(user)
	if err != nil {
		return err
	}
	for _, name := range subscriptions {
		if err = s.conn.WriteData(protocol.Atom("SUB"), name); err != nil {
			return err
		}
	}
	scripts, err := s.server.list.State().ListSieve(user)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err = s.writeSieve("SIEVE", script); err != nil {
			return err
		}
	}
	root, err := s.server.list.Store().Ledger().Read(lib.InboxName(user))
	if err == nil {
		err = s.conn.WriteData(protocol.Atom("QUOTA"), root.Name, protocol.Int(root.Limit), protocol.Uint(root.Used))
		if err != nil {
			return err
		}
	}
	return s.conn.WriteOK("User_All completed")
}

func (s *session) writeSieve(prefix string, script state.SieveScript) error {
	active := 0
	if script.Active {
		active = 1
	}
	fields := []interface{}{script.Name, protocol.Unix(script.Modified), protocol.Uint(uint64(active))}
	if prefix != "" {
		fields = append([]interface{}{protocol.Atom(prefix)}, fields...)
	}
	return s.conn.WriteData(fields...)
}
