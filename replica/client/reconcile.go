package client

import (
	"github.com/creativeprojects/mailsync/mailbox"
)

// flagTable maps the user flag slots of the local mailbox onto the slots of the
// server copy. Slot numbers are allocated independently on each side.
type flagTable struct {
	local  *mailbox.FlagNames
	server []string
	slots  [mailbox.MaxUserFlags]int
	// known server slots have a local slot
	known [mailbox.MaxUserFlags]bool
}

// serverFlags are the flags of a server message, user flags numbered like flagTable.server
type serverFlags struct {
	system mailbox.SystemFlags
	user   mailbox.UserFlags
}

// newFlagTable builds the translation table of a mailbox. The server slots are the
// user flag names in the order they appear in the server messages.
func newFlagTable(local *mailbox.FlagNames, messages []remoteMessage) *flagTable {
	table := &flagTable{
		local:  local,
		server: make([]string, 0),
	}
	index := make(map[string]int)
	for _, message := range messages {
		for _, name := range message.flags {
			if mailbox.IsSystemName(name) {
				continue
			}
			if _, found := index[name]; !found && len(table.server) < mailbox.MaxUserFlags {
				index[name] = len(table.server)
				table.server = append(table.server, name)
			}
		}
	}
	for slot, name := range local {
		table.slots[slot] = -1
		if name == "" {
			continue
		}
		if serverSlot, found := index[name]; found {
			table.slots[slot] = serverSlot
			table.known[serverSlot] = true
		}
	}
	return table
}

// convert returns the bitmaps of a server message
func (t *flagTable) convert(message remoteMessage) serverFlags {
	flags := serverFlags{}
	for _, name := range message.flags {
		if flag, ok := mailbox.SystemFlagFromName(name); ok {
			flags.system |= flag
			continue
		}
		for slot, serverName := range t.server {
			if serverName == name {
				flags.user.Set(slot)
				break
			}
		}
	}
	return flags
}

// differ returns true when the local record and the server message have different flags
func (t *flagTable) differ(record mailbox.IndexRecord, message remoteMessage) bool {
	flags := t.convert(message)
	if record.SystemFlags != flags.system {
		return true
	}
	for slot, name := range t.local {
		if name == "" {
			continue
		}
		local := record.UserFlags.Has(slot)
		server := false
		if serverSlot := t.slots[slot]; serverSlot >= 0 {
			server = flags.user.Has(serverSlot)
		}
		if local != server {
			return true
		}
	}
	for slot := range t.server {
		if flags.user.Has(slot) && !t.known[slot] {
			return true
		}
	}
	return false
}

// mailboxDiff lists what the server copy of a mailbox needs, by UID
type mailboxDiff struct {
	// flags are on both sides with different flags
	flags []uint32
	// expunge are on the server only, or with another identity
	expunge []uint32
	// upload are here only, or with another identity
	upload []uint32
}

func (d mailboxDiff) empty() bool {
	return len(d.flags) == 0 && len(d.expunge) == 0 && len(d.upload) == 0
}

// diffMessages merges the local records and the server messages, both sorted by UID
func diffMessages(records []mailbox.IndexRecord, messages []remoteMessage, table *flagTable) mailboxDiff {
	diff := mailboxDiff{
		flags:   make([]uint32, 0),
		expunge: make([]uint32, 0),
		upload:  make([]uint32, 0),
	}
	i, j := 0, 0
	for i < len(records) || j < len(messages) {
		switch {
		case j >= len(messages) || (i < len(records) && records[i].UID < messages[j].uid):
			diff.upload = append(diff.upload, records[i].UID)
			i++
		case i >= len(records) || messages[j].uid < records[i].UID:
			diff.expunge = append(diff.expunge, messages[j].uid)
			j++
		default:
			record, message := records[i], messages[j]
			if !sameIdentity(record.GUID, message.guid) {
				diff.expunge = append(diff.expunge, message.uid)
				diff.upload = append(diff.upload, record.UID)
			} else if table != nil && table.differ(record, message) {
				diff.flags = append(diff.flags, record.UID)
			}
			i++
			j++
		}
	}
	return diff
}

// sameIdentity returns false only when both identities are known and differ
func sameIdentity(local, server mailbox.GUID) bool {
	if local.IsNull() || server.IsNull() {
		return true
	}
	return local == server
}
