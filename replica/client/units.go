package client

import (
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
)

// Mailboxes replicates some mailboxes of user: the server copies are created, renamed,
// deleted and updated to match.
func (c *Client) Mailboxes(user string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return c.withUser(user, func() error {
		args := make([]interface{}, len(names))
		for i, name := range names {
			args[i] = name
		}
		reply, err := c.conn.Do("USER_SOME", args...)
		if err != nil {
			return err
		}
		remote, err := parseUser("USER_SOME", reply.Data)
		if err != nil {
			return err
		}
		vanished, err := c.syncFolders(user, names, remote, true)
		if vanished > 0 {
			c.log.Printf("%d mailboxes of %s vanished during the sync", vanished, user)
		}
		return err
	})
}

// Append sends the messages added to a mailbox since the last sync, with the seen
// state of its owner. The server copy must exist already.
func (c *Client) Append(name string) error {
	owner := lib.UserFromMailbox(name)
	if owner == "" {
		return fmt.Errorf("%w: %s is not a personal mailbox", lib.ErrInvalidUser, name)
	}
	return c.withUser(owner, func() error {
		m, err := c.list.Open(name)
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := c.selectMailbox(m.Name(), m.UniqueID())
		if err != nil {
			return err
		}
		sync := c.newMailboxSync(m)
		sync.selected = true

		records, err := m.Records()
		if err != nil {
			return err
		}
		first := len(records)
		for i, record := range records {
			if record.UID > sel.lastUID {
				first = i
				break
			}
		}
		if first < len(records) {
			err = sync.upload(records[first:])
		} else if m.IndexHeader().LastUID != sel.lastUID {
			err = sync.uidLast()
		}
		if err != nil {
			return err
		}

		seen, err := c.list.State().ReadSeen(owner, m.UniqueID())
		if err != nil {
			return err
		}
		if unixSeconds(seen.LastChange) > unixSeconds(sel.seenLastChange) || seen.LastUID > sel.seenLastUID {
			return c.setSeen(owner, seen)
		}
		return nil
	})
}

// Seen sends the seen state of user on a mailbox
func (c *Client) Seen(name, user string) error {
	owner := lib.UserFromMailbox(name)
	if owner == "" {
		return fmt.Errorf("%w: %s is not a personal mailbox", lib.ErrInvalidUser, name)
	}
	if user == "" {
		user = owner
	}
	return c.withUser(owner, func() error {
		m, err := c.list.Open(name)
		if err != nil {
			return err
		}
		defer m.Close()
		seen, err := c.list.State().ReadSeen(user, m.UniqueID())
		if err != nil {
			return err
		}
		sel, err := c.selectMailbox(m.Name(), m.UniqueID())
		if err != nil {
			return err
		}
		if user == owner && unixSeconds(seen.LastChange) == unixSeconds(sel.seenLastChange) && seen.LastUID == sel.seenLastUID {
			return nil
		}
		return c.setSeen(user, seen)
	})
}
