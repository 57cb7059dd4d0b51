package client

import (
	"errors"
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// folderRename moves a server mailbox to the name it has here
type folderRename struct {
	uniqueID string
	from     string
	to       string
}

// orderRenames returns the renames in an order where no target name is still in use.
// A set of renames waiting on each other returns ErrRenameCycle.
func orderRenames(renames []folderRename) ([]folderRename, error) {
	pending := make([]folderRename, len(renames))
	copy(pending, renames)
	ordered := make([]folderRename, 0, len(renames))
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); i++ {
			blocked := false
			for j, other := range pending {
				if j != i && other.from == pending[i].to {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			ordered = append(ordered, pending[i])
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progress = true
		}
		if !progress {
			return ordered, fmt.Errorf("%w: %s => %s", lib.ErrRenameCycle, pending[0].from, pending[0].to)
		}
	}
	return ordered, nil
}

// localFolder is a snapshot of a local mailbox taken before talking to the server
type localFolder struct {
	name     string
	uniqueID string
	acl      string
	records  []mailbox.IndexRecord
}

// syncFolders brings the server copies of the named mailboxes up to date. remote holds
// what the server has for these names. Mailboxes deleted here while the sync runs are
// counted in vanished.
func (c *Client) syncFolders(user string, names []string, remote *remoteUser, contents bool) (int, error) {
	vanished := 0
	folders := make([]localFolder, 0, len(names))
	for _, name := range names {
		folder, err := c.snapshot(name)
		if errors.Is(err, lib.ErrMailboxNotFound) {
			vanished++
			continue
		}
		if errors.Is(err, lib.ErrPermissionDenied) {
			c.log.Printf("skipping mailbox %s: %s", name, err)
			continue
		}
		if err != nil {
			return vanished, err
		}
		folders = append(folders, folder)
	}

	if contents && c.config.Reserve {
		if err := c.reserveFolders(folders, remote); err != nil {
			return vanished, err
		}
	}

	renames := make([]folderRename, 0)
	for _, folder := range folders {
		server := remote.byUniqueID(folder.uniqueID)
		if server == nil {
			continue
		}
		server.mark = true
		if server.name != folder.name {
			renames = append(renames, folderRename{uniqueID: folder.uniqueID, from: server.name, to: folder.name})
		}
	}
	for _, server := range remote.mailboxes {
		if server.mark {
			continue
		}
		c.log.Printf("deleting %s on the server", server.name)
		if _, err := c.conn.Do("DELETE", server.name); err != nil {
			return vanished, err
		}
	}
	renames, err := orderRenames(renames)
	if err != nil {
		return vanished, err
	}
	for _, rename := range renames {
		c.log.Printf("renaming %s to %s on the server", rename.from, rename.to)
		if _, err = c.conn.Do("RENAME", rename.from, rename.to); err != nil {
			return vanished, err
		}
		remote.byUniqueID(rename.uniqueID).name = rename.to
	}

	for _, folder := range folders {
		gone, err := c.syncFolder(user, folder, remote.byUniqueID(folder.uniqueID), contents)
		if err != nil {
			return vanished, err
		}
		if gone {
			vanished++
		}
	}
	return vanished, nil
}

func (c *Client) snapshot(name string) (localFolder, error) {
	m, err := c.list.Open(name)
	if err != nil {
		return localFolder{}, err
	}
	defer m.Close()
	records, err := m.Records()
	if err != nil {
		return localFolder{}, err
	}
	return localFolder{
		name:     m.Name(),
		uniqueID: m.UniqueID(),
		acl:      m.Header().ACL,
		records:  records,
	}, nil
}

// reserveFolders asks the server to keep the messages it holds which would be uploaded
func (c *Client) reserveFolders(folders []localFolder, remote *remoteUser) error {
	onServer := make(map[mailbox.GUID]bool)
	for _, server := range remote.mailboxes {
		for _, message := range server.messages {
			onServer[message.guid] = true
		}
	}
	candidates := make([]mailbox.GUID, 0)
	for _, folder := range folders {
		var messages []remoteMessage
		if server := remote.byUniqueID(folder.uniqueID); server != nil {
			messages = server.messages
		}
		diff := diffMessages(folder.records, messages, nil)
		for _, record := range pickRecords(folder.records, diff.upload) {
			if onServer[record.GUID] && !c.onServer[record.GUID] {
				candidates = append(candidates, record.GUID)
			}
		}
	}
	return newReservePlanner(candidates, c.reserveOnServer).run(remote.mailboxes)
}

// syncFolder reopens a local mailbox and updates its server copy, server being nil when
// there is none. It returns true when the local mailbox is gone.
func (c *Client) syncFolder(user string, folder localFolder, server *remoteMailbox, contents bool) (bool, error) {
	m, err := c.list.Open(folder.name)
	if errors.Is(err, lib.ErrMailboxNotFound) {
		if server != nil {
			if _, err = c.conn.Do("DELETE", server.name); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer m.Close()

	if server != nil && m.UniqueID() != server.uniqueID {
		c.log.Printf("%s was replaced: deleting it on the server", folder.name)
		if _, err = c.conn.Do("DELETE", server.name); err != nil {
			return false, err
		}
		server = nil
	}
	if server == nil {
		if err = c.createOnServer(m); err != nil {
			return false, err
		}
		if !contents {
			return false, nil
		}
		return false, c.newMailboxSync(m).run(nil, user)
	}
	if m.Header().ACL != server.acl {
		if _, err = c.conn.Do("SETACL", m.Name(), m.Header().ACL); err != nil {
			return false, err
		}
	}
	if !contents {
		return false, nil
	}
	return false, c.newMailboxSync(m).run(server, user)
}
