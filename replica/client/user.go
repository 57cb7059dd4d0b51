package client

import (
	"errors"
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/quota"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// User replicates everything about user: mailboxes, subscriptions, quota and sieve scripts.
// When a mailbox disappears during the sync, the user is done again with the mailbox
// list locked.
func (c *Client) User(user string) error {
	vanished, err := c.syncUser(user)
	if err == nil && vanished == 0 {
		return nil
	}
	if err != nil && !errors.Is(err, lib.ErrBadFormat) {
		return err
	}
	c.log.Printf("user %s changed during the sync: trying again with the mailbox list locked", user)
	lock, err := c.list.Store().LockList()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	_, err = c.syncUser(user)
	return err
}

func (c *Client) syncUser(user string) (int, error) {
	inbox := lib.InboxName(user)
	entries, err := c.list.UserMailboxes(user)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	inboxUniqueID := ""
	for _, entry := range entries {
		if entry.Type != "" {
			continue
		}
		if entry.Name == inbox {
			inboxUniqueID = entry.UniqueID
		}
		names = append(names, entry.Name)
	}

	vanished := 0
	err = c.withUser(user, func() error {
		if inboxUniqueID == "" {
			c.log.Printf("user %s has no inbox: removing it from the server", user)
			_, err := c.conn.Do("RESET", user)
			return err
		}
		reply, err := c.conn.Do("USER_ALL", user)
		if err != nil {
			return err
		}
		remote, err := parseUser("USER_ALL", reply.Data)
		if err != nil {
			return err
		}
		if server := remote.byName(inbox); len(remote.mailboxes) > 0 && (server == nil || server.uniqueID != inboxUniqueID) {
			c.log.Printf("the inbox of %s was replaced: resetting the user on the server", user)
			if _, err = c.conn.Do("RESET", user); err != nil {
				return err
			}
			remote = &remoteUser{}
		}
		c.updateQuota(inbox, remote.quota)
		vanished, err = c.syncFolders(user, names, remote, true)
		if err != nil {
			return err
		}
		if err = c.syncSubscriptions(user, remote.subscriptions); err != nil {
			return err
		}
		return c.syncSieve(user, remote.sieve)
	})
	return vanished, err
}

// updateQuota sends the limit of root when the server has another one. Quota errors
// are logged only.
func (c *Client) updateQuota(root string, server *remoteQuota) {
	local, err := c.list.Store().Ledger().Read(root)
	if errors.Is(err, quota.ErrRootNotFound) {
		return
	}
	if err != nil {
		c.log.Printf("reading quota %s: %s", root, err)
		return
	}
	if server != nil && server.limit == local.Limit {
		return
	}
	if _, err = c.conn.Do("SETQUOTA", root, protocol.Int(local.Limit)); err != nil {
		c.log.Printf("SETQUOTA %s: %s", root, err)
	}
}

// syncSubscriptions adds and removes subscriptions on the server
func (c *Client) syncSubscriptions(user string, server []string) error {
	local, err := c.list.State().Subscriptions(user)
	if err != nil {
		return err
	}
	onServer := make(map[string]bool, len(server))
	for _, name := range server {
		onServer[name] = true
	}
	for _, name := range local {
		if onServer[name] {
			delete(onServer, name)
			continue
		}
		if _, err = c.conn.Do("ADDSUB", name); err != nil {
			return err
		}
	}
	for _, name := range server {
		if !onServer[name] {
			continue
		}
		if _, err = c.conn.Do("DELSUB", name); err != nil {
			return err
		}
	}
	return nil
}

// syncSieve uploads the scripts changed here, removes the ones deleted here and
// activates the same script as here
func (c *Client) syncSieve(user string, server []*remoteSieve) error {
	db := c.list.State()
	local, err := db.ListSieve(user)
	if err != nil {
		return err
	}
	byName := make(map[string]*remoteSieve, len(server))
	serverActive := ""
	for _, script := range server {
		byName[script.name] = script
		if script.active {
			serverActive = script.name
		}
	}
	localActive := ""
	for _, script := range local {
		if script.Active {
			localActive = script.Name
		}
		found := byName[script.Name]
		if found != nil {
			found.mark = true
			if unixSeconds(found.modified) >= unixSeconds(script.Modified) {
				continue
			}
		}
		full, err := db.GetSieve(user, script.Name)
		if err != nil {
			return err
		}
		_, err = c.conn.Do("UPLOAD_SIEVE", script.Name, protocol.Unix(full.Modified), protocol.Literal(full.Content))
		if err != nil {
			return err
		}
	}
	for _, script := range server {
		if script.mark {
			continue
		}
		if _, err = c.conn.Do("DELETE_SIEVE", script.name); err != nil {
			return err
		}
		if script.name == serverActive {
			serverActive = ""
		}
	}
	switch {
	case localActive != "" && localActive != serverActive:
		_, err = c.conn.Do("ACTIVATE_SIEVE", localActive)
	case localActive == "" && serverActive != "":
		_, err = c.conn.Do("DEACTIVATE_SIEVE")
	}
	if err != nil {
		return fmt.Errorf("sieve scripts of %s: %w", user, err)
	}
	return nil
}

// Meta replicates the subscriptions, quota and sieve scripts of user
func (c *Client) Meta(user string) error {
	return c.withUser(user, func() error {
		reply, err := c.conn.Do("LSUB")
		if err != nil {
			return err
		}
		subscriptions := make([]string, 0, len(reply.Data))
		for _, fields := range reply.Data {
			args := protocol.NewArgs("LSUB", fields)
			name, err := args.String()
			if err != nil {
				return err
			}
			if err = args.End(); err != nil {
				return err
			}
			subscriptions = append(subscriptions, name)
		}

		inbox := lib.InboxName(user)
		reply, err = c.conn.Do("QUOTA", inbox)
		if err != nil {
			return err
		}
		var server *remoteQuota
		if len(reply.Data) > 0 {
			found, err := parseRemoteQuota(protocol.NewArgs("QUOTA", reply.Data[0]))
			if err != nil {
				return err
			}
			server = &found
		}

		reply, err = c.conn.Do("LIST_SIEVE")
		if err != nil {
			return err
		}
		scripts := make([]*remoteSieve, 0, len(reply.Data))
		for _, fields := range reply.Data {
			script, err := parseRemoteSieve(protocol.NewArgs("LIST_SIEVE", fields))
			if err != nil {
				return err
			}
			scripts = append(scripts, script)
		}

		c.updateQuota(inbox, server)
		if err = c.syncSubscriptions(user, subscriptions); err != nil {
			return err
		}
		return c.syncSieve(user, scripts)
	})
}
