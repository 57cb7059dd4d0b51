package client

import (
	"errors"
	"sort"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/metrics"
)

// Sync runs a work list: appends, seen states, mailboxes, meta data then whole users.
// A unit which fails is done again as part of a larger one. An error is returned when
// a whole user fails, or when the server rejects a user.
func (c *Client) Sync(work *WorkList) error {
	work.Prune()

	for _, action := range work.Actions(KindAppend) {
		if !c.personal(action) {
			continue
		}
		err := c.Append(action.Name)
		c.count(KindAppend, err)
		if err != nil {
			c.log.Printf("APPEND %s failed, syncing the whole mailbox: %s", action.Name, err)
			work.removeSeen(action.Name, "")
			work.Add(KindMailbox, action.Name, "")
		}
	}

	for _, action := range work.Actions(KindSeen) {
		if !c.personal(action) {
			continue
		}
		err := c.Seen(action.Name, action.SeenUser)
		c.count(KindSeen, err)
		if err != nil {
			c.log.Printf("SEEN %s %s failed, syncing the whole mailbox: %s", action.Name, action.SeenUser, err)
			work.Add(KindMailbox, action.Name, "")
		}
	}

	users, groups := groupByUser(work.Actions(KindMailbox))
	for _, user := range users {
		err := c.Mailboxes(user, groups[user])
		c.count(KindMailbox, err)
		if err == nil {
			continue
		}
		if errors.Is(err, lib.ErrInvalidUser) {
			return err
		}
		c.log.Printf("MAILBOX %v failed, syncing user %s: %s", groups[user], user, err)
		work.removeUser(user)
		work.Add(KindUser, user, "")
	}

	for _, action := range work.Actions(KindMeta) {
		err := c.Meta(action.Name)
		c.count(KindMeta, err)
		if err == nil {
			continue
		}
		if errors.Is(err, lib.ErrInvalidUser) {
			return err
		}
		c.log.Printf("META %s failed, syncing the whole user: %s", action.Name, err)
		work.removeUser(action.Name)
		work.Add(KindUser, action.Name, "")
	}

	for _, action := range work.Actions(KindUser) {
		err := c.User(action.Name)
		c.count(KindUser, err)
		if err != nil {
			c.log.Printf("USER %s failed: %s", action.Name, err)
			return err
		}
	}
	return nil
}

func (c *Client) personal(action *Action) bool {
	if lib.UserFromMailbox(action.Name) == "" {
		c.log.Printf("ignoring %s %s: not a personal mailbox", action.Kind, action.Name)
		return false
	}
	return true
}

func (c *Client) count(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.UnitInc(kind, result)
}

// groupByUser returns the owners in order, with the mailbox names of each of them.
// Mailboxes outside of the user namespace are left out.
func groupByUser(actions []*Action) ([]string, map[string][]string) {
	groups := make(map[string][]string)
	for _, action := range actions {
		user := lib.UserFromMailbox(action.Name)
		if user == "" {
			continue
		}
		groups[user] = append(groups[user], action.Name)
	}
	users := make([]string, 0, len(groups))
	for user := range groups {
		users = append(users, user)
	}
	sort.Strings(users)
	return users, groups
}
