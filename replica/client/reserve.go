package client

import (
	"fmt"
	"sort"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/protocol"
)

// reserveFunc asks the server to keep the messages with the given identities found in a mailbox.
// It returns the identities the server confirmed.
type reserveFunc func(name string, guids []mailbox.GUID) ([]mailbox.GUID, error)

// reservePlanner reserves on the server the messages which would otherwise be uploaded.
// Mailboxes holding the only copy of a message are asked first, then the others from
// the one with the most messages still to reserve.
type reservePlanner struct {
	// wanted maps each identity to reserve to whether it is reserved already
	wanted  map[mailbox.GUID]bool
	pending int
	reserve reserveFunc
}

func newReservePlanner(candidates []mailbox.GUID, reserve reserveFunc) *reservePlanner {
	p := &reservePlanner{
		wanted:  make(map[mailbox.GUID]bool, len(candidates)),
		reserve: reserve,
	}
	for _, guid := range candidates {
		if guid.IsNull() || p.hasWanted(guid) {
			continue
		}
		p.wanted[guid] = false
		p.pending++
	}
	return p
}

func (p *reservePlanner) hasWanted(guid mailbox.GUID) bool {
	_, found := p.wanted[guid]
	return found
}

// unreserved returns the identities of folder still to reserve, in the order of the messages
func (p *reservePlanner) unreserved(folder *remoteMailbox) []mailbox.GUID {
	list := make([]mailbox.GUID, 0)
	seen := make(map[mailbox.GUID]bool)
	for _, message := range folder.messages {
		reserved, found := p.wanted[message.guid]
		if found && !reserved && !seen[message.guid] {
			seen[message.guid] = true
			list = append(list, message.guid)
		}
	}
	return list
}

func (p *reservePlanner) reserveFolder(folder *remoteMailbox) error {
	guids := p.unreserved(folder)
	if len(guids) == 0 {
		return nil
	}
	confirmed, err := p.reserve(folder.name, guids)
	if err != nil {
		return err
	}
	for _, guid := range confirmed {
		if reserved, found := p.wanted[guid]; found && !reserved {
			p.wanted[guid] = true
			p.pending--
		}
	}
	return nil
}

// run sends the RESERVE commands
func (p *reservePlanner) run(folders []*remoteMailbox) error {
	if p.pending == 0 {
		return nil
	}
	// number of server mailboxes holding each wanted identity
	copies := make(map[mailbox.GUID]int, len(p.wanted))
	for _, folder := range folders {
		counted := make(map[mailbox.GUID]bool)
		for _, message := range folder.messages {
			if p.hasWanted(message.guid) && !counted[message.guid] {
				counted[message.guid] = true
				copies[message.guid]++
			}
		}
	}

	done := make(map[*remoteMailbox]bool)
	for _, folder := range folders {
		for _, message := range folder.messages {
			if p.hasWanted(message.guid) && copies[message.guid] == 1 {
				if err := p.reserveFolder(folder); err != nil {
					return err
				}
				done[folder] = true
				break
			}
		}
	}

	type candidate struct {
		folder *remoteMailbox
		count  int
	}
	sorted := make([]candidate, 0, len(folders))
	for _, folder := range folders {
		if done[folder] {
			continue
		}
		if count := len(p.unreserved(folder)); count > 0 {
			sorted = append(sorted, candidate{folder: folder, count: count})
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareCandidates(sorted[i].count, sorted[i].folder.name, sorted[j].count, sorted[j].folder.name) < 0
	})
	for _, item := range sorted {
		if p.pending == 0 {
			break
		}
		if err := p.reserveFolder(item.folder); err != nil {
			return err
		}
	}
	return nil
}

// compareCandidates orders the mailboxes by count descending then by name
func compareCandidates(count1 int, name1 string, count2 int, name2 string) int {
	switch {
	case count1 > count2:
		return -1
	case count1 < count2:
		return 1
	case name1 < name2:
		return -1
	case name1 > name2:
		return 1
	default:
		return 0
	}
}

// reserveOnServer sends RESERVE name (guid...). Confirmed identities are kept on the server
// for the rest of the session.
func (c *Client) reserveOnServer(name string, guids []mailbox.GUID) ([]mailbox.GUID, error) {
	list := make([]interface{}, len(guids))
	for i, guid := range guids {
		list[i] = protocol.Atom(guid.String())
	}
	reply, err := c.conn.Do("RESERVE", name, list)
	if err != nil {
		return nil, err
	}
	confirmed := make([]mailbox.GUID, 0, len(reply.Data))
	for _, fields := range reply.Data {
		args := protocol.NewArgs("RESERVE", fields)
		guid, err := args.GUID()
		if err != nil {
			return nil, err
		}
		if err = args.End(); err != nil {
			return nil, err
		}
		if guid.IsNull() {
			return nil, fmt.Errorf("%w: RESERVE confirmed an empty identity", lib.ErrProtocol)
		}
		c.onServer[guid] = true
		confirmed = append(confirmed, guid)
	}
	metrics.ClientMessageAdd("reserved", len(confirmed))
	return confirmed, nil
}
