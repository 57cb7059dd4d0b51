package mdir

import (
	"github.com/emersion/go-imap"
	"github.com/emersion/go-maildir"
)

var flagTable = []struct {
	imap    string
	maildir maildir.Flag
}{
	{imap.SeenFlag, maildir.FlagSeen},
	{imap.AnsweredFlag, maildir.FlagReplied},
	{imap.FlaggedFlag, maildir.FlagFlagged},
	{imap.DeletedFlag, maildir.FlagTrashed},
	{imap.DraftFlag, maildir.FlagDraft},
}

// toFlags keeps the flags a maildir file name can carry
func toFlags(source []string) []maildir.Flag {
	flags := make([]maildir.Flag, 0, len(source))
	for _, sourceFlag := range source {
		for _, entry := range flagTable {
			if entry.imap == sourceFlag {
				flags = append(flags, entry.maildir)
				break
			}
		}
	}
	return flags
}

func flagsToStrings(source []maildir.Flag) []string {
	flags := make([]string, 0, len(source))
	for _, sourceFlag := range source {
		for _, entry := range flagTable {
			if entry.maildir == sourceFlag {
				flags = append(flags, entry.imap)
				break
			}
		}
	}
	return flags
}
