package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/spool"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Manage the mailboxes of the local store",
}

var mailboxCreateCmd = &cobra.Command{
	Use:   "create <mailbox>",
	Short: "Create a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailboxCreate,
}

var mailboxDeleteCmd = &cobra.Command{
	Use:   "delete <mailbox>",
	Short: "Delete a mailbox and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailboxDelete,
}

var mailboxRenameCmd = &cobra.Command{
	Use:   "rename <mailbox> <new name>",
	Short: "Rename a mailbox, optionally moving it to another partition",
	Args:  cobra.ExactArgs(2),
	RunE:  runMailboxRename,
}

var mailboxListCmd = &cobra.Command{
	Use:   "list [user]",
	Short: "List the mailboxes of a user, or every mailbox",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMailboxList,
}

var mailboxStatusCmd = &cobra.Command{
	Use:   "status <mailbox>",
	Short: "Display the counters and messages of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailboxStatus,
}

var mailboxAppendCmd = &cobra.Command{
	Use:   "append <mailbox> [file]...",
	Short: "Append messages read from files (or the standard input)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMailboxAppend,
}

var mailboxExpungeCmd = &cobra.Command{
	Use:   "expunge <mailbox> [uid]...",
	Short: "Remove the messages flagged as deleted, or the given UIDs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMailboxExpunge,
}

var mailboxSetFlagCmd = &cobra.Command{
	Use:   "setflag <mailbox> <uid> [flag]...",
	Short: "Replace the flags of a message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMailboxSetFlag,
}

var mailboxDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Add to the mailbox list the mailboxes found on disk",
	RunE:  runMailboxDiscover,
}

var mailboxFlags struct {
	partition   string
	acl         string
	flags       []string
	reconstruct bool
	records     bool
	guid        string
}

func init() {
	rootCmd.AddCommand(mailboxCmd)
	mailboxCmd.AddCommand(mailboxCreateCmd, mailboxDeleteCmd, mailboxRenameCmd, mailboxListCmd,
		mailboxStatusCmd, mailboxAppendCmd, mailboxExpungeCmd, mailboxSetFlagCmd, mailboxDiscoverCmd)

	mailboxCreateCmd.Flags().StringVarP(&mailboxFlags.partition, "partition", "p", "", "partition holding the mailbox")
	mailboxCreateCmd.Flags().StringVar(&mailboxFlags.acl, "acl", "", "access control list (owner gets every right by default)")
	mailboxRenameCmd.Flags().StringVarP(&mailboxFlags.partition, "partition", "p", "", "move the mailbox to this partition")
	mailboxAppendCmd.Flags().StringSliceVarP(&mailboxFlags.flags, "flag", "f", nil, "flags of the new messages")
	mailboxStatusCmd.Flags().BoolVar(&mailboxFlags.reconstruct, "reconstruct", false, "tolerate a damaged mailbox")
	mailboxStatusCmd.Flags().BoolVar(&mailboxFlags.records, "messages", false, "display every message")
	mailboxStatusCmd.Flags().StringVar(&mailboxFlags.guid, "guid", "", "find the message with this content identity")
}

func runMailboxCreate(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	m, err := local.list.Create(args[0], store.CreateOptions{
		Partition: mailboxFlags.partition,
		ACL:       mailboxFlags.acl,
	})
	if err != nil {
		return err
	}
	defer m.Close()
	term.Infof("created mailbox %s (unique id %s)", m.Name(), m.UniqueID())
	return nil
}

func runMailboxDelete(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	if err = local.list.Delete(lib.NormalizeName(args[0])); err != nil {
		return err
	}
	term.Infof("deleted mailbox %s", args[0])
	return nil
}

func runMailboxRename(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	if err = local.list.Rename(lib.NormalizeName(args[0]), args[1], mailboxFlags.partition); err != nil {
		return err
	}
	term.Infof("renamed mailbox %s to %s", args[0], args[1])
	return nil
}

func runMailboxList(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(false, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	var entries []state.MailboxEntry
	if len(args) > 0 {
		entries, err = local.list.UserMailboxes(args[0])
	} else {
		entries, err = local.db.ListMailboxes("")
	}
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		messages := ""
		if entry.Type == "" {
			if m, err := local.list.Open(entry.Name); err == nil {
				messages = strconv.FormatUint(uint64(m.Status().Messages), 10)
				m.Close()
			}
		}
		rows = append(rows, []string{entry.Name, entry.Partition, entry.UniqueID, messages, entry.Type})
	}
	return term.Table([]string{"Mailbox", "Partition", "Unique ID", "Messages", "Type"}, rows)
}

func runMailboxStatus(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(false, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	entry, err := local.list.Lookup(lib.NormalizeName(args[0]))
	if err != nil {
		return err
	}
	m, err := local.list.Store().OpenWithOptions(entry.Name, entry.Partition, store.OpenOptions{
		Reconstruct: mailboxFlags.reconstruct,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	header := m.Header()
	index := m.IndexHeader()
	err = term.Table([]string{"Field", "Value"}, [][]string{
		{"Name", m.Name()},
		{"Path", m.Path()},
		{"Unique ID", header.UniqueID},
		{"Quota root", header.QuotaRoot},
		{"ACL", strings.ReplaceAll(header.ACL, "\t", " ")},
		{"Generation", strconv.FormatUint(uint64(index.Generation), 10)},
		{"Minor version", strconv.FormatUint(uint64(index.MinorVersion), 10)},
		{"UID validity", strconv.FormatUint(uint64(index.UIDValidity), 10)},
		{"Last UID", strconv.FormatUint(uint64(index.LastUID), 10)},
		{"Last append", formatUnix(index.LastAppendDate)},
		{"Exists", strconv.FormatUint(uint64(index.Exists), 10)},
		{"Deleted", strconv.FormatUint(uint64(index.Deleted), 10)},
		{"Answered", strconv.FormatUint(uint64(index.Answered), 10)},
		{"Flagged", strconv.FormatUint(uint64(index.Flagged), 10)},
		{"Quota used", strconv.FormatUint(uint64(index.QuotaMailboxUsed), 10)},
	})
	if err != nil {
		return err
	}
	if mailboxFlags.guid != "" {
		guid, err := mailbox.ParseGUID(mailboxFlags.guid)
		if err != nil {
			return fmt.Errorf("%w: %s", lib.ErrUsage, err)
		}
		record, found := m.FindGUID(guid)
		if !found {
			term.Warnf("no message with identity %s", guid)
		} else {
			term.Infof("message %s is UID %d", guid, record.UID)
		}
	}
	if !mailboxFlags.records {
		return nil
	}

	records, err := m.Records()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(record.UID), 10),
			formatUnix(record.InternalDate),
			strconv.FormatUint(uint64(record.Size), 10),
			displayFlags(m.FlagNames(record)),
			record.GUID.String(),
		})
	}
	return term.Table([]string{"UID", "Date", "Size", "Flags", "GUID"}, rows)
}

func runMailboxAppend(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	m, err := local.list.Open(lib.NormalizeName(args[0]))
	if err != nil {
		return err
	}
	defer m.Close()

	messages := make([]store.NewMessage, 0, len(args))
	if len(args) == 1 {
		message, err := readNewMessage(os.Stdin, mailboxFlags.flags)
		if err != nil {
			return err
		}
		messages = append(messages, message)
	}
	for _, path := range args[1:] {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %s", lib.ErrIO, err)
		}
		message, err := readNewMessage(file, mailboxFlags.flags)
		file.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		messages = append(messages, message)
	}
	records, err := m.Append(messages, store.AppendOptions{Sync: true})
	if err != nil {
		return err
	}
	for _, record := range records {
		term.Infof("appended message UID %d (%d bytes)", record.UID, record.Size)
	}
	return nil
}

// readNewMessage parses a whole message: its content is kept in memory
func readNewMessage(reader io.Reader, flags []string) (store.NewMessage, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return store.NewMessage{}, fmt.Errorf("%w: reading message: %s", lib.ErrIO, err)
	}
	parsed, err := spool.Parse(content)
	if err != nil {
		return store.NewMessage{}, err
	}
	record := parsed.Record()
	record.InternalDate = uint32(time.Now().Unix())
	return store.NewMessage{
		Record: record,
		Flags:  mailbox.StripRecentFlag(flags),
		Cache:  parsed.Cache,
		Body:   bytes.NewReader(content),
	}, nil
}

func runMailboxExpunge(cmd *cobra.Command, args []string) error {
	uids, err := parseUIDs(args[1:])
	if err != nil {
		return err
	}
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	m, err := local.list.Open(lib.NormalizeName(args[0]))
	if err != nil {
		return err
	}
	defer m.Close()

	predicate := store.ExpungeDeleted
	if len(uids) > 0 {
		predicate = store.ExpungeUIDs(uids)
	}
	expunged, err := m.Expunge(predicate)
	if err != nil {
		return err
	}
	term.Infof("expunged %d message(s), %d left", len(expunged), m.Status().Messages)
	return nil
}

func runMailboxSetFlag(cmd *cobra.Command, args []string) error {
	uids, err := parseUIDs(args[1:2])
	if err != nil {
		return err
	}
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	m, err := local.list.Open(lib.NormalizeName(args[0]))
	if err != nil {
		return err
	}
	defer m.Close()

	missing, err := m.SetFlags([]store.FlagUpdate{{UID: uids[0], Flags: args[2:]}})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: no message with UID %d", lib.ErrUsage, uids[0])
	}
	return nil
}

func runMailboxDiscover(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(false, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	added, err := local.list.Discover()
	for _, name := range added {
		term.Infof("added mailbox %s", name)
	}
	return err
}

// parseUIDs returns the UIDs sorted
func parseUIDs(args []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(args))
	for _, arg := range args {
		uid, err := strconv.ParseUint(arg, 10, 32)
		if err != nil || uid == 0 {
			return nil, fmt.Errorf("%w: invalid UID %q", lib.ErrUsage, arg)
		}
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

const dateFormat = "2006-01-02 15:04:05 MST"

func formatUnix(value uint32) string {
	if value == 0 {
		return ""
	}
	return time.Unix(int64(value), 0).Format(dateFormat)
}
