package cmd

import (
	"strconv"
	"strings"

	"github.com/creativeprojects/mailsync/term"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <account>",
	Short: "Display list of mailboxes of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	backend, err := NewBackend(args[0], term.NewLogger(""))
	if err != nil {
		return err
	}
	defer backend.Close()

	mailboxes, err := backend.ListMailbox()
	if err != nil {
		return err
	}
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Mailbox", "Messages", "Flags"},
	})
	for _, mailbox := range mailboxes {
		var messages, flags string
		status, err := backend.SelectMailbox(mailbox)
		if err == nil {
			messages = strconv.FormatUint(uint64(status.Messages), 10)
			flags = displayFlags(status.Flags)
			_ = backend.UnselectMailbox()
		}
		table.Data = append(table.Data, []string{mailbox.Name, messages, flags})
	}
	return table.Render()
}

func displayFlags(source []string) string {
	flags := make([]string, len(source))
	for i, flag := range source {
		flags[i] = strings.TrimPrefix(flag, "\\")
	}
	return strings.Join(flags, ", ")
}
