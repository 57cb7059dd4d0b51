package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/storage"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var copyCmd = &cobra.Command{
	Use:   "copy <source account> <destination account>",
	Short: "Copy an account mailboxes to another one",
	Args:  cobra.ExactArgs(2),
	RunE:  runCopy,
}

func init() {
	rootCmd.AddCommand(copyCmd)
}

func runCopy(cmd *cobra.Command, args []string) error {
	logger := term.NewLogger("")
	backendSource, err := NewBackend(args[0], logger)
	if err != nil {
		return fmt.Errorf("cannot open source backend: %w", err)
	}
	defer backendSource.Close()

	backendDest, err := NewBackend(args[1], logger)
	if err != nil {
		return fmt.Errorf("cannot open destination backend: %w", err)
	}
	defer backendDest.Close()

	mailboxes, err := backendSource.ListMailbox()
	if err != nil {
		return fmt.Errorf("cannot list source account mailbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, mbox := range mailboxes {
		status, err := backendSource.SelectMailbox(mbox)
		if err != nil {
			continue
		}
		if status.Messages == 0 {
			// it's empty so don't bother
			_ = backendSource.UnselectMailbox()
			continue
		}
		term.Infof("copying mailbox %s", mbox.Name)
		progress := startProgress(status.Messages)
		entries, err := storage.CopyMessages(ctx, backendSource, backendDest, mbox, progress, logger)
		progress.Stop()
		if err != nil {
			term.Error(err.Error())
		}
		term.Debugf("%d message(s) copied", len(entries))
	}
	return nil
}
