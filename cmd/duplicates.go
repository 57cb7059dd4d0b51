package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/storage"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates <account>",
	Short: "Find duplicate emails across mailboxes (in the same account)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDuplicates,
}

func init() {
	rootCmd.AddCommand(duplicatesCmd)
}

func runDuplicates(cmd *cobra.Command, args []string) error {
	backend, err := NewBackend(args[0], term.NewLogger(""))
	if err != nil {
		return fmt.Errorf("cannot open backend: %w", err)
	}
	defer backend.Close()

	mailboxes, err := backend.ListMailbox()
	if err != nil {
		return fmt.Errorf("cannot list source account mailbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identities := make(map[mailbox.GUID][]string, 0)
	for _, mbox := range mailboxes {
		status, err := backend.SelectMailbox(mbox)
		if err != nil {
			continue
		}
		if status.Messages == 0 {
			// it's empty so don't bother
			_ = backend.UnselectMailbox()
			continue
		}
		term.Infof("reading mailbox %s", mbox.Name)
		progress := startProgress(status.Messages)
		entries, err := storage.LoadMessageProperties(ctx, backend, progress)
		progress.Stop()
		if err != nil {
			term.Error(err.Error())
		}
		for _, entry := range entries {
			identities[entry.GUID] = append(identities[entry.GUID], mbox.Name)
		}
	}

	duplicates := countDuplicates(identities)
	fmt.Printf("total of %d unique messages\n", len(identities))
	switch duplicates {
	case 0:
		fmt.Print("no duplicate message\n")
	case 1:
		fmt.Print("found 1 duplicate message\n")
	default:
		fmt.Printf("found %d duplicate messages\n", duplicates)
	}
	return nil
}

// countDuplicates returns the number of copies beyond the first one of each message
func countDuplicates(identities map[mailbox.GUID][]string) int {
	duplicates := 0
	for guid, places := range identities {
		if guid.IsNull() {
			continue
		}
		duplicates += len(places) - 1
	}
	return duplicates
}
