package cmd

import (
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup <file>",
	Short: "Write a consistent copy of the state database (mailbox list, seen, subscriptions, sieve)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	local, err := openLocalStore(false, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	if err = local.db.Backup(args[0]); err != nil {
		return err
	}
	term.Infof("state database saved to %s", args[0])
	return nil
}
