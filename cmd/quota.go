package cmd

import (
	"fmt"
	"strconv"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/quota"
	"github.com/creativeprojects/mailsync/replica/client"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Display or change the quota roots",
}

var quotaGetCmd = &cobra.Command{
	Use:   "get <root or mailbox>...",
	Short: "Display the usage of quota roots",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuotaGet,
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <root> <limit in bytes|none>",
	Short: "Create a quota root or change its limit",
	Args:  cobra.ExactArgs(2),
	RunE:  runQuotaSet,
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.AddCommand(quotaGetCmd, quotaSetCmd)
}

func runQuotaGet(cmd *cobra.Command, args []string) error {
	ledger := quota.NewLedgerWithLogger(config.Store.ConfigDir, term.NewLogger(""))
	rows := make([][]string, 0, len(args))
	for _, name := range args {
		rootName, found := ledger.FindRoot(lib.NormalizeName(name))
		if !found {
			term.Warnf("no quota root for %s", name)
			continue
		}
		root, err := ledger.Read(rootName)
		if err != nil {
			return err
		}
		limit := "none"
		if root.Limit != quota.NoLimit {
			limit = strconv.FormatInt(root.Limit, 10)
		}
		rows = append(rows, []string{root.Name, strconv.FormatUint(root.Used, 10), limit})
	}
	if len(rows) == 0 {
		return nil
	}
	return term.Table([]string{"Root", "Used", "Limit"}, rows)
}

func runQuotaSet(cmd *cobra.Command, args []string) error {
	limit, err := parseLimit(args[1])
	if err != nil {
		return err
	}
	local, err := openLocalStore(true, term.NewLogger(""))
	if err != nil {
		return err
	}
	defer local.Close()

	root := lib.NormalizeName(args[0])
	if err = local.list.SetQuota(root, limit); err != nil {
		return err
	}
	if owner := lib.UserFromMailbox(root); owner != "" {
		worklog := client.NewLog(config.Client.LogFile(config.Store), nil)
		lib.Check(term.NewLogger(""), worklog.Append(client.KindMeta, owner), "queueing quota of %s", owner)
	}
	term.Infof("quota root %s set to %s", root, args[1])
	return nil
}

func parseLimit(value string) (int64, error) {
	if value == "none" || value == "-1" {
		return quota.NoLimit, nil
	}
	limit, err := strconv.ParseInt(value, 10, 64)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: invalid quota limit %q", lib.ErrUsage, value)
	}
	return limit, nil
}
