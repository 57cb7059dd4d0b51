package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/replica/client"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate the local mailboxes to the replica server",
}

var syncUserCmd = &cobra.Command{
	Use:   "user <user>...",
	Short: "Replicate everything about the users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncUnits(client.KindUser, args)
	},
}

var syncMailboxCmd = &cobra.Command{
	Use:   "mailbox <mailbox>...",
	Short: "Replicate the mailboxes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncUnits(client.KindMailbox, args)
	},
}

var syncMetaCmd = &cobra.Command{
	Use:   "meta <user>...",
	Short: "Replicate the subscriptions, quota and sieve scripts of the users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncUnits(client.KindMeta, args)
	},
}

var syncAppendCmd = &cobra.Command{
	Use:   "append <mailbox>...",
	Short: "Send the messages appended to the mailboxes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncUnits(client.KindAppend, args)
	},
}

var syncSeenCmd = &cobra.Command{
	Use:   "seen <mailbox> <user>",
	Short: "Send the seen state of a user on a mailbox",
	Args:  cobra.ExactArgs(2),
	RunE:  runSyncSeen,
}

var syncLogCmd = &cobra.Command{
	Use:   "log [file]",
	Short: "Run a work log file once (the configured log by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSyncLog,
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Replicate the work log continuously",
	RunE:  runSyncDaemon,
}

var syncLogAppendCmd = &cobra.Command{
	Use:   "log-append <USER|META|MAILBOX|APPEND|SEEN> <arg> [arg]",
	Short: "Add a line to the work log",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runSyncLogAppend,
}

var syncFlags struct {
	debug bool
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.PersistentFlags().BoolVar(&syncFlags.debug, "debug", false, "log every line of the protocol")
	syncCmd.AddCommand(syncUserCmd, syncMailboxCmd, syncMetaCmd, syncAppendCmd, syncSeenCmd,
		syncLogCmd, syncDaemonCmd, syncLogAppendCmd)
}

func clientConfig() (client.Config, error) {
	if config.Client.Server == "" {
		return client.Config{}, fmt.Errorf("%w: no replica server in the client section", lib.ErrConfig)
	}
	clientConfig := client.Config{
		Address:   config.Client.Server,
		Username:  config.Client.Username,
		Password:  config.Client.Password,
		RateLimit: config.Client.RateLimit,
		Reserve:   config.Client.Reserve,
		Debug:     syncFlags.debug,
	}
	if config.Client.StartTLS {
		host, _, _ := strings.Cut(config.Client.Server, ":")
		clientConfig.TLSConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: config.Client.SkipTLSVerification,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return clientConfig, nil
}

// withClient opens the local store and a session with the replica for the duration of run
func withClient(logger lib.Logger, run func(c *client.Client) error) error {
	clientConfig, err := clientConfig()
	if err != nil {
		return err
	}
	local, err := openLocalStore(false, logger)
	if err != nil {
		return err
	}
	defer local.Close()

	c, err := client.DialWithLogger(local.list, clientConfig, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return run(c)
}

func runSyncUnits(kind string, names []string) error {
	work := client.NewWorkList()
	for _, name := range names {
		work.Add(kind, lib.NormalizeName(name), "")
	}
	return withClient(term.NewLogger(""), func(c *client.Client) error {
		term.Infof("syncing %d %s unit(s)", work.Len(), strings.ToLower(kind))
		return c.Sync(work)
	})
}

func runSyncSeen(cmd *cobra.Command, args []string) error {
	work := client.NewWorkList()
	work.Add(client.KindSeen, lib.NormalizeName(args[0]), args[1])
	return withClient(term.NewLogger(""), func(c *client.Client) error {
		return c.Sync(work)
	})
}

func runSyncLog(cmd *cobra.Command, args []string) error {
	path := config.Client.LogFile(config.Store)
	if len(args) > 0 {
		path = args[0]
	}
	logger := term.NewLogger("")
	work, err := client.ReadWorkFile(path, logger)
	if err != nil {
		return err
	}
	if work.Len() == 0 {
		term.Info("nothing to do")
		return nil
	}
	err = withClient(logger, func(c *client.Client) error {
		return c.Sync(work)
	})
	if err != nil {
		// the file is kept for the next run
		return err
	}
	if len(args) > 0 {
		return nil
	}
	if err = os.Remove(path); err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	return nil
}

func runSyncDaemon(cmd *cobra.Command, args []string) error {
	logger, closer, err := newServiceLogger("sync")
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	options := client.DaemonOptions{
		LogFile:      config.Client.LogFile(config.Store),
		ShutdownFile: config.Client.ShutdownFile,
		Timeout:      config.Client.Timeout,
		MinDelta:     config.Client.MinDelta,
	}
	return superviseDaemon(ctx, logger, func(ctx context.Context) error {
		return withClient(logger, func(c *client.Client) error {
			return c.RunDaemon(ctx, options)
		})
	})
}

func runSyncLogAppend(cmd *cobra.Command, args []string) error {
	kind := strings.ToUpper(args[0])
	switch kind {
	case client.KindUser, client.KindMeta, client.KindMailbox, client.KindAppend:
		if len(args) != 2 {
			return fmt.Errorf("%w: %s takes one argument", lib.ErrUsage, kind)
		}
	case client.KindSeen:
		if len(args) != 3 {
			return fmt.Errorf("%w: SEEN takes a mailbox and a user", lib.ErrUsage)
		}
	default:
		return fmt.Errorf("%w: unknown work type %q", lib.ErrUsage, args[0])
	}
	path := config.Client.LogFile(config.Store)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	return client.NewLog(path, nil).Append(kind, args[1:]...)
}
