package cmd

import (
	"os"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "mailsync",
	Short:         "Mail store and replication tools",
	Long:          "\nMail store and replication tools: mailboxes, quota, master to replica sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLog()
		if cmd.Annotations[noConfigAnnotation] != "" {
			return nil
		}
		return initConfig()
	},
}

// noConfigAnnotation marks the commands running without configuration file
const noConfigAnnotation = "noconfig"

func init() {
	flag := rootCmd.PersistentFlags()
	flag.StringVarP(&global.configFile, "config", "c", cfg.DefaultFile, "configuration file")
	flag.BoolVarP(&global.quiet, "quiet", "q", false, "only display warnings and errors")
	flag.BoolVarP(&global.verbose, "verbose", "v", false, "display debugging information")
}

func initConfig() error {
	var err error
	config, err = cfg.LoadFromFile(global.configFile)
	if err != nil {
		term.Errorf("cannot open or read configuration file: %s", err)
		return err
	}
	if config.Log.Verbose {
		global.verbose = true
		term.SetLevel(term.LevelDebug)
	}
	return nil
}

func initLog() {
	switch {
	case global.verbose:
		term.SetLevel(term.LevelDebug)
	case global.quiet:
		term.SetLevel(term.LevelWarn)
	}
}

// Execute runs the command line and exits with a code matching the error
func Execute(version, commit, date, builtBy string) {
	setApp(version, commit, date, builtBy)
	if err := rootCmd.Execute(); err != nil {
		term.Error(err)
		os.Exit(lib.ExitCode(err))
	}
}
