package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/replica/client"
	"github.com/creativeprojects/mailsync/state"
	"github.com/creativeprojects/mailsync/store"
)

type GlobalFlags struct {
	configFile  string
	quiet       bool
	verbose     bool
}

var (
	global GlobalFlags
	config *cfg.Config
)

// localStore is the mailbox list opened on the store and state database of the configuration
type localStore struct {
	list *mboxlist.List
	db   *state.State
}

// openLocalStore opens the partitions and the state database. Changes made through
// the store are written to the sync work log when withWorkLog is set.
func openLocalStore(withWorkLog bool, logger lib.Logger) (*localStore, error) {
	if len(config.Store.Partitions) == 0 {
		return nil, fmt.Errorf("%w: no partition in the store section", lib.ErrConfig)
	}
	logFile := config.Client.LogFile(config.Store)
	for _, dir := range []string{config.Store.ConfigDir, filepath.Dir(logFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %s", lib.ErrConfig, err)
		}
	}
	db, err := state.OpenWithLogger(config.Store.StateFile(), logger)
	if err != nil {
		return nil, err
	}
	options := store.Options{
		Partitions:       config.Store.Partitions,
		DefaultPartition: config.Store.DefaultPartition,
		ConfigDir:        config.Store.ConfigDir,
		Seen:             db,
	}
	if withWorkLog {
		worklog := client.NewLogWithLogger(logFile, db, logger)
		options.Changes = worklog
		db.SetNotifier(worklog)
	}
	st, err := store.NewWithLogger(options, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &localStore{
		list: mboxlist.NewWithLogger(st, db, logger),
		db:   db,
	}, nil
}

func (l *localStore) Close() error {
	return l.db.Close()
}
