package cmd

import (
	"errors"
	"fmt"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/storage"
	"github.com/creativeprojects/mailsync/storage/local"
	"github.com/creativeprojects/mailsync/storage/mdir"
	"github.com/creativeprojects/mailsync/storage/remote"
)

// verify interface
var (
	_ storage.Backend = &remote.Imap{}
	_ storage.Backend = &local.Store{}
	_ storage.Backend = &mdir.Maildir{}
)

// accountBackend closes the local store along with a local account
type accountBackend struct {
	storage.Backend
	store *localStore
}

func (b *accountBackend) Close() error {
	err := b.Backend.Close()
	if b.store != nil {
		err = errors.Join(err, b.store.Close())
	}
	return err
}

// NewBackend opens the account named in the configuration
func NewBackend(accountName string, logger lib.Logger) (storage.Backend, error) {
	account, ok := config.Accounts[accountName]
	if !ok {
		return nil, fmt.Errorf("%w: account not found: %s", lib.ErrUsage, accountName)
	}
	return newAccountBackend(account, logger)
}

func newAccountBackend(account cfg.Account, logger lib.Logger) (storage.Backend, error) {
	switch account.Type {
	case cfg.IMAP:
		return remote.NewImap(remote.Config{
			ServerURL:           account.ServerURL,
			Username:            account.Username,
			Password:            account.Password,
			NoTLS:               account.NoTLS,
			SkipTLSVerification: account.SkipTLSVerification,
			DebugLogger:         logger,
		})
	case cfg.MAILDIR:
		return mdir.NewWithLogger(account.Root, logger)
	case cfg.LOCAL:
		store, err := openLocalStore(true, logger)
		if err != nil {
			return nil, err
		}
		backend, err := local.NewWithLogger(store.list, account.User, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return &accountBackend{Backend: backend, store: store}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported account type %q", lib.ErrConfig, account.Type)
	}
}
