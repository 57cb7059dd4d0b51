// Package cfg loads the yaml configuration file
package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"gopkg.in/yaml.v3"
)

const DefaultFile = "mailsync.yaml"

type AccountType string

const (
	IMAP    AccountType = "imap"
	MAILDIR AccountType = "maildir"
	LOCAL   AccountType = "local"
)

type Config struct {
	Store    Store              `yaml:"store"`
	Server   Server             `yaml:"server"`
	Client   Client             `yaml:"client"`
	Log      Log                `yaml:"log"`
	Accounts map[string]Account `yaml:"accounts"`
}

type Store struct {
	// Partitions maps a partition name to the root of its mailbox tree
	Partitions map[string]string `yaml:"partitions"`
	// Partition is the root of the default partition, when there's only one
	Partition        string `yaml:"partition"`
	DefaultPartition string `yaml:"default_partition"`
	// ConfigDir holds the quota files, the locks and the state database
	ConfigDir string `yaml:"configdir"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Server struct {
	Listen         string            `yaml:"listen"`
	MaxConnections int               `yaml:"max_connections"`
	CommandRate    float64           `yaml:"command_rate"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout"`
	MaxReserved    int               `yaml:"max_reserved"`
	TLS            TLS               `yaml:"tls"`
	Users          map[string]string `yaml:"users"`
	LocalMasters   []string          `yaml:"local_masters"`
	Metrics        string            `yaml:"metrics"`
}

type Client struct {
	Server              string        `yaml:"server"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	StartTLS            bool          `yaml:"starttls"`
	SkipTLSVerification bool          `yaml:"skip_tls_verification"`
	LogDir              string        `yaml:"log_dir"`
	ShutdownFile        string        `yaml:"shutdown_file"`
	Timeout             time.Duration `yaml:"timeout"`
	MinDelta            time.Duration `yaml:"min_delta"`
	RateLimit           float64       `yaml:"rate_limit"`
	Reserve             bool          `yaml:"reserve"`
}

type Log struct {
	File    string `yaml:"file"`
	Syslog  bool   `yaml:"syslog"`
	Verbose bool   `yaml:"verbose"`
}

type Account struct {
	Type                AccountType `yaml:"type"`
	ServerURL           string      `yaml:"serverURL"`
	Username            string      `yaml:"username"`
	Password            string      `yaml:"password"`
	SkipTLSVerification bool        `yaml:"skipTLSVerification"`
	NoTLS               bool        `yaml:"noTLS"`
	Root                string      `yaml:"root"`
	// User is the owner of the mailboxes of a local account
	User string `yaml:"user"`
}

func newConfig() *Config {
	return &Config{
		Store: Store{
			ConfigDir: "config",
		},
		Client: Client{
			MinDelta: 3 * time.Second,
		},
		Accounts: make(map[string]Account),
	}
}

// LoadFromFile loads the configuration from the file
func LoadFromFile(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrConfig, err)
	}
	config, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return config, nil
}

// Load reads the configuration from reader, then closes it. Unknown keys are rejected.
func Load(reader io.ReadCloser) (*Config, error) {
	defer reader.Close()
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := newConfig()
	err := decoder.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", lib.ErrConfig, err)
	}
	err = validateConfiguration(config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfiguration(config *Config) error {
	if config.Store.Partition != "" {
		if config.Store.Partitions == nil {
			config.Store.Partitions = make(map[string]string)
		}
		if _, found := config.Store.Partitions["default"]; !found {
			config.Store.Partitions["default"] = config.Store.Partition
		}
		if config.Store.DefaultPartition == "" {
			config.Store.DefaultPartition = "default"
		}
	}
	if config.Store.DefaultPartition != "" {
		if _, found := config.Store.Partitions[config.Store.DefaultPartition]; !found {
			return fmt.Errorf("%w: unknown default partition %q", lib.ErrConfig, config.Store.DefaultPartition)
		}
	}
	if (config.Server.TLS.Cert == "") != (config.Server.TLS.Key == "") {
		return fmt.Errorf("%w: server tls needs both a certificate and a key", lib.ErrConfig)
	}
	if config.Client.RateLimit < 0 || config.Client.Timeout < 0 || config.Client.MinDelta < 0 {
		return fmt.Errorf("%w: negative client rate limit or delay", lib.ErrConfig)
	}
	for name, account := range config.Accounts {
		switch account.Type {
		case IMAP:
			if account.ServerURL == "" {
				return fmt.Errorf("%w: account %q: missing serverURL", lib.ErrConfig, name)
			}
		case MAILDIR:
			if account.Root == "" {
				return fmt.Errorf("%w: account %q: missing root", lib.ErrConfig, name)
			}
		case LOCAL:
			if account.User == "" {
				return fmt.Errorf("%w: account %q: missing user", lib.ErrConfig, name)
			}
		default:
			return fmt.Errorf("%w: account %q: unsupported type %q", lib.ErrConfig, name, account.Type)
		}
	}
	return nil
}

// StateFile is the database holding the mailbox list, seen states, subscriptions and sieve scripts
func (s Store) StateFile() string {
	return filepath.Join(s.ConfigDir, "mailboxes.db")
}

// StagingDir holds the messages reserved by the sync server
func (s Store) StagingDir() string {
	return filepath.Join(s.ConfigDir, "sync", "stage")
}

// LogFile is the work log of the sync client
func (c Client) LogFile(store Store) string {
	dir := c.LogDir
	if dir == "" {
		dir = filepath.Join(store.ConfigDir, "sync")
	}
	return filepath.Join(dir, "log")
}
