// Package client replicates the mailboxes of the local store to a replica server.
//
// Work comes in units (a whole user, some mailboxes of a user, the appends or the
// seen state of one mailbox, the subscriptions, quota and sieve scripts of a user).
// Each unit locks the user on the server with USER and unlocks it with ENDUSER.
package client

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/replica/protocol"
	"github.com/emersion/go-sasl"
)

const (
	defaultDialTimeout = 30 * time.Second
	// uploadBatch is the maximum number of messages sent in one UPLOAD
	uploadBatch = 256
)

// Config of the connection to the replica
type Config struct {
	Address string
	// Username and Password authenticate with AUTHENTICATE PLAIN. No authentication when Username is empty.
	Username string
	Password string
	// TLSConfig enables STARTTLS
	TLSConfig *tls.Config
	// RateLimit throttles the bytes sent to the server. Zero means unlimited.
	RateLimit   float64
	DialTimeout time.Duration
	// Reserve asks the server for the messages it already holds before uploading them
	Reserve bool
	Debug   bool
}

// Client is one session with a replica server
type Client struct {
	conn   *protocol.Conn
	list   *mboxlist.List
	config Config
	log    lib.Logger
	// onServer holds the identities the server keeps for this session: they can be sent with COPY
	onServer map[mailbox.GUID]bool
}

// Dial connects to the replica and authenticates
func Dial(list *mboxlist.List, config Config) (*Client, error) {
	return DialWithLogger(list, config, nil)
}

func DialWithLogger(list *mboxlist.List, config Config, logger lib.Logger) (*Client, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	timeout := config.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	logger.Printf("connecting to %s", config.Address)
	conn, err := net.DialTimeout("tcp", config.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect to %s: %s", lib.ErrIO, config.Address, err)
	}
	client, err := NewWithLogger(conn, list, config, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// New starts a session on an open connection
func New(conn net.Conn, list *mboxlist.List, config Config) (*Client, error) {
	return NewWithLogger(conn, list, config, nil)
}

func NewWithLogger(conn net.Conn, list *mboxlist.List, config Config, logger lib.Logger) (*Client, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	if list == nil {
		return nil, fmt.Errorf("%w: no mailbox list", lib.ErrConfig)
	}
	c := &Client{
		conn:     protocol.NewConnWithLogger(conn, logger),
		list:     list,
		config:   config,
		log:      logger,
		onServer: make(map[mailbox.GUID]bool),
	}
	c.conn.SetDebug(config.Debug)
	if config.TLSConfig != nil {
		if err := c.startTLS(); err != nil {
			return nil, err
		}
	}
	if config.Username != "" {
		if err := c.authenticate(); err != nil {
			return nil, err
		}
	}
	if config.RateLimit > 0 {
		if err := c.conn.SetRateLimit(config.RateLimit); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) startTLS() error {
	_, err := c.conn.Do("STARTTLS")
	if err != nil {
		return fmt.Errorf("STARTTLS: %w", err)
	}
	err = c.conn.StartTLS(c.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	return nil
}

func (c *Client) authenticate() error {
	mechanism, response, err := sasl.NewPlainClient("", c.config.Username, c.config.Password).Start()
	if err != nil {
		return err
	}
	reply, err := c.conn.Do("AUTHENTICATE", protocol.Atom(mechanism), protocol.Atom(base64.StdEncoding.EncodeToString(response)))
	if err != nil {
		return fmt.Errorf("authentication as %s: %w", c.config.Username, err)
	}
	c.log.Printf("authenticated as %s: %s", c.config.Username, reply.Info)
	return nil
}

// Close ends the session
func (c *Client) Close() error {
	_, err := c.conn.Do("EXIT")
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Restart asks the server to drop the messages it keeps for this session
func (c *Client) Restart() error {
	c.forgetServer()
	_, err := c.conn.Do("RESTART")
	return err
}

func (c *Client) forgetServer() {
	c.onServer = make(map[mailbox.GUID]bool)
}

// startUser locks user on the server
func (c *Client) startUser(user string) error {
	_, err := c.conn.Do("USER", user)
	return err
}

// endUser unlocks the user. The server may have dropped the messages kept for the session.
func (c *Client) endUser() error {
	reply, err := c.conn.Do("ENDUSER")
	if reply != nil && reply.Code == "RESTART" {
		c.log.Printf("server restarted: forgetting %d messages", len(c.onServer))
		c.forgetServer()
	}
	return err
}

// withUser runs work between USER and ENDUSER. ENDUSER is sent even when work fails,
// the first error is returned.
func (c *Client) withUser(user string, work func() error) error {
	err := c.startUser(user)
	if err == nil {
		err = work()
	}
	if endErr := c.endUser(); endErr != nil {
		if err == nil {
			return endErr
		}
		c.log.Printf("ENDUSER %s: %s", user, endErr)
	}
	return err
}

// selection is the reply to SELECT
type selection struct {
	uniqueID       string
	uidValidity    uint32
	lastUID        uint32
	seenLastChange time.Time
	seenLastUID    uint32
}

// selectMailbox selects name on the server. The server copy must have the same unique id.
func (c *Client) selectMailbox(name, uniqueID string) (selection, error) {
	sel := selection{}
	reply, err := c.conn.Do("SELECT", name)
	if err != nil {
		return sel, err
	}
	if len(reply.Data) != 1 {
		return sel, fmt.Errorf("%w: SELECT returned %d lines", lib.ErrProtocol, len(reply.Data))
	}
	args := protocol.NewArgs("SELECT", reply.Data[0])
	if sel.uniqueID, err = args.String(); err != nil {
		return sel, err
	}
	if sel.uidValidity, err = args.Number(); err != nil {
		return sel, err
	}
	if sel.lastUID, err = args.Number(); err != nil {
		return sel, err
	}
	if sel.seenLastChange, err = args.Unix(); err != nil {
		return sel, err
	}
	if sel.seenLastUID, err = args.Number(); err != nil {
		return sel, err
	}
	if uniqueID != "" && sel.uniqueID != uniqueID {
		return sel, fmt.Errorf("%w: %s has unique id %s on the server, %s here", lib.ErrMailboxMoved, name, sel.uniqueID, uniqueID)
	}
	return sel, nil
}

// unixSeconds compares times the way they travel on the wire
func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
