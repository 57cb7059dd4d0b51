// Package protocol reads and writes the replication protocol: one command per
// line made of IMAP atoms, quoted strings, literals and parenthesized lists.
// Every command is answered by untagged "*" lines followed by one status line
// starting with OK, NO or BAD.
package protocol

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/limitio"
	"github.com/emersion/go-imap"
)

// Status of a reply
const (
	StatusOK  = "OK"
	StatusNO  = "NO"
	StatusBAD = "BAD"
	// Untagged is the tag of the data lines preceding a status line
	Untagged = "*"
)

// Conn is one end of a replication connection
type Conn struct {
	conn           net.Conn
	reader         *bufio.Reader
	writer         *bufio.Writer
	in             *imap.Reader
	out            *imap.Writer
	rateLimit      float64
	maxLiteralSize uint32
	debug          bool
	log            lib.Logger
}

func NewConn(conn net.Conn) *Conn {
	return NewConnWithLogger(conn, nil)
}

func NewConnWithLogger(conn net.Conn, logger lib.Logger) *Conn {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	c := &Conn{
		log: logger,
	}
	c.setup(conn)
	return c
}

func (c *Conn) setup(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.in = imap.NewReader(c.reader)
	c.in.MaxLiteralSize = c.maxLiteralSize
	c.setupWriter()
}

func (c *Conn) setupWriter() {
	if c.rateLimit > 0 {
		limited := limitio.NewWriter(c.conn)
		limited.SetRateLimit(c.rateLimit, limitio.DefaultBurst)
		c.writer = bufio.NewWriter(limited)
	} else {
		c.writer = bufio.NewWriter(c.conn)
	}
	c.out = imap.NewWriter(c.writer)
}

// SetRateLimit throttles the outgoing bytes. Zero removes the limit.
func (c *Conn) SetRateLimit(bytesPerSec float64) error {
	err := c.writer.Flush()
	if err != nil {
		return err
	}
	c.rateLimit = bytesPerSec
	c.setupWriter()
	return nil
}

// SetMaxLiteralSize rejects incoming literals bigger than size bytes. Zero means no limit.
func (c *Conn) SetMaxLiteralSize(size uint32) {
	c.maxLiteralSize = size
	c.in.MaxLiteralSize = size
}

// SetDebug logs every command and status line going through the connection
func (c *Conn) SetDebug(debug bool) {
	c.debug = debug
}

// StartTLS replaces the connection by a TLS client connection
func (c *Conn) StartTLS(config *tls.Config) error {
	return c.upgrade(func(conn net.Conn) (net.Conn, error) {
		tlsConn := tls.Client(conn, config)
		return tlsConn, tlsConn.Handshake()
	})
}

// AcceptTLS replaces the connection by a TLS server connection
func (c *Conn) AcceptTLS(config *tls.Config) error {
	return c.upgrade(func(conn net.Conn) (net.Conn, error) {
		tlsConn := tls.Server(conn, config)
		return tlsConn, tlsConn.Handshake()
	})
}

func (c *Conn) upgrade(upgrader func(net.Conn) (net.Conn, error)) error {
	err := c.writer.Flush()
	if err != nil {
		return err
	}
	if c.reader.Buffered() > 0 {
		return fmt.Errorf("%w: data received before TLS negotiation", lib.ErrProtocol)
	}
	conn, err := upgrader(c.conn)
	if err != nil {
		return fmt.Errorf("TLS negotiation failed: %w", err)
	}
	c.setup(conn)
	return nil
}

// IsTLS returns true once the connection is encrypted
func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadline of the underlying connection
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) trace(direction, text string) {
	if c.debug {
		c.log.Printf("%s %s", direction, text)
	}
}

// oneLine makes a free text safe to send at the end of a status line
func oneLine(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, text)
}
