package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/emersion/go-imap"
)

// Command is one line sent by a client
type Command struct {
	// Name is upper case
	Name string
	Args []interface{}
}

// Response is one line sent by a server: either untagged data or a status
type Response struct {
	// Status is empty for untagged data
	Status string
	// Code is the optional [CODE] following the status, upper case
	Code   string
	Info   string
	Fields []interface{}
}

// Reply is the answer to a command: the untagged data and the final status
type Reply struct {
	Data   [][]interface{}
	Status string
	Code   string
	Info   string
}

// Err converts a NO or BAD status into an error: NO carries the error category
// of the server, BAD is a protocol error.
func (r *Reply) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusBAD:
		return fmt.Errorf("%w: %s", lib.ErrProtocol, r.Info)
	default:
		return lib.FromWire(r.Info)
	}
}

// ReadCommand reads the next command. A malformed line is skipped and reported
// as ErrProtocol, the connection can still be used.
func (c *Conn) ReadCommand() (*Command, error) {
	atom, err := c.in.ReadAtom()
	if err != nil {
		return nil, c.readError(err)
	}
	name, ok := atom.(string)
	if !ok || name == "" {
		c.drain()
		return nil, fmt.Errorf("%w: null command", lib.ErrProtocol)
	}
	cmd := &Command{
		Name: strings.ToUpper(name),
	}
	cmd.Args, err = c.readRest()
	if err != nil {
		return nil, c.readError(err)
	}
	c.trace("C:", cmd.Name)
	return cmd, nil
}

// ReadResponse reads one line sent by the server
func (c *Conn) ReadResponse() (*Response, error) {
	atom, err := c.in.ReadAtom()
	if err != nil {
		return nil, c.readError(err)
	}
	tag, _ := atom.(string)
	response := &Response{}
	switch strings.ToUpper(tag) {
	case Untagged:
		response.Fields, err = c.readRest()
		if err != nil {
			return nil, c.readError(err)
		}
		return response, nil
	case StatusOK, StatusNO, StatusBAD:
		response.Status = strings.ToUpper(tag)
	default:
		c.drain()
		return nil, fmt.Errorf("%w: unexpected response %q", lib.ErrProtocol, tag)
	}

	char, _, err := c.reader.ReadRune()
	if err != nil {
		return nil, c.readError(err)
	}
	if char != ' ' {
		_ = c.reader.UnreadRune()
		err = c.in.ReadCrlf()
		if err != nil {
			return nil, c.readError(err)
		}
		c.trace("S:", response.Status)
		return response, nil
	}
	char, _, err = c.reader.ReadRune()
	if err != nil {
		return nil, c.readError(err)
	}
	_ = c.reader.UnreadRune()
	if char == '[' {
		code, _, err := c.in.ReadRespCode()
		if err != nil {
			return nil, c.readError(err)
		}
		response.Code = string(code)
	}
	response.Info, err = c.in.ReadInfo()
	if err != nil {
		return nil, c.readError(err)
	}
	c.trace("S:", response.Status+" "+response.Info)
	return response, nil
}

// ReadReply reads untagged lines until the status line
func (c *Conn) ReadReply() (*Reply, error) {
	reply := &Reply{
		Data: make([][]interface{}, 0),
	}
	for {
		response, err := c.ReadResponse()
		if err != nil {
			return nil, err
		}
		if response.Status == "" {
			reply.Data = append(reply.Data, response.Fields)
			continue
		}
		reply.Status = response.Status
		reply.Code = response.Code
		reply.Info = response.Info
		return reply, nil
	}
}

// Do sends a command and waits for its reply. A NO or BAD status is returned as an
// error along with the reply.
func (c *Conn) Do(name string, args ...interface{}) (*Reply, error) {
	err := c.WriteCommand(name, args...)
	if err != nil {
		return nil, err
	}
	reply, err := c.ReadReply()
	if err != nil {
		return nil, err
	}
	return reply, reply.Err()
}

// readRest reads the fields following the first atom, up to the end of the line
func (c *Conn) readRest() ([]interface{}, error) {
	char, _, err := c.reader.ReadRune()
	if err != nil {
		return nil, err
	}
	if char != ' ' {
		_ = c.reader.UnreadRune()
		return nil, c.in.ReadCrlf()
	}
	return c.in.ReadLine()
}

// readError skips what is left of a malformed line and classifies err
func (c *Conn) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	if imap.IsParseError(err) {
		c.drain()
		return fmt.Errorf("%w: %s", lib.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %s", lib.ErrIO, err)
}

func (c *Conn) drain() {
	_, _ = c.reader.ReadString('\n')
}
