package protocol

import (
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/emersion/go-imap"
)

// WriteCommand sends a command line
func (c *Conn) WriteCommand(name string, args ...interface{}) error {
	c.trace("C:", name)
	return c.writeLine(name, args)
}

// WriteData sends an untagged line
func (c *Conn) WriteData(fields ...interface{}) error {
	return c.writeLine(Untagged, fields)
}

// WriteOK sends a successful status
func (c *Conn) WriteOK(format string, a ...any) error {
	return c.writeStatus(StatusOK, "", fmt.Sprintf(format, a...))
}

// WriteOKCode sends a successful status carrying a [code]
func (c *Conn) WriteOKCode(code, format string, a ...any) error {
	return c.writeStatus(StatusOK, code, fmt.Sprintf(format, a...))
}

// WriteNO reports a failed command, prefixed by the wire code of err
func (c *Conn) WriteNO(err error) error {
	return c.writeStatus(StatusNO, "", lib.WireCode(err)+" "+err.Error())
}

// WriteBAD reports a command that could not be understood
func (c *Conn) WriteBAD(format string, a ...any) error {
	return c.writeStatus(StatusBAD, "", fmt.Sprintf(format, a...))
}

func (c *Conn) writeStatus(status, code, info string) error {
	fields := make([]interface{}, 0, 2)
	if code != "" {
		fields = append(fields, imap.RawString("["+code+"]"))
	}
	if info != "" {
		fields = append(fields, imap.RawString(oneLine(info)))
	}
	c.trace("S:", status+" "+info)
	return c.writeLine(status, fields)
}

func (c *Conn) writeLine(first string, fields []interface{}) error {
	err := (&imap.DataResp{Tag: first, Fields: fields}).WriteTo(c.out)
	if err != nil {
		return fmt.Errorf("%w: writing to %s: %s", lib.ErrIO, c.conn.RemoteAddr(), err)
	}
	return nil
}
