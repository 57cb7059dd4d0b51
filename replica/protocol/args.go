package protocol

import (
	"fmt"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
)

// Args reads the fields of a command or of a data line one after the other
type Args struct {
	name   string
	fields []interface{}
	pos    int
}

func NewArgs(name string, fields []interface{}) *Args {
	return &Args{
		name:   name,
		fields: fields,
	}
}

// Reader returns a reader of the command arguments
func (c *Command) Reader() *Args {
	return NewArgs(c.Name, c.Args)
}

// Remaining returns the number of fields not read yet
func (a *Args) Remaining() int {
	return len(a.fields) - a.pos
}

func (a *Args) Done() bool {
	return a.pos >= len(a.fields)
}

// End fails when some fields have not been read
func (a *Args) End() error {
	if !a.Done() {
		return fmt.Errorf("%w: unexpected extra arguments to %s", lib.ErrProtocol, a.name)
	}
	return nil
}

// Next returns the next raw field
func (a *Args) Next() (interface{}, error) {
	if a.Done() {
		return nil, fmt.Errorf("%w: missing required argument to %s", lib.ErrProtocol, a.name)
	}
	field := a.fields[a.pos]
	a.pos++
	return field, nil
}

func (a *Args) String() (string, error) {
	field, err := a.Next()
	if err != nil {
		return "", err
	}
	return ParseString(field)
}

// OptionalString returns an empty string for NIL
func (a *Args) OptionalString() (string, error) {
	field, err := a.Next()
	if err != nil {
		return "", err
	}
	return ParseOptionalString(field)
}

func (a *Args) Number() (uint32, error) {
	field, err := a.Next()
	if err != nil {
		return 0, err
	}
	return ParseNumber(field)
}

func (a *Args) Uint() (uint64, error) {
	field, err := a.Next()
	if err != nil {
		return 0, err
	}
	return ParseUint(field)
}

func (a *Args) Int() (int64, error) {
	field, err := a.Next()
	if err != nil {
		return 0, err
	}
	return ParseInt(field)
}

func (a *Args) Unix() (time.Time, error) {
	field, err := a.Next()
	if err != nil {
		return time.Time{}, err
	}
	return ParseUnix(field)
}

func (a *Args) Bytes() ([]byte, error) {
	field, err := a.Next()
	if err != nil {
		return nil, err
	}
	return ParseBytes(field)
}

func (a *Args) Flags() ([]string, error) {
	field, err := a.Next()
	if err != nil {
		return nil, err
	}
	return ParseFlags(field)
}

func (a *Args) Strings() ([]string, error) {
	field, err := a.Next()
	if err != nil {
		return nil, err
	}
	return ParseStrings(field)
}

func (a *Args) GUID() (mailbox.GUID, error) {
	field, err := a.Next()
	if err != nil {
		return mailbox.NullGUID, err
	}
	return ParseGUID(field)
}
