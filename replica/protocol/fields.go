package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-imap"
)

// Nil is the NIL atom
var Nil interface{}

// Atom is sent as is, without quoting
func Atom(text string) imap.RawString {
	return imap.RawString(text)
}

func Uint(number uint64) imap.RawString {
	return imap.RawString(strconv.FormatUint(number, 10))
}

func Int(number int64) imap.RawString {
	return imap.RawString(strconv.FormatInt(number, 10))
}

// Unix sends a time as seconds since the epoch, 0 for the zero time
func Unix(t time.Time) imap.RawString {
	if t.IsZero() {
		return "0"
	}
	return Int(t.Unix())
}

// Literal sends data as a {n} literal
func Literal(data []byte) imap.Literal {
	return bytes.NewReader(data)
}

type sizedLiteral struct {
	io.Reader
	size int
}

func (l *sizedLiteral) Len() int {
	return l.size
}

// ReaderLiteral sends size bytes read from reader as a literal
func ReaderLiteral(reader io.Reader, size int) imap.Literal {
	return &sizedLiteral{
		Reader: reader,
		size:   size,
	}
}

// FormatGUID sends an identity, NIL when it is unknown
func FormatGUID(guid mailbox.GUID) interface{} {
	if guid.IsNull() {
		return Nil
	}
	return Atom(guid.String())
}

// FormatFlags sends flag names as a list of atoms
func FormatFlags(names []string) []interface{} {
	list := make([]interface{}, len(names))
	for i, name := range names {
		list[i] = Atom(name)
	}
	return list
}

// FormatStrings sends a list of strings
func FormatStrings(list []string) []interface{} {
	return imap.FormatStringList(list)
}

func invalid(what string, field interface{}, err error) error {
	if err != nil {
		return fmt.Errorf("%w: invalid %s %v: %s", lib.ErrProtocol, what, field, err)
	}
	return fmt.Errorf("%w: invalid %s %v", lib.ErrProtocol, what, field)
}

// ParseString accepts an atom, a quoted string or a literal
func ParseString(field interface{}) (string, error) {
	text, err := imap.ParseString(field)
	if err != nil {
		return "", invalid("string", field, err)
	}
	return text, nil
}

// ParseOptionalString returns an empty string for NIL
func ParseOptionalString(field interface{}) (string, error) {
	if field == nil {
		return "", nil
	}
	return ParseString(field)
}

func ParseNumber(field interface{}) (uint32, error) {
	number, err := imap.ParseNumber(field)
	if err != nil {
		return 0, invalid("number", field, err)
	}
	return number, nil
}

func ParseUint(field interface{}) (uint64, error) {
	text, err := imap.ParseString(field)
	if err != nil {
		return 0, invalid("number", field, err)
	}
	number, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, invalid("number", field, err)
	}
	return number, nil
}

func ParseInt(field interface{}) (int64, error) {
	text, err := imap.ParseString(field)
	if err != nil {
		return 0, invalid("number", field, err)
	}
	number, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, invalid("number", field, err)
	}
	return number, nil
}

// ParseUnix reads a time sent with Unix
func ParseUnix(field interface{}) (time.Time, error) {
	seconds, err := ParseInt(field)
	if err != nil || seconds == 0 {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0), nil
}

// ParseBytes reads a literal or a string
func ParseBytes(field interface{}) ([]byte, error) {
	if literal, ok := field.(imap.Literal); ok {
		data, err := io.ReadAll(literal)
		if err != nil {
			return nil, invalid("literal", "", err)
		}
		return data, nil
	}
	text, err := ParseString(field)
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

func ParseList(field interface{}) ([]interface{}, error) {
	list, ok := field.([]interface{})
	if !ok {
		return nil, invalid("list", field, nil)
	}
	return list, nil
}

func ParseStrings(field interface{}) ([]string, error) {
	list, err := imap.ParseStringList(field)
	if err != nil {
		return nil, invalid("list", field, err)
	}
	return list, nil
}

// ParseFlags reads a list of flag names. \Recent is dropped.
func ParseFlags(field interface{}) ([]string, error) {
	flags, err := ParseStrings(field)
	if err != nil {
		return nil, err
	}
	return mailbox.StripRecentFlag(flags), nil
}

// ParseGUID reads an identity sent with FormatGUID
func ParseGUID(field interface{}) (mailbox.GUID, error) {
	if field == nil {
		return mailbox.NullGUID, nil
	}
	text, err := ParseString(field)
	if err != nil {
		return mailbox.NullGUID, err
	}
	if strings.EqualFold(text, "NIL") {
		return mailbox.NullGUID, nil
	}
	guid, err := mailbox.ParseGUID(text)
	if err != nil {
		return mailbox.NullGUID, invalid("message identity", text, err)
	}
	return guid, nil
}

// CheckArgs returns a protocol error when args does not hold between min and max fields.
// A negative max means no upper bound.
func CheckArgs(name string, args []interface{}, min, max int) error {
	if len(args) < min {
		return fmt.Errorf("%w: missing required argument to %s", lib.ErrProtocol, name)
	}
	if max >= 0 && len(args) > max {
		return fmt.Errorf("%w: unexpected extra arguments to %s", lib.ErrProtocol, name)
	}
	return nil
}
