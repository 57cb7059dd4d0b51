package lib

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIO                 = errors.New("I/O error")
	ErrBadFormat          = errors.New("mailbox has an invalid format")
	ErrProtocol           = errors.New("protocol error")
	ErrInvalidUser        = errors.New("invalid user")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrQuotaExceeded      = errors.New("over quota")
	ErrMailboxNotFound    = errors.New("mailbox not found")
	ErrMailboxExists      = errors.New("mailbox already exists")
	ErrMailboxLocked      = errors.New("mailbox is locked")
	ErrMailboxMoved       = errors.New("mailbox has been moved")
	ErrNotSelected        = errors.New("mailbox not selected")
	ErrRenameCycle        = errors.New("cannot order mailbox renames")
	ErrUnknownReservation = errors.New("unknown reserved message")
	ErrUsage              = errors.New("usage error")
	ErrConfig             = errors.New("configuration error")
)

// Exit codes, following the BSD sysexits convention
const (
	ExitOK          = 0
	ExitUsage       = 64
	ExitDataErr     = 65
	ExitNoUser      = 67
	ExitIOErr       = 74
	ExitProtocol    = 76
	ExitConfig      = 78
	ExitUnavailable = 69
)

// ExitCode returns the process exit code matching the error category
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrBadFormat):
		return ExitDataErr
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrPermissionDenied):
		return ExitNoUser
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrRenameCycle), errors.Is(err, ErrUnknownReservation):
		return ExitProtocol
	case errors.Is(err, ErrIO):
		return ExitIOErr
	default:
		return ExitUnavailable
	}
}

var wireCodes = []struct {
	code string
	err  error
}{
	{"IMAP_IOERROR", ErrIO},
	{"IMAP_MAILBOX_BADFORMAT", ErrBadFormat},
	{"IMAP_PROTOCOL_ERROR", ErrProtocol},
	{"IMAP_INVALID_USER", ErrInvalidUser},
	{"IMAP_PERMISSION_DENIED", ErrPermissionDenied},
	{"IMAP_QUOTA_EXCEEDED", ErrQuotaExceeded},
	{"IMAP_MAILBOX_NONEXISTENT", ErrMailboxNotFound},
	{"IMAP_MAILBOX_EXISTS", ErrMailboxExists},
	{"IMAP_MAILBOX_LOCKED", ErrMailboxLocked},
	{"IMAP_MAILBOX_MOVED", ErrMailboxMoved},
	{"IMAP_MAILBOX_NOTSELECTED", ErrNotSelected},
	{"IMAP_SYNC_CHECKSUM", ErrUnknownReservation},
}

// WireCode returns the code sent in a NO response for this error.
// Errors outside of the taxonomy are reported as I/O errors.
func WireCode(err error) string {
	for _, entry := range wireCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "IMAP_IOERROR"
}

// FromWire converts the text of a NO response back into an error wrapping the matching sentinel
func FromWire(text string) error {
	code, message, _ := strings.Cut(text, " ")
	for _, entry := range wireCodes {
		if entry.code == code {
			if message == "" {
				return entry.err
			}
			return fmt.Errorf("%w: %s", entry.err, message)
		}
	}
	return fmt.Errorf("%w: %s", ErrIO, text)
}
