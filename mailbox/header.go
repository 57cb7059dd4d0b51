package mailbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/creativeprojects/mailsync/lib"
)

// HeaderMagic starts every mailbox header file
const HeaderMagic = "\xa1\x02\x8b\x0dmailsync mailbox header\n"

const uniqueIDPrime = 2147484043

// Header is the content of the mailbox header file
type Header struct {
	QuotaRoot string
	UniqueID  string
	Flags     FlagNames
	ACL       string
}

// ParseHeader decodes the content of a header file.
// Headers written before unique ids existed have no tab on the quota root line:
// the UniqueID is left empty and must be generated by the caller.
func ParseHeader(data []byte) (*Header, error) {
	if !bytes.HasPrefix(data, []byte(HeaderMagic)) {
		return nil, fmt.Errorf("%w: invalid header magic", lib.ErrBadFormat)
	}
	lines := strings.SplitN(string(data[len(HeaderMagic):]), "\n", 4)
	if len(lines) < 4 {
		return nil, fmt.Errorf("%w: header file truncated", lib.ErrBadFormat)
	}
	header := &Header{}
	header.QuotaRoot, header.UniqueID, _ = strings.Cut(lines[0], "\t")

	// every slot is followed by a space, an empty token is a free slot
	if lines[1] != "" {
		names := strings.Split(strings.TrimSuffix(lines[1], " "), " ")
		if len(names) > MaxUserFlags {
			return nil, fmt.Errorf("%w: %d user flags in header, maximum is %d", lib.ErrBadFormat, len(names), MaxUserFlags)
		}
		for slot, name := range names {
			header.Flags[slot] = name
		}
	}
	header.ACL = lines[2]
	return header, nil
}

// Bytes encodes the header file content
func (h *Header) Bytes() []byte {
	buffer := &bytes.Buffer{}
	buffer.WriteString(HeaderMagic)
	buffer.WriteString(h.QuotaRoot)
	buffer.WriteByte('\t')
	buffer.WriteString(h.UniqueID)
	buffer.WriteByte('\n')
	last := -1
	for slot, name := range h.Flags {
		if name != "" {
			last = slot
		}
	}
	for slot := 0; slot <= last; slot++ {
		buffer.WriteString(h.Flags[slot])
		buffer.WriteByte(' ')
	}
	buffer.WriteByte('\n')
	buffer.WriteString(h.ACL)
	buffer.WriteByte('\n')
	return buffer.Bytes()
}

// MakeUniqueID derives the unique id of a mailbox from its name and uid validity
func MakeUniqueID(name string, uidValidity uint32) string {
	var hash uint64
	for i := 0; i < len(name); i++ {
		hash = (hash*251 + uint64(name[i])) % uniqueIDPrime
	}
	return fmt.Sprintf("%08x%08x", hash, uidValidity)
}
