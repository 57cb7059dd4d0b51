// Package spool derives the index fields and the cached metadata of a message
// from its raw RFC 5322 content.
package spool

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	textheader "github.com/emersion/go-message/textproto"
)

// CacheVersion is the version of the cache blob layout built by Parse
const CacheVersion = 1

// cachedFields are the header fields kept in the cache blob, in this order
var cachedFields = []string{
	"Date",
	"From",
	"Sender",
	"Reply-To",
	"To",
	"Cc",
	"Bcc",
	"Subject",
	"Message-Id",
	"In-Reply-To",
	"References",
}

// Parsed holds everything derived from the content of a message
type Parsed struct {
	Size         uint32
	HeaderSize   uint32
	ContentLines uint32
	SentDate     time.Time
	Cache        []byte
	GUID         mailbox.GUID
}

// Parse reads the whole content of a message
func Parse(content []byte) (Parsed, error) {
	parsed := Parsed{
		Size: uint32(len(content)),
		GUID: mailbox.ComputeGUID(content),
	}
	parsed.HeaderSize = headerSize(content)
	parsed.ContentLines = countLines(content[parsed.HeaderSize:])

	// a header that cannot be parsed leaves the envelope fields empty
	source := io.MultiReader(bytes.NewReader(content[:parsed.HeaderSize]), strings.NewReader("\r\n\r\n"))
	header, err := textheader.ReadHeader(bufio.NewReader(source))
	if err != nil {
		return parsed, nil
	}

	mailHeader := mail.Header{Header: message.Header{Header: header}}
	date, err := mailHeader.Date()
	if err == nil && !date.IsZero() {
		parsed.SentDate = date
	}
	parsed.Cache = cacheBlob(header)
	return parsed, nil
}

// ParseFile parses the message stored in path
func ParseFile(path string) (Parsed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: reading message: %s", lib.ErrIO, err)
	}
	return Parse(content)
}

// ParseReader parses the message read from reader, copying it to writer when not nil
func ParseReader(reader io.Reader, writer io.Writer) (Parsed, error) {
	if writer != nil {
		reader = io.TeeReader(reader, writer)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: reading message: %s", lib.ErrIO, err)
	}
	return Parse(content)
}

// Record returns an index record filled with the parsed fields
func (p Parsed) Record() mailbox.IndexRecord {
	record := mailbox.IndexRecord{
		Size:          p.Size,
		HeaderSize:    p.HeaderSize,
		ContentOffset: p.HeaderSize,
		ContentLines:  p.ContentLines,
		CacheVersion:  CacheVersion,
		GUID:          p.GUID,
	}
	if !p.SentDate.IsZero() && p.SentDate.Unix() > 0 {
		record.SentDate = uint32(p.SentDate.Unix())
	}
	return record
}

// headerSize returns the size of the header including the empty line ending it.
// A message without body is all header.
func headerSize(content []byte) uint32 {
	if bytes.HasPrefix(content, []byte("\r\n")) {
		return 2
	}
	if bytes.HasPrefix(content, []byte("\n")) {
		return 1
	}
	crlf := bytes.Index(content, []byte("\r\n\r\n"))
	lf := bytes.Index(content, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return uint32(crlf + 4)
	case lf >= 0:
		return uint32(lf + 2)
	default:
		return uint32(len(content))
	}
}

// countLines returns the number of lines of the body, counting an unterminated last line
func countLines(body []byte) uint32 {
	if len(body) == 0 {
		return 0
	}
	lines := bytes.Count(body, []byte("\n"))
	if body[len(body)-1] != '\n' {
		lines++
	}
	return uint32(lines)
}

// cacheBlob keeps the envelope fields of the header, one "Field: value" line each
func cacheBlob(header textheader.Header) []byte {
	buffer := &bytes.Buffer{}
	for _, key := range cachedFields {
		for _, value := range header.Values(key) {
			buffer.WriteString(textproto.CanonicalMIMEHeaderKey(key))
			buffer.WriteString(": ")
			buffer.WriteString(value)
			buffer.WriteString("\r\n")
		}
	}
	return buffer.Bytes()
}

// CachedHeader decodes a cache blob built by Parse
func CachedHeader(blob []byte) (textproto.MIMEHeader, error) {
	reader := textproto.NewReader(bufio.NewReader(io.MultiReader(bytes.NewReader(blob), bytes.NewReader([]byte("\r\n")))))
	header, err := reader.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: cache blob: %s", lib.ErrBadFormat, err)
	}
	return header, nil
}
