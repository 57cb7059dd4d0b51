package mailbox

import (
	"io"
	"time"
)

// MessageProperties are the attributes of a message travelling between backends
type MessageProperties struct {
	// The message flags.
	Flags []string
	// The date the message was received by the server.
	InternalDate time.Time
	// The message size.
	Size uint32
	// The message identity (when the backend knows it).
	GUID GUID
}

type Message struct {
	MessageProperties
	// The message unique identifier in its backend.
	Uid MessageID
	// The message body.
	Body io.ReadCloser
}
