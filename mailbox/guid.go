package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// GUIDSize is the size in bytes of a message identity
const GUIDSize = sha256.Size

// GUID is the content-derived identity of a message: two messages with the same
// GUID have the same bytes. The zero value means "unknown" and never matches.
type GUID [GUIDSize]byte

// NullGUID is the unknown identity
var NullGUID GUID

// ComputeGUID returns the identity of a message
func ComputeGUID(content []byte) GUID {
	return GUID(sha256.Sum256(content))
}

// ReadGUID returns the identity of the message read from reader
func ReadGUID(reader io.Reader) (GUID, int64, error) {
	hasher := sha256.New()
	size, err := io.Copy(hasher, reader)
	if err != nil {
		return NullGUID, size, err
	}
	guid := GUID{}
	copy(guid[:], hasher.Sum(nil))
	return guid, size, nil
}

// ParseGUID decodes the hexadecimal representation of an identity
func ParseGUID(text string) (GUID, error) {
	guid := GUID{}
	if len(text) != GUIDSize*2 {
		return guid, fmt.Errorf("invalid message identity %q: expected %d characters", text, GUIDSize*2)
	}
	_, err := hex.Decode(guid[:], []byte(text))
	if err != nil {
		return NullGUID, fmt.Errorf("invalid message identity %q: %w", text, err)
	}
	return guid, nil
}

func (g GUID) IsNull() bool {
	return g == NullGUID
}

// Matches returns true when both identities are known and equal
func (g GUID) Matches(other GUID) bool {
	return !g.IsNull() && g == other
}

func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GUID) UnmarshalText(text []byte) error {
	guid, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = guid
	return nil
}
