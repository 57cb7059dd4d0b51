package lib

import "time"

// NewUIDValidity returns a uid validity for a mailbox created now
func NewUIDValidity() uint32 {
	return uint32(time.Now().Unix())
}
