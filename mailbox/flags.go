package mailbox

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
)

const (
	// MaxUserFlags is the number of user defined flag slots of a mailbox
	MaxUserFlags = 128
	// UserFlagWords is the number of 32 bit words holding the user flags of a record
	UserFlagWords = (MaxUserFlags + 31) / 32
)

// SystemFlags is the bitmask of the system flags stored in an index record
type SystemFlags uint32

const (
	FlagAnswered SystemFlags = 1 << iota
	FlagFlagged
	FlagDeleted
	FlagDraft
)

var systemFlagNames = []struct {
	flag SystemFlags
	name string
}{
	{FlagDeleted, imap.DeletedFlag},
	{FlagAnswered, imap.AnsweredFlag},
	{FlagFlagged, imap.FlaggedFlag},
	{FlagDraft, imap.DraftFlag},
}

// Has returns true when every flag in other is set
func (f SystemFlags) Has(other SystemFlags) bool {
	return f&other == other
}

// Names returns the IMAP names of the flags set
func (f SystemFlags) Names() []string {
	names := make([]string, 0, len(systemFlagNames))
	for _, entry := range systemFlagNames {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	return names
}

// SystemFlagFromName returns the system flag named name (case-insensitive).
// \Seen and \Recent are not stored in the index and are not recognised here.
func SystemFlagFromName(name string) (SystemFlags, bool) {
	for _, entry := range systemFlagNames {
		if strings.EqualFold(entry.name, name) {
			return entry.flag, true
		}
	}
	return 0, false
}

// IsSystemName returns true for names starting with a backslash
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "\\")
}

// UserFlags is the bitmask of the user defined flags of an index record
type UserFlags [UserFlagWords]uint32

func (u *UserFlags) Set(slot int) {
	u[slot/32] |= 1 << (slot & 31)
}

func (u *UserFlags) Clear(slot int) {
	u[slot/32] &^= 1 << (slot & 31)
}

func (u UserFlags) Has(slot int) bool {
	return u[slot/32]&(1<<(slot&31)) != 0
}

func (u UserFlags) IsZero() bool {
	return u == UserFlags{}
}

// FlagNames is the slot table of the user defined flags of a mailbox. An empty string is a free slot.
type FlagNames [MaxUserFlags]string

// Find returns the slot of the flag name (case-insensitive)
func (f *FlagNames) Find(name string) (int, bool) {
	for slot, existing := range f {
		if existing != "" && strings.EqualFold(existing, name) {
			return slot, true
		}
	}
	return 0, false
}

// Allocate returns the slot of name, using the first free slot if the name is unknown
func (f *FlagNames) Allocate(name string) (int, error) {
	if slot, found := f.Find(name); found {
		return slot, nil
	}
	for slot, existing := range f {
		if existing == "" {
			f[slot] = name
			return slot, nil
		}
	}
	return 0, fmt.Errorf("no free slot for user flag %q", name)
}

// Names returns the names of the user flags set in mask
func (f *FlagNames) Names(mask UserFlags) []string {
	names := make([]string, 0)
	for slot, name := range f {
		if name != "" && mask.Has(slot) {
			names = append(names, name)
		}
	}
	return names
}

// Count returns the number of slots in use
func (f *FlagNames) Count() int {
	count := 0
	for _, name := range f {
		if name != "" {
			count++
		}
	}
	return count
}

// Flags converts a list of flag names into bitmasks, allocating user flag slots as needed.
// \Seen and \Recent are ignored: they are not part of the index.
func (f *FlagNames) Flags(names []string) (SystemFlags, UserFlags, error) {
	var system SystemFlags
	var user UserFlags
	for _, name := range names {
		if flag, ok := SystemFlagFromName(name); ok {
			system |= flag
			continue
		}
		if IsSystemName(name) {
			continue
		}
		slot, err := f.Allocate(name)
		if err != nil {
			return system, user, err
		}
		user.Set(slot)
	}
	return system, user, nil
}

// StripRecentFlag returns a copy of source without the \Recent flag
func StripRecentFlag(source []string) []string {
	output := make([]string, 0, len(source))
	for _, flag := range source {
		if strings.EqualFold(flag, imap.RecentFlag) {
			continue
		}
		output = append(output, flag)
	}
	return output
}
