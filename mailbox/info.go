package mailbox

import "github.com/creativeprojects/mailsync/lib"

// Info identifies a mailbox on an import/export backend
type Info struct {
	// The backend hierarchy separator.
	Delimiter string
	// The mailbox name.
	Name string
}

// ChangeDelimiter returns the same mailbox expressed with another hierarchy separator
func ChangeDelimiter(info Info, delimiter string) Info {
	return Info{
		Delimiter: delimiter,
		Name:      lib.VerifyDelimiter(info.Name, info.Delimiter, delimiter),
	}
}

// StoreName returns the name of the mailbox in the store namespace ("." separator, NFC)
func (i Info) StoreName() string {
	return lib.NormalizeName(lib.VerifyDelimiter(i.Name, i.Delimiter, lib.HierarchySeparator))
}
