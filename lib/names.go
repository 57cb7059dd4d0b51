package lib

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// UserPrefix is the namespace holding every personal mailbox
	UserPrefix = "user."
	// HierarchySeparator separates the levels of a mailbox name
	HierarchySeparator = "."
)

// NormalizeName returns the canonical (NFC) form of a mailbox or script name
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// UserFromMailbox returns the owner of a personal mailbox name ("user.bob.Sent" => "bob").
// It returns an empty string for names outside of the user namespace.
func UserFromMailbox(name string) string {
	if !strings.HasPrefix(name, UserPrefix) {
		return ""
	}
	user, _, _ := strings.Cut(name[len(UserPrefix):], HierarchySeparator)
	return user
}

// InboxName returns the name of the user top level mailbox
func InboxName(user string) string {
	return UserPrefix + user
}

// IsUserMailbox returns true when name is the inbox of user or one of its sub-folders
func IsUserMailbox(name, user string) bool {
	inbox := InboxName(user)
	return name == inbox || strings.HasPrefix(name, inbox+HierarchySeparator)
}

// ParentNames returns every ancestor of name, from the closest to the furthest
// ("a.b.c" => "a.b", "a")
func ParentNames(name string) []string {
	parents := make([]string, 0, strings.Count(name, HierarchySeparator))
	for {
		index := strings.LastIndex(name, HierarchySeparator)
		if index < 0 {
			return parents
		}
		name = name[:index]
		parents = append(parents, name)
	}
}

// VerifyDelimiter rewrites name from existingDelimiter to expectedDelimiter,
// escaping the occurrences of expectedDelimiter already present in the name
func VerifyDelimiter(name, existingDelimiter, expectedDelimiter string) string {
	if existingDelimiter == expectedDelimiter || existingDelimiter == "" || expectedDelimiter == "" {
		return name
	}
	name = strings.ReplaceAll(name, expectedDelimiter, "\\"+expectedDelimiter)
	return strings.ReplaceAll(name, existingDelimiter, expectedDelimiter)
}
