package mailbox

type Status struct {
	// The mailbox name.
	Name string
	// The user defined flags known to the mailbox.
	Flags []string
	// The number of messages in this mailbox.
	Messages uint32
	// The number of unread messages.
	Unseen uint32
	// Together with a UID, it is a unique identifier for a message.
	// Must be greater than or equal to 1.
	UidValidity uint32
	// The highest UID assigned so far.
	LastUID uint32
}
