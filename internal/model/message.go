package model

// Mailbox is a single RFC 5322 mailbox: an optional display name plus an
// addr-spec.
type Mailbox struct {
	Name    string
	Address string // addr-spec, e.g. "user@example.com"
}

// Message is the contract an embedder's RFC 5322 message implementation
// must satisfy. Parsing, MIME composition, and encoding are explicitly out
// of scope for posthorn itself (see internal/gomessage for the bundled
// implementation built on go-message); the engine only ever reads and
// mutates a message through this narrow interface.
//
// Address-list accessors are expected to already flatten RFC 5322 address
// groups ("group-name: member, member;") into their member mailboxes,
// silently dropping empty groups, the way internal/gomessage does.
type Message interface {
	From() ([]Mailbox, error)
	Sender() (*Mailbox, error)
	To() ([]Mailbox, error)
	Cc() ([]Mailbox, error)
	Bcc() ([]Mailbox, error)

	// MessageID returns the left and right halves of an existing
	// Message-Id header (without the angle brackets or the "@"), and
	// false if none is set.
	MessageID() (left, right string, ok bool)
	// SetMessageID sets the Message-Id header to "<id>".
	SetMessageID(id string) error
	// ClearBcc removes the Bcc header so it is not leaked to recipients.
	ClearBcc()

	// Bytes serializes the message to its final wire form.
	Bytes() ([]byte, error)
}
