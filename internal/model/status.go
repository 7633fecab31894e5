package model

// InternalRecipientStatus tracks one recipient's delivery progress across
// the lifetime of a message. It carries everything the worker needs to plan
// and retry delivery; only a trimmed view (RecipientStatus) is ever handed
// back to the embedder.
type InternalRecipientStatus struct {
	// EmailAddr is the recipient address as it appeared in the message
	// (may include a display name).
	EmailAddr string `json:"email_addr"`
	// SMTPEmailAddr is the bare addr-spec used on the wire (RCPT TO).
	SMTPEmailAddr string `json:"smtp_email_addr"`
	// Domain is the addr-spec's domain part, lowercased.
	Domain string `json:"domain"`
	// MXServers holds the MX-ordered delivery targets for Domain, or nil
	// if resolution has not yet run (or this recipient is relayed, in
	// which case it is never populated).
	MXServers []string `json:"mx_servers,omitempty"`
	// CurrentMX is the index into MXServers the worker would resume from.
	// It is tracked for parity with the reference implementation but is
	// never advanced past 0; see the engine's delivery planner.
	CurrentMX int            `json:"current_mx"`
	Result    DeliveryResult `json:"result"`
}

// Public projects the fields an embedder should see.
func (r InternalRecipientStatus) Public() RecipientStatus {
	return RecipientStatus{
		EmailAddr: r.SMTPEmailAddr,
		Result:    r.Result,
	}
}

// RecipientStatus is the read-only, embedder-facing view of a recipient's
// delivery outcome.
type RecipientStatus struct {
	EmailAddr string
	Result    DeliveryResult
}

// InternalMessageStatus is the full record persisted by a Storage
// implementation for a single outgoing message.
type InternalMessageStatus struct {
	MessageID        string                     `json:"message_id"`
	Recipients       []InternalRecipientStatus  `json:"recipients"`
	AttemptsRemaining uint8                     `json:"attempts_remaining"`
}

// Public projects an InternalMessageStatus into the embedder-facing
// MessageStatus.
func (m InternalMessageStatus) Public() MessageStatus {
	out := MessageStatus{
		MessageID:       m.MessageID,
		RecipientStatus: make([]RecipientStatus, len(m.Recipients)),
	}
	for i, r := range m.Recipients {
		out.RecipientStatus[i] = r.Public()
	}
	return out
}

// MessageStatus is the queryable, embedder-facing status of a previously
// submitted message.
type MessageStatus struct {
	MessageID       string
	RecipientStatus []RecipientStatus
}

// Succeeded reports whether every recipient was delivered.
func (m MessageStatus) Succeeded() bool {
	for _, r := range m.RecipientStatus {
		if r.Result.State != StateDelivered {
			return false
		}
	}
	return true
}

// Completed reports whether every recipient has reached a terminal state
// (Delivered or Failed). A completed message will never change state again.
func (m MessageStatus) Completed() bool {
	for _, r := range m.RecipientStatus {
		if !r.Result.Completed() {
			return false
		}
	}
	return true
}

// PreparedEmail is the wire-ready form of an outgoing message: envelope
// plus serialized content, produced once at submission time and reused
// across every retry.
type PreparedEmail struct {
	// To holds the bare addr-specs this message must be delivered to.
	To []string
	// From is the single envelope-sender addr-spec (MAIL FROM).
	From string
	// MessageID is the left@right RFC 5322 Message-ID assigned to this
	// email.
	MessageID string
	// Message is the fully serialized RFC 5322 message, with Bcc removed
	// and Message-Id set, ready to hand to DATA.
	Message []byte
}
