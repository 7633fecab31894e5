package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/posthorn/posthorn/internal/model"
	"github.com/posthorn/posthorn/internal/smtpdeliver"
)

// PrepareEmail turns a caller-supplied model.Message into the wire-ready
// PreparedEmail and its initial InternalMessageStatus, following the
// reference implementation's prepare_email: collect and de-duplicate
// recipients from To/Cc/Bcc, strip Bcc from the serialized form, assign a
// Message-Id if none is present, validate every address, and serialize.
func PrepareEmail(msg model.Message, heloName string) (model.PreparedEmail, model.InternalMessageStatus, error) {
	from, err := envelopeSender(msg)
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, err
	}
	if err := smtpdeliver.ValidateAddress(from); err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.NewError(model.ErrKindPrepare, "invalid From address", err)
	}

	recipients, err := collectRecipients(msg)
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, err
	}
	if len(recipients) == 0 {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.NewError(model.ErrKindPrepare, "message has no recipients", nil)
	}

	msg.ClearBcc()

	messageID, err := ensureMessageID(msg, heloName)
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, err
	}

	raw, err := msg.Bytes()
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.NewError(model.ErrKindPrepare, "serializing message", err)
	}

	to := make([]string, len(recipients))
	internalRecipients := make([]model.InternalRecipientStatus, len(recipients))
	for i, mb := range recipients {
		to[i] = mb.Address
		internalRecipients[i] = model.InternalRecipientStatus{
			EmailAddr:     display(mb),
			SMTPEmailAddr: mb.Address,
			Domain:        domainOf(mb.Address),
			Result:        model.Queued(),
		}
	}

	prepared := model.PreparedEmail{
		To:        to,
		From:      from,
		MessageID: messageID,
		Message:   raw,
	}
	status := model.InternalMessageStatus{
		MessageID:         messageID,
		Recipients:        internalRecipients,
		AttemptsRemaining: 3,
	}
	return prepared, status, nil
}

// envelopeSender picks the MAIL FROM address: the Sender header if set,
// else the first From address.
func envelopeSender(msg model.Message) (string, error) {
	sender, err := msg.Sender()
	if err != nil {
		return "", model.NewError(model.ErrKindPrepare, "reading Sender header", err)
	}
	if sender != nil {
		return sender.Address, nil
	}
	froms, err := msg.From()
	if err != nil {
		return "", model.NewError(model.ErrKindPrepare, "reading From header", err)
	}
	if len(froms) == 0 {
		return "", model.NewError(model.ErrKindPrepare, "message has no From address", nil)
	}
	return froms[0].Address, nil
}

// collectRecipients gathers To, Cc, and Bcc mailboxes (already flattened
// of any RFC 5322 address groups by the Message implementation) and
// de-duplicates by addr-spec, preserving first occurrence.
func collectRecipients(msg model.Message) ([]model.Mailbox, error) {
	var all []model.Mailbox
	for _, fn := range []func() ([]model.Mailbox, error){msg.To, msg.Cc, msg.Bcc} {
		list, err := fn()
		if err != nil {
			return nil, model.NewError(model.ErrKindPrepare, "reading recipient headers", err)
		}
		all = append(all, list...)
	}

	seen := make(map[string]struct{}, len(all))
	out := make([]model.Mailbox, 0, len(all))
	for _, mb := range all {
		if err := smtpdeliver.ValidateAddress(mb.Address); err != nil {
			return nil, model.NewError(model.ErrKindPrepare, "invalid recipient address", err)
		}
		if _, ok := seen[mb.Address]; ok {
			continue
		}
		seen[mb.Address] = struct{}{}
		out = append(out, mb)
	}
	return out, nil
}

func ensureMessageID(msg model.Message, heloName string) (string, error) {
	if left, right, ok := msg.MessageID(); ok {
		return left + "@" + right, nil
	}
	id := fmt.Sprintf("%s@%s", uuid.NewString(), heloName)
	if err := msg.SetMessageID(id); err != nil {
		return "", model.NewError(model.ErrKindPrepare, "setting Message-Id", err)
	}
	return id, nil
}

func display(mb model.Mailbox) string {
	if mb.Name == "" {
		return mb.Address
	}
	return fmt.Sprintf("%s <%s>", mb.Name, mb.Address)
}

func domainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
