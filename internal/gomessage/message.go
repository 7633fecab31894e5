// Package gomessage implements the posthorn Message contract on top of
// github.com/emersion/go-message and its mail subpackage, which already
// understands RFC 5322 address-list and group syntax.
package gomessage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/posthorn/posthorn/internal/model"
)

// Message wraps a parsed go-message entity, exposing it through
// model.Message.
type Message struct {
	entity *message.Entity
	header mail.Header
}

// Parse reads an RFC 5322 message from r.
func Parse(r io.Reader) (*Message, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("gomessage: parsing message: %w", err)
	}
	return &Message{entity: entity, header: mail.Header{Header: entity.Header}}, nil
}

func (m *Message) addressList(key string) ([]model.Mailbox, error) {
	addrs, err := m.header.AddressList(key)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("gomessage: parsing %s header: %w", key, err)
	}
	out := make([]model.Mailbox, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		out = append(out, model.Mailbox{Name: a.Name, Address: a.Address})
	}
	return out, nil
}

func (m *Message) From() ([]model.Mailbox, error) { return m.addressList("From") }
func (m *Message) To() ([]model.Mailbox, error)   { return m.addressList("To") }
func (m *Message) Cc() ([]model.Mailbox, error)   { return m.addressList("Cc") }
func (m *Message) Bcc() ([]model.Mailbox, error)  { return m.addressList("Bcc") }

func (m *Message) Sender() (*model.Mailbox, error) {
	list, err := m.addressList("Sender")
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (m *Message) MessageID() (left, right string, ok bool) {
	raw := strings.TrimSpace(m.entity.Header.Get("Message-Id"))
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")
	if raw == "" {
		return "", "", false
	}
	idx := strings.LastIndexByte(raw, '@')
	if idx < 0 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

func (m *Message) SetMessageID(id string) error {
	m.entity.Header.Set("Message-Id", "<"+id+">")
	return nil
}

func (m *Message) ClearBcc() {
	m.entity.Header.Del("Bcc")
}

func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.entity.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("gomessage: serializing message: %w", err)
	}
	return buf.Bytes(), nil
}

var _ model.Message = (*Message)(nil)
