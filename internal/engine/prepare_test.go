package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthorn/posthorn/internal/gomessage"
)

const rawFixture = "From: Sender <sender@ex.test>\r\n" +
	"To: a@ex.test\r\n" +
	"Cc: b@ex.test, a@ex.test\r\n" +
	"Bcc: hidden@ex.test\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"body\r\n"

func TestPrepareEmailDedupesRecipientsAndStripsBcc(t *testing.T) {
	msg, err := gomessage.Parse(strings.NewReader(rawFixture))
	require.NoError(t, err)

	prepared, status, err := PrepareEmail(msg, "helo.test")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a@ex.test", "b@ex.test", "hidden@ex.test"}, prepared.To)
	assert.Len(t, status.Recipients, 3)
	assert.NotContains(t, string(prepared.Message), "hidden@ex.test")
	assert.Equal(t, uint8(3), status.AttemptsRemaining)
}

func TestPrepareEmailAssignsMessageIDWhenMissing(t *testing.T) {
	msg, err := gomessage.Parse(strings.NewReader(rawFixture))
	require.NoError(t, err)

	prepared, status, err := PrepareEmail(msg, "helo.test")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(prepared.MessageID, "@helo.test"))
	assert.Equal(t, prepared.MessageID, status.MessageID)
	assert.Contains(t, string(prepared.Message), "Message-Id:")
}

func TestPrepareEmailRejectsMissingRecipients(t *testing.T) {
	const raw = "From: sender@ex.test\r\nSubject: hi\r\n\r\nbody\r\n"
	msg, err := gomessage.Parse(strings.NewReader(raw))
	require.NoError(t, err)

	_, _, err = PrepareEmail(msg, "helo.test")
	assert.Error(t, err)
}

func TestPrepareEmailRejectsInvalidRecipientAddress(t *testing.T) {
	const raw = "From: sender@ex.test\r\nTo: not-an-address\r\nSubject: hi\r\n\r\nbody\r\n"
	msg, err := gomessage.Parse(strings.NewReader(raw))
	require.NoError(t, err)

	_, _, err = PrepareEmail(msg, "helo.test")
	assert.Error(t, err)
}
