package parsemail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const plainEml = "Message-ID: <abc123@example.com>\r\n" +
	"Subject: Hello World\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Date: Mon, 2 Jan 2026 03:04:05 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body text here\r\n"

func TestParseExtractsEnvelopeFields(t *testing.T) {
	p, err := Parse([]byte(plainEml))
	require.NoError(t, err)

	require.Equal(t, "<abc123@example.com>", p.MessageID)
	require.Equal(t, "Hello World", p.Subject)
	require.Equal(t, "alice@example.com", p.From)
	require.Equal(t, []string{"bob@example.com"}, p.To)
	require.NotZero(t, p.Date)
	require.False(t, p.HasAttachments)
	require.True(t, strings.Contains(p.TextBody, "body text here"))
	require.Equal(t, []byte(plainEml), p.Raw)
}

func TestParseWithAttachment(t *testing.T) {
	raw := "Message-ID: <with-attach@example.com>\r\n" +
		"Subject: Has attachment\r\n" +
		"From: Alice <alice@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"main body\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"file.bin\"\r\n" +
		"\r\n" +
		"binarydata\r\n" +
		"--BOUNDARY--\r\n"

	p, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.True(t, p.HasAttachments)
	require.Contains(t, p.Attachments, "file.bin")
	require.Contains(t, p.TextBody, "main body")
}

func TestParseInvalidInputFails(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestCanonicalizeHeadersStopsAtBlankLine(t *testing.T) {
	got := canonicalizeHeaders([]byte(plainEml))
	require.False(t, strings.Contains(string(got), "body text here"))
	require.True(t, strings.Contains(string(got), "Subject: Hello World"))
}

func TestCanonicalizeHeadersFallsBackToLFLF(t *testing.T) {
	raw := "Subject: x\n\nbody\n"
	got := canonicalizeHeaders([]byte(raw))
	require.Equal(t, "Subject: x", string(got))
}

func TestCanonicalizeHeadersNoBlankLineReturnsWholeInput(t *testing.T) {
	raw := "Subject: x"
	got := canonicalizeHeaders([]byte(raw))
	require.Equal(t, raw, string(got))
}
