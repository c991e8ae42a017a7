// Package parsemail is the thin MIME-parsing boundary: headers, text
// body, attachments list. It exists only so the façade has a concrete collaborator to call;
// the real parsing is emersion/go-message's job.
package parsemail

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

var ErrParseFailed = errors.New("parsemail: failed to parse eml")

// Parsed is the minimal header/body/attachments view the rest of this
// module needs: envelope fields for indexing and folder listing, plus the
// original bytes (the store always keeps the raw EML, parsing is only for
// derived metadata).
type Parsed struct {
	MessageID      string
	Subject        string
	From           string
	To             []string
	Date           int64 // unix milliseconds
	HasAttachments bool
	Attachments    []string
	TextBody       string
	CanonicalHeaders []byte
	Raw            []byte
}

// Parse runs raw through emersion/go-message's mail reader and extracts
// the envelope fields the batch/index/folder layers need.
func Parse(raw []byte) (Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, errors.Wrap(ErrParseFailed, err.Error())
	}

	p := Parsed{Raw: append([]byte(nil), raw...)}

	if msgID, err := mr.Header.MessageID(); err == nil && msgID != "" {
		p.MessageID = "<" + msgID + ">"
	}
	if subject, err := mr.Header.Subject(); err == nil {
		p.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			p.To = append(p.To, a.Address)
		}
	}
	if date, err := mr.Header.Date(); err == nil {
		p.Date = date.UnixMilli()
	}
	p.CanonicalHeaders = canonicalizeHeaders(raw)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			if strings.HasPrefix(contentType(h.Get("Content-Type")), "text/plain") && p.TextBody == "" {
				body, _ := io.ReadAll(part.Body)
				p.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			p.HasAttachments = true
			name, _ := h.Filename()
			p.Attachments = append(p.Attachments, name)
		}
	}

	return p, nil
}

func contentType(raw string) string {
	t, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw
	}
	return t
}

// canonicalizeHeaders extracts just the raw header block (up to the first
// blank line) for envelope-hash computation:
// envelope_hash = SHA256(canonical_headers).
func canonicalizeHeaders(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
