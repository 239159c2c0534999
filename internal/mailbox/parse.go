package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/ignite/inbox-intel/internal/domain"
)

// maxPartBytes caps how much of a single body part is kept.
const maxPartBytes = 4 << 20

// ParseMessage reads one RFC 5322 message. Only the first text/html and
// first text/plain inline parts are kept; attachments are skipped.
func ParseMessage(r io.Reader, mailbox, folder string) (domain.RawMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return domain.RawMessage{}, fmt.Errorf("create reader: %w", err)
	}
	defer mr.Close()

	msg := domain.RawMessage{Mailbox: mailbox, Folder: folder}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderAddress = strings.ToLower(strings.TrimSpace(from[0].Address))
		if _, d, ok := strings.Cut(msg.SenderAddress, "@"); ok {
			msg.SenderDomain = d
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			ct = "text/plain"
		}
		switch {
		case ct == "text/html" && msg.HTMLBody == "":
			body, err := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
			if err != nil {
				return msg, fmt.Errorf("read html part: %w", err)
			}
			msg.HTMLBody = string(body)
		case ct == "text/plain" && msg.TextBody == "":
			body, err := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
			if err != nil {
				return msg, fmt.Errorf("read text part: %w", err)
			}
			msg.TextBody = string(body)
		}
	}
	return msg, nil
}
