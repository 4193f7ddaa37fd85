package provider

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"mailcore/internal/models"
)

// buildMIME renders a draft into an RFC 5322 message. Used both for Gmail's
// raw send and for SMTP submission.
func buildMIME(from string, draft *models.Draft, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		fromAddr = &mail.Address{Address: from}
	}

	toAddrs := make([]*mail.Address, 0, len(draft.To))
	for _, to := range draft.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		toAddrs = append(toAddrs, addr)
	}

	var header mail.Header
	header.SetDate(now)
	header.SetAddressList("From", []*mail.Address{fromAddr})
	header.SetAddressList("To", toAddrs)
	if len(draft.Cc) > 0 {
		ccAddrs := make([]*mail.Address, 0, len(draft.Cc))
		for _, cc := range draft.Cc {
			addr, err := mail.ParseAddress(cc)
			if err != nil {
				return nil, fmt.Errorf("invalid cc recipient %q: %w", cc, err)
			}
			ccAddrs = append(ccAddrs, addr)
		}
		header.SetAddressList("Cc", ccAddrs)
	}
	header.SetSubject(draft.Subject)
	if draft.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{draft.InReplyTo})
		header.SetMsgIDList("References", []string{draft.InReplyTo})
	}

	writer, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeInlinePart(writer, "text/plain", draft.TextBody); err != nil {
		return nil, err
	}
	if draft.HTMLBody != "" {
		if err := writeInlinePart(writer, "text/html", draft.HTMLBody); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(w *mail.Writer, contentType, body string) error {
	var header mail.InlineHeader
	header.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	part, err := w.CreateSingleInline(header)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		part.Close()
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return part.Close()
}
