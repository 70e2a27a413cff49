package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mailersend/mailersend-go"
)

// MailerSendMailer delivers through the MailerSend HTTP API.
type MailerSendMailer struct {
	client *mailersend.Mailersend
	from   mailersend.From
}

func NewMailerSendMailer(apiKey, fromName, fromEmail string) (*MailerSendMailer, error) {
	if apiKey == "" || fromEmail == "" {
		return nil, errors.New("mailersend: api key and from address are required")
	}
	return &MailerSendMailer{
		client: mailersend.NewMailersend(apiKey),
		from:   mailersend.From{Name: fromName, Email: fromEmail},
	}, nil
}

func (m *MailerSendMailer) Send(ctx context.Context, toEmail, toName, subject, text, htmlBody string) error {
	msg := m.client.Email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Name: toName, Email: toEmail}})
	msg.SetSubject(subject)
	if strings.TrimSpace(text) != "" {
		msg.SetText(text)
	}
	if strings.TrimSpace(htmlBody) != "" {
		msg.SetHTML(htmlBody)
	}

	res, err := m.client.Email.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailersend: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The response body is an API error description, not our message.
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("mailersend: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
