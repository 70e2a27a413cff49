package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mailer sends one email. Implementations must not log message bodies.
type Mailer interface {
	Send(ctx context.Context, toEmail, toName, subject, text, html string) error
}

// VerificationEmail renders the code email. ttl is shown rounded to minutes.
func VerificationEmail(name, code string, ttl time.Duration) (subject, text, htmlBody string) {
	mins := int(ttl.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	greeting := "Hello,"
	if name != "" {
		greeting = fmt.Sprintf("Hello %s,", name)
	}

	subject = "[Limen] Chat binding verification code"
	text = fmt.Sprintf("%s\n\nYour chat binding code is %s.\nIt expires in %d minutes.\n", greeting, code, mins)
	htmlBody = fmt.Sprintf(`<div style="font-family: Arial, sans-serif; padding: 20px;">
<p>%s</p>
<p>Your chat binding code is:</p>
<h1 style="letter-spacing: 5px; text-align: center;">%s</h1>
<p><strong>It expires in %d minutes.</strong></p>
</div>`, html.EscapeString(greeting), html.EscapeString(code), mins)
	return subject, text, htmlBody
}

// SentMail is what DevMailer records.
type SentMail struct {
	To      string
	Subject string
	Text    string
}

// DevMailer records messages in memory and logs only the recipient and
// subject. Point SMTP at a local catcher when the body is needed.
type DevMailer struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []SentMail
}

func NewDevMailer(logger *zap.Logger) *DevMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevMailer{logger: logger}
}

func (d *DevMailer) Send(_ context.Context, toEmail, _, subject, text, _ string) error {
	d.mu.Lock()
	d.sent = append(d.sent, SentMail{To: toEmail, Subject: subject, Text: text})
	d.mu.Unlock()

	d.logger.Info("dev mailer: message accepted",
		zap.String("to", toEmail),
		zap.String("subject", subject),
	)
	return nil
}

// Sent returns a copy of every recorded message.
func (d *DevMailer) Sent() []SentMail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentMail(nil), d.sent...)
}
