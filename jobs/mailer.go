package jobs

import (
	"fmt"
	"net/smtp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Mailer sends plain-text transactional email over SMTP.
type Mailer struct {
	addr string
	from string
	auth smtp.Auth
}

// MailerConfig holds SMTP connection settings.
type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NewMailer constructs a Mailer. Auth is omitted when no username is
// configured (local relay, Mailpit).
func NewMailer(cfg MailerConfig) *Mailer {
	m := &Mailer{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		from: cfg.From,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

// Send delivers a single message.
func (m *Mailer) Send(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("mailer: empty recipient")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(b.String()))
}

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a minor-unit amount as a grouped decimal string,
// e.g. 1234567 USD renders "USD 12,345.67".
func FormatAmount(amount int64, currency string) string {
	major := amount / 100
	minor := amount % 100
	if minor < 0 {
		minor = -minor
	}
	return amountPrinter.Sprintf("%s %d.%02d", strings.ToUpper(currency), major, minor)
}
