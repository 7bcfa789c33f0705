package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
)

// Template selects a typed email body. The data payload fills the
// template; formats are owned by this boundary, not the caller.
type Template string

const (
	TemplateSwapCompleted   Template = "swap_completed"
	TemplateSwapFailed      Template = "swap_failed"
	TemplateDepositComplete Template = "deposit_complete"
)

// Mailer sends terminal-outcome email through SMTP over implicit TLS.
// No retries — a failed send is the caller's to log and drop.
type Mailer struct {
	smtpHost string
	smtpPort string
	username string
	password string
}

func NewMailer(host, port, user, pass string) *Mailer {
	return &Mailer{
		smtpHost: host,
		smtpPort: port,
		username: user,
		password: pass,
	}
}

// Enabled reports whether SMTP credentials were configured.
func (m *Mailer) Enabled() bool {
	return m.smtpHost != "" && m.username != ""
}

// Send renders the template with data and delivers it to one address.
func (m *Mailer) Send(to string, template Template, data map[string]string) error {
	subject, body, err := render(template, data)
	if err != nil {
		return err
	}
	return m.deliver(to, subject, body)
}

func render(template Template, data map[string]string) (subject, body string, err error) {
	switch template {
	case TemplateSwapCompleted:
		subject = fmt.Sprintf("Swap completed: %s → %s", data["from_asset"], data["to_asset"])
		body = fmt.Sprintf(
			"<p>Your swap of %s %s for %s %s is complete.</p><p>Transaction: %s</p>",
			data["from_amount"], data["from_asset"],
			data["to_amount"], data["to_asset"],
			data["tx_hash"],
		)
	case TemplateSwapFailed:
		subject = fmt.Sprintf("Swap failed: %s → %s", data["from_asset"], data["to_asset"])
		body = fmt.Sprintf(
			"<p>Your swap of %s %s could not be completed.</p><p>Reason: %s</p>",
			data["from_amount"], data["from_asset"], data["reason"],
		)
	case TemplateDepositComplete:
		subject = fmt.Sprintf("Deposit received: %s %s", data["amount"], data["currency"])
		body = fmt.Sprintf(
			"<p>Your deposit of %s %s has been credited to your balance.</p>",
			data["amount"], data["currency"],
		)
	default:
		return "", "", fmt.Errorf("notify: unknown template %q", template)
	}
	return subject, body, nil
}

func (m *Mailer) deliver(to, subject, body string) error {
	from := m.username
	msg := []byte(
		fmt.Sprintf("From: %s\r\n", from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)

	serverAddr := m.smtpHost + ":" + m.smtpPort

	// Implicit TLS for port 465
	tlsConfig := &tls.Config{
		ServerName: m.smtpHost,
	}

	conn, err := tls.Dial("tcp", serverAddr, tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.smtpHost)
	if err != nil {
		return err
	}
	defer client.Quit()

	auth := smtp.PlainAuth("", m.username, m.password, m.smtpHost)
	if err := client.Auth(auth); err != nil {
		return err
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}
