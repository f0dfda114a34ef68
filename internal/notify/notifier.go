// Package notify sends operator alerts. Notification is best-effort and
// fire-and-forget: a notifier failure never fails a pipeline run.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

type Notifier interface {
	Notify(subject, body string)
}

// SMTPNotifier emails alerts to the configured operators.
type SMTPNotifier struct {
	host     string
	port     int
	from     string
	to       []string
	user     string
	password string
}

func NewSMTPNotifier(host string, port int, from, to, user, password string) *SMTPNotifier {
	recipients := []string{}
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}

	return &SMTPNotifier{
		host:     host,
		port:     port,
		from:     from,
		to:       recipients,
		user:     user,
		password: password,
	}
}

func (n *SMTPNotifier) Notify(subject, body string) {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.from, strings.Join(n.to, ", "), subject, body)

	var auth smtp.Auth
	if n.user != "" {
		auth = smtp.PlainAuth("", n.user, n.password, n.host)
	}

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if err := smtp.SendMail(addr, auth, n.from, n.to, []byte(msg)); err != nil {
		log.Printf("WARN: failed to send notification email: %v", err)
	}
}

// NopNotifier is used when no SMTP settings are configured.
type NopNotifier struct{}

func (NopNotifier) Notify(subject, body string) {
	log.Printf("Notification (email disabled): %s", subject)
}
