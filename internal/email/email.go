package email

import (
	"fmt"
	"net/smtp"

	"sentimetry.app/cloud/internal/logger"
)

// Sender delivers plain-text notification emails over SMTP. Lifecycle
// side effects go through it off the request path; a failed send is the
// caller's to log, never to propagate.
type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func NewSender(host, port, username, password, from string) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
	}
}

func (s *Sender) configured() bool {
	return s.Host != "" && s.Port != "" && s.Username != "" && s.Password != ""
}

func (s *Sender) Send(to, subject, body string) error {
	if !s.configured() {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", s.From, to, subject, body))

	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return smtp.SendMail(addr, auth, s.Username, []string{to}, msg)
}
